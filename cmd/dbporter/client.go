package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/dbporter/dbporter/internal/task"
)

// client talks to a running `dbporter serve` instance.
type client struct {
	base string
	http *http.Client
}

func newClient(c *cli.Context) (*client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return &client{
		base: "http://" + cfg.Server.Listen,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (cl *client) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, cl.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := cl.http.Do(req)
	if err != nil {
		return fmt.Errorf("reaching server at %s (is `dbporter serve` running?): %w", cl.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Submit a task and optionally wait for it",
		ArgsUsage: "<export|import|backup|restore>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "profile", Required: true, Usage: "Connection profile id"},
			&cli.StringFlag{Name: "storage", Required: true, Usage: "Storage backend name"},
			&cli.StringFlag{Name: "table", Usage: "Table to export or import"},
			&cli.StringFlag{Name: "format", Usage: "csv, json or ndjson"},
			&cli.StringFlag{Name: "path", Usage: "Object path (export destination, import source, restore artifact)"},
			&cli.StringFlag{Name: "mode", Usage: "Import write mode: create, append or truncate"},
			&cli.BoolFlag{Name: "create-table", Usage: "Create the destination table from the file header"},
			&cli.BoolFlag{Name: "overwrite", Usage: "Restore over a non-empty destination"},
			&cli.Int64Flag{Name: "start-offset", Usage: "Resume an import this many rows in"},
			&cli.BoolFlag{Name: "wait", Usage: "Block until the task finishes"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected one task kind argument")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			req := map[string]any{
				"kind":       c.Args().First(),
				"profile_id": c.String("profile"),
				"params": task.Params{
					Storage:     c.String("storage"),
					Table:       c.String("table"),
					Format:      c.String("format"),
					Path:        c.String("path"),
					Mode:        c.String("mode"),
					CreateTable: c.Bool("create-table"),
					Overwrite:   c.Bool("overwrite"),
					StartOffset: c.Int64("start-offset"),
				},
			}
			var t task.Task
			if err := cl.do(http.MethodPost, "/tasks", req, &t); err != nil {
				return err
			}
			fmt.Println(t.ID)

			if !c.Bool("wait") {
				return nil
			}
			return waitForTask(cl, t.ID)
		},
	}
}

// waitForTask polls the task until it reaches a terminal state,
// showing row progress as a spinner-style bar (the total is unknown
// up front).
func waitForTask(cl *client, id string) error {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("running"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)

	for {
		var t task.Task
		if err := cl.do(http.MethodGet, "/tasks/"+id, nil, &t); err != nil {
			return err
		}
		bar.Describe(fmt.Sprintf("%s [%s]", t.Phase, t.State))
		bar.Set64(t.Rows)

		if t.State.Terminal() {
			bar.Finish()
			fmt.Fprintln(os.Stderr)
			switch t.State {
			case task.StateCompleted:
				fmt.Printf("completed: %d rows, %d bytes\n", t.Rows, t.Bytes)
				return nil
			case task.StateCancelled:
				fmt.Printf("cancelled after offset %d\n", t.FailedOffset)
				return nil
			default:
				return fmt.Errorf("task failed: %s", t.Error)
			}
		}
		time.Sleep(time.Second)
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show one task",
		ArgsUsage: "<task-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected one task id argument")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			var t json.RawMessage
			if err := cl.do(http.MethodGet, "/tasks/"+c.Args().First(), nil, &t); err != nil {
				return err
			}
			var pretty bytes.Buffer
			json.Indent(&pretty, t, "", "  ")
			fmt.Println(pretty.String())
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Request cooperative cancellation of a task",
		ArgsUsage: "<task-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected one task id argument")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			if err := cl.do(http.MethodPost, "/tasks/"+c.Args().First()+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Println("cancel requested; the task stops at its next batch boundary")
			return nil
		},
	}
}

func retryCommand() *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "Queue a fresh attempt of a failed or cancelled task",
		ArgsUsage: "<task-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected one task id argument")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			var t task.Task
			if err := cl.do(http.MethodPost, "/tasks/"+c.Args().First()+"/retry", nil, &t); err != nil {
				return err
			}
			fmt.Println(t.ID)
			return nil
		},
	}
}

func tasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and maintain the task queue",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "state", Usage: "Filter by state"},
				},
				Action: func(c *cli.Context) error {
					cl, err := newClient(c)
					if err != nil {
						return err
					}
					path := "/tasks"
					if s := c.String("state"); s != "" {
						path += "?state=" + s
					}
					var tasks []task.Task
					if err := cl.do(http.MethodGet, path, nil, &tasks); err != nil {
						return err
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tKIND\tPROFILE\tSTATE\tPHASE\tROWS\tCREATED")
					for _, t := range tasks {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
							t.ID, t.Kind, t.ProfileID, t.State, t.Phase, t.Rows,
							t.CreatedAt.Local().Format(time.DateTime))
					}
					return w.Flush()
				},
			},
			pruneCommand(),
		},
	}
}

// pruneCommand works on the store directly so retention can run from
// cron without the server up. WAL mode keeps this safe alongside a
// running server.
func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete terminal tasks past the retention window",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Usage: "Override retention_days from config"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			days := cfg.Worker.RetentionDays
			if c.Int("days") > 0 {
				days = c.Int("days")
			}

			store, err := task.Open(cfg.Worker.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().AddDate(0, 0, -days)
			n, err := store.PruneBefore(c.Context, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d tasks finished before %s\n", n, cutoff.Format(time.DateOnly))
			return nil
		},
	}
}
