package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/config"
)

func profileCommand() *cli.Command {
	return &cli.Command{
		Name:  "profile",
		Usage: "Manage stored connection profiles",
		Subcommands: []*cli.Command{
			profileAddCommand(),
			profileListCommand(),
		},
	}
}

func profileAddCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Add a connection profile to the config file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Required: true, Usage: "Profile id referenced by tasks"},
			&cli.StringFlag{Name: "name", Usage: "Display name"},
			&cli.StringFlag{Name: "engine", Required: true, Usage: "postgres, mysql, sqlite, mongodb or elasticsearch"},
			&cli.StringFlag{Name: "host", Usage: "Database host"},
			&cli.IntFlag{Name: "port", Usage: "Database port (0 = engine default)"},
			&cli.StringFlag{Name: "database", Usage: "Database name, or file path for sqlite"},
			&cli.StringFlag{Name: "username", Usage: "Database user"},
			&cli.StringFlag{Name: "auth-source", Usage: "MongoDB authentication database"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			a, err := adapter.Get(c.String("engine"))
			if err != nil {
				return err
			}
			if _, exists := cfg.ProfileByID(c.String("id")); exists {
				return fmt.Errorf("profile %q already exists", c.String("id"))
			}

			password, err := promptPassword()
			if err != nil {
				return err
			}

			cfg.Profiles = append(cfg.Profiles, config.Profile{
				ID:          c.String("id"),
				Name:        c.String("name"),
				Engine:      string(a.Kind()),
				Host:        c.String("host"),
				Port:        c.Int("port"),
				Database:    c.String("database"),
				Username:    c.String("username"),
				Credentials: password,
				AuthSource:  c.String("auth-source"),
			})
			if err := cfg.Save(c.String("config")); err != nil {
				return err
			}
			fmt.Printf("profile %s added\n", c.String("id"))
			return nil
		},
	}
}

// promptPassword reads the password from the terminal without echo,
// falling back to a plain line read when stdin is not a TTY (piped
// input in scripts).
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password (empty for none): ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(raw), nil
	}

	var line string
	fmt.Fscanln(os.Stdin, &line)
	return line, nil
}

func profileListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List stored profiles",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENGINE\tHOST\tDATABASE")
			for _, p := range cfg.Profiles {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Engine, p.Host, p.Database)
			}
			return w.Flush()
		},
	}
}
