// Package nativetool runs the engines' own dump and restore binaries
// (pg_dump, mysqldump, mongodump and friends), streaming their stdout
// or stdin so the database never has to fit in memory.
package nativetool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// stderr is captured for error reporting but capped so a chatty tool
// cannot balloon memory.
const maxStderr = 8 * 1024

// StreamOut runs the tool writing its stdout to w. extraEnv entries
// ("KEY=value") are appended to the inherited environment, which is
// how passwords reach the tools without showing up in argv.
func StreamOut(ctx context.Context, w io.Writer, extraEnv []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdout = w
	stderr := &capBuffer{max: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return toolError(name, err, stderr)
	}
	return nil
}

// StreamIn runs the tool feeding r to its stdin.
func StreamIn(ctx context.Context, r io.Reader, extraEnv []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdin = r
	stderr := &capBuffer{max: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return toolError(name, err, stderr)
	}
	return nil
}

// Version runs the tool with the given args (typically "--version")
// and returns the first line of its output.
func Version(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s not available: %w", name, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func toolError(name string, err error, stderr *capBuffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s: %w: %s", name, err, msg)
}

// capBuffer keeps only the first max bytes written to it.
type capBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *capBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *capBuffer) String() string { return b.buf.String() }
