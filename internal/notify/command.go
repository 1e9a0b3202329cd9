// Package notify delivers watchdog alarms to the operator by running a
// configured command.
package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds one alarm command.
const DefaultTimeout = 30 * time.Second

type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Command runs Argv once per notification. The message is passed on stdin
// and in SCOPE_ALARM_MESSAGE; the title in SCOPE_ALARM_TITLE. A typical
// argv is ["mail", "-s", "scope alarm", "lab@example.org"].
type Command struct {
	Argv    []string
	Timeout time.Duration
}

func (c Command) Notify(ctx context.Context, title, message string) error {
	if len(c.Argv) == 0 {
		return nil
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = append(os.Environ(),
		"SCOPE_ALARM_TITLE="+sanitize(title),
		"SCOPE_ALARM_MESSAGE="+sanitize(message),
	)
	cmd.Stdin = strings.NewReader(message + "\n")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", c.Argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// sanitize keeps environment values on one line.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
