package delivery

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"followup/internal/domain"
)

// Command runs an external program per message. The message body is written
// to stdin and the task identifiers are passed as environment variables. The
// first line of stdout, if any, becomes the provider id.
type Command struct {
	Name string
	Args []string
}

func NewCommand(name string, args ...string) *Command {
	return &Command{Name: name, Args: args}
}

func (c *Command) Deliver(ctx context.Context, msg domain.Message) (domain.Receipt, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdin = strings.NewReader(msg.Body)
	cmd.Env = append(os.Environ(),
		"FOLLOWUP_TASK_ID="+msg.TaskID,
		"FOLLOWUP_SESSION_ID="+msg.SessionID,
		"FOLLOWUP_LEAD_ID="+msg.LeadID,
		"FOLLOWUP_SEQUENCE="+msg.Sequence,
		"FOLLOWUP_POSITION="+strconv.Itoa(msg.Position),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return domain.Receipt{}, ctx.Err()
		}
		return domain.Receipt{}, fmt.Errorf("command error: %v; stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	id, _, _ := strings.Cut(strings.TrimSpace(stdout.String()), "\n")
	return domain.Receipt{Delivered: true, ProviderID: id}, nil
}
