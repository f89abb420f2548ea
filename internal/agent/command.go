package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"agentcron/internal/task/engine"
	logx "agentcron/pkg/logx"
)

// Command runs a local program per fire. The message is written to stdin
// and job metadata is exported as AGENTCRON_* environment variables.
// Exit status 0 is success with stdout as detail.
type Command struct {
	argv    []string
	timeout time.Duration
	log     logx.Logger
}

func NewCommand(cfg Config, log logx.Logger) (*Command, error) {
	line := strings.TrimSpace(cfg.Command)
	if line == "" {
		return nil, errors.New("agent.command is required for command driver")
	}
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("agent.command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("agent.command is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Command{argv: argv, timeout: cfg.Timeout, log: log}, nil
}

func (c *Command) Execute(ctx context.Context, req engine.Request) engine.Outcome {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Payload.Message)
	cmd.Env = append(os.Environ(),
		"AGENTCRON_FIRE_ID="+req.FireID,
		"AGENTCRON_JOB_ID="+req.JobID,
		"AGENTCRON_JOB_NAME="+req.JobName,
		"AGENTCRON_TRIGGER="+string(req.Trigger),
		"AGENTCRON_CHANNEL="+req.Payload.Channel,
		"AGENTCRON_TO="+req.Payload.To,
	)
	// Children that inherit stdout must not hold Run open after a kill.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return engine.Failure("timeout")
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		} else {
			msg = err.Error() + ": " + msg
		}
		c.log.Debug("agent command failed", logx.String("job", req.JobID), logx.Err(err))
		return engine.Failure(clip(msg))
	}
	return engine.Success(clip(stdout.String()))
}
