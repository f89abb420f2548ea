package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"agentcron/internal/task/engine"
	logx "agentcron/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown agent driver")

const (
	DriverWebhook = "webhook"
	DriverCommand = "command"
	DriverEcho    = "echo"

	// maxDetail bounds the outcome detail taken from agent output.
	maxDetail = 2048
)

type Config struct {
	Driver  string
	URL     string
	Command string
	Headers map[string]string
	// Timeout bounds one call; 0 leaves it to the engine exec timeout.
	Timeout time.Duration
}

// Open returns the configured executor. An empty driver means "echo".
func Open(cfg Config, log logx.Logger) (engine.Executor, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverEcho
	}
	log = log.With(logx.String("comp", "agent"), logx.String("driver", driver))

	switch driver {
	case DriverWebhook:
		return NewWebhook(cfg, log)
	case DriverCommand:
		return NewCommand(cfg, log)
	case DriverEcho:
		return NewEcho(log), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

// wireRequest is the JSON body sent to webhook agents.
type wireRequest struct {
	FireID  string         `json:"fire_id"`
	JobID   string         `json:"job_id"`
	JobName string         `json:"job_name"`
	Trigger engine.Trigger `json:"trigger"`
	FiredAt time.Time      `json:"fired_at"`
	Message string         `json:"message"`
	Deliver bool           `json:"deliver"`
	Channel string         `json:"channel,omitempty"`
	To      string         `json:"to,omitempty"`
}

func toWire(req engine.Request) wireRequest {
	return wireRequest{
		FireID:  req.FireID,
		JobID:   req.JobID,
		JobName: req.JobName,
		Trigger: req.Trigger,
		FiredAt: req.FiredAt.UTC(),
		Message: req.Payload.Message,
		Deliver: req.Payload.Deliver,
		Channel: req.Payload.Channel,
		To:      req.Payload.To,
	}
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDetail {
		return s
	}
	return s[:maxDetail] + "..."
}
