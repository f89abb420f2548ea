package agent

import (
	"context"

	"agentcron/internal/task/engine"
	logx "agentcron/pkg/logx"
)

// Echo logs the request and succeeds with the message as detail.
type Echo struct {
	log logx.Logger
}

func NewEcho(log logx.Logger) *Echo {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Echo{log: log}
}

func (e *Echo) Execute(_ context.Context, req engine.Request) engine.Outcome {
	e.log.Info("agent turn",
		logx.String("job", req.JobID),
		logx.String("fire", req.FireID),
		logx.String("trigger", string(req.Trigger)),
		logx.String("message", req.Payload.Message),
	)
	return engine.Success(clip(req.Payload.Message))
}
