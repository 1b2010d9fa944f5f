package agents

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/agentry-dev/agentry/agent"
)

// Logger prints every delivery it receives, with sender and topic
// attribution when present. Subscribe it to a topic to watch traffic flow
// through a running system.
type Logger struct {
	Base
	prefix string
	seen   atomic.Int64
}

// NewLogger builds one instance. prefix tags each line; empty means "Logger".
func NewLogger(id agent.AgentID, rt agent.Runtime, prefix string) *Logger {
	if prefix == "" {
		prefix = "Logger"
	}
	return &Logger{Base: NewBase(id, rt), prefix: prefix}
}

// NewLoggerFactory returns a factory producing Logger instances sharing one
// prefix.
func NewLoggerFactory(prefix string) agent.Factory {
	return func(id agent.AgentID, rt agent.Runtime) (agent.Agent, error) {
		return NewLogger(id, rt, prefix), nil
	}
}

func (l *Logger) Handle(ctx context.Context, message any, mctx *agent.MessageContext) (any, error) {
	l.seen.Add(1)

	from := "external"
	if mctx.Sender != nil {
		from = mctx.Sender.String()
	}
	switch {
	case mctx.Topic != nil:
		log.Printf("[%s] %s | topic %s from %s: %v", l.prefix, l.ID(), mctx.Topic, from, message)
	default:
		log.Printf("[%s] %s | direct from %s: %v", l.prefix, l.ID(), from, message)
	}
	return nil, nil
}

// Seen reports how many deliveries this instance has logged.
func (l *Logger) Seen() int64 {
	return l.seen.Load()
}
