// Package events announces finished jobs to interested subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/fraud-review/api-go/internal/model"
)

const DefaultSubject = "jobs.complete"

type Publisher interface {
	PublishCompletion(ctx context.Context, ev model.CompletionEvent) error
	Close()
}

type Noop struct{}

func (Noop) PublishCompletion(context.Context, model.CompletionEvent) error { return nil }
func (Noop) Close()                                                         {}

type NATS struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// NewNATS connects to url. An empty subject publishes on DefaultSubject.
func NewNATS(url, subject string, log *zap.Logger) (*NATS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("fraud-review"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{conn: nc, subject: subject, log: log}, nil
}

func (n *NATS) PublishCompletion(_ context.Context, ev model.CompletionEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	n.log.Debug("published completion",
		zap.String("job_id", ev.JobID),
		zap.String("status", string(ev.Status)),
	)
	return nil
}

// Close flushes pending messages before disconnecting.
func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

func Encode(ev model.CompletionEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("serialize completion event: %w", err)
	}
	return data, nil
}
