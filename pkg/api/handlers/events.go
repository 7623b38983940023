package handlers

import (
	"context"
	"time"

	"github.com/carrelhq/carrel/internal/logger"
	"github.com/carrelhq/carrel/pkg/webhook"
)

// AppendMetrics counts accepted appends by type. May be nil.
type AppendMetrics interface {
	RecordAppend(kind string)
}

// Publisher emits webhook events after mutations commit. A nil Publisher,
// or one with a nil dispatcher, drops everything silently; mutations never
// depend on webhook machinery being up.
type Publisher struct {
	dispatcher *webhook.Dispatcher
	baseURL    string
}

// NewPublisher wraps a dispatcher for handler use.
func NewPublisher(d *webhook.Dispatcher, baseURL string) *Publisher {
	return &Publisher{dispatcher: d, baseURL: baseURL}
}

// eventOpts carries the optional event facts: capability URLs for the
// payload and the filter facts subscriptions match on.
type eventOpts struct {
	urls       map[string]string
	appendType string
	author     string
	labels     []string
}

func (p *Publisher) publish(ctx context.Context, event, workspaceID, path string, data map[string]any, opts eventOpts) {
	if p == nil || p.dispatcher == nil {
		return
	}
	ev, err := webhook.NewEvent(event, workspaceID, path, time.Now().UTC(), data)
	if err != nil {
		logger.WarnCtx(ctx, "failed to build webhook event", "event", event, "error", err)
		return
	}
	ev.URLs = opts.urls
	ev.AppendType = opts.appendType
	ev.Author = opts.author
	ev.Labels = opts.labels
	p.dispatcher.Publish(ctx, ev)
}
