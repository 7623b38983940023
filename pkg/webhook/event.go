package webhook

import (
	"time"

	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/models"
)

// Event is the payload delivered to subscribers. Data carries the append or
// file facts of the originating mutation as the API already rendered them;
// URLs is only serialized for subscriptions that opted in via includeUrls.
type Event struct {
	ID          string            `json:"id"`
	Event       string            `json:"event"`
	WorkspaceID string            `json:"workspaceId"`
	Path        string            `json:"path"`
	OccurredAt  time.Time         `json:"occurredAt"`
	Data        map[string]any    `json:"data,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`

	// Filter facts. These duplicate fields inside Data so subscription
	// filters can match without digging through the rendered payload.
	AppendType string   `json:"-"`
	Author     string   `json:"-"`
	Labels     []string `json:"-"`
}

// NewEvent builds an event with a fresh identifier.
func NewEvent(event, workspaceID, path string, occurredAt time.Time, data map[string]any) (Event, error) {
	id, err := capability.NewEventID()
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          id,
		Event:       event,
		WorkspaceID: workspaceID,
		Path:        path,
		OccurredAt:  occurredAt.UTC(),
		Data:        data,
	}, nil
}

// MatchesFilters reports whether the event passes a subscription's filters.
// A nil filter set matches everything; within a populated field any listed
// value matches, and for labels any overlap counts.
func (e *Event) MatchesFilters(f *models.WebhookFilters) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !contains(f.Types, e.AppendType) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, e.Author) {
		return false
	}
	if len(f.Labels) > 0 && !overlaps(f.Labels, e.Labels) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func overlaps(want, have []string) bool {
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}
