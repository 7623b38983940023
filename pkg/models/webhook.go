package models

import (
	"encoding/json"
	"time"
)

// Webhook event types. "append" is the firehose alias that matches every
// append-derived event.
const (
	EventAppend        = "append"
	EventAppendCreated = "append.created"
	EventTaskCreated   = "task.created"
	EventTaskClaimed   = "task.claimed"
	EventTaskCompleted = "task.completed"
	EventTaskCancelled = "task.cancelled"
	EventTaskBlocked   = "task.blocked"
	EventFileCreated   = "file.created"
	EventFileUpdated   = "file.updated"
	EventFileDeleted   = "file.deleted"
)

// WebhookEvents lists every valid event type.
var WebhookEvents = []string{
	EventAppend,
	EventAppendCreated,
	EventTaskCreated,
	EventTaskClaimed,
	EventTaskCompleted,
	EventTaskCancelled,
	EventTaskBlocked,
	EventFileCreated,
	EventFileUpdated,
	EventFileDeleted,
}

var webhookEventSet = func() map[string]bool {
	m := make(map[string]bool, len(WebhookEvents))
	for _, e := range WebhookEvents {
		m[e] = true
	}
	return m
}()

// ValidWebhookEvent reports whether e is a known event type.
func ValidWebhookEvent(e string) bool {
	return webhookEventSet[e]
}

// WebhookFilters narrows which append events a subscription receives.
type WebhookFilters struct {
	Types   []string `json:"types,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

// Webhook is a subscription to workspace events. The signing secret is stored
// as written: the dispatcher needs it to sign every delivery, so unlike
// capability keys it cannot be reduced to a hash.
type Webhook struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID string `gorm:"not null;size:36;index" json:"workspaceId"`
	URL         string `gorm:"not null;size:2048" json:"url"`
	Events      string `gorm:"not null;type:text" json:"-"`
	Folder      string `gorm:"size:1024" json:"folder,omitempty"`
	Recursive   bool   `gorm:"default:true" json:"recursive"`
	IncludeURLs bool   `gorm:"default:false" json:"includeUrls"`
	Filters     string `gorm:"type:text" json:"-"`
	Secret      string `gorm:"not null;size:64" json:"-"`
	Disabled    bool   `gorm:"default:false" json:"disabled"`

	// ConsecutiveFailures drives the disable circuit: enough failures in a
	// row and the dispatcher flips Disabled.
	ConsecutiveFailures int `gorm:"default:0" json:"-"`

	LastDeliveryAt *time.Time `json:"lastDeliveryAt,omitempty"`
	LastStatus     int        `gorm:"default:0" json:"lastStatus,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	// Parsed columns (not stored in DB)
	ParsedEvents  []string        `gorm:"-" json:"events,omitempty"`
	ParsedFilters *WebhookFilters `gorm:"-" json:"filters,omitempty"`
}

// TableName returns the table name for Webhook.
func (Webhook) TableName() string {
	return "webhooks"
}

// GetEvents returns the parsed subscribed event list.
func (h *Webhook) GetEvents() ([]string, error) {
	if h.ParsedEvents != nil {
		return h.ParsedEvents, nil
	}
	if h.Events == "" {
		return nil, nil
	}
	var events []string
	if err := json.Unmarshal([]byte(h.Events), &events); err != nil {
		return nil, err
	}
	h.ParsedEvents = events
	return events, nil
}

// SetEvents stores the subscribed events as the JSON column value.
func (h *Webhook) SetEvents(events []string) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	h.Events = string(data)
	h.ParsedEvents = events
	return nil
}

// GetFilters returns the parsed filters; nil means no filtering.
func (h *Webhook) GetFilters() (*WebhookFilters, error) {
	if h.ParsedFilters != nil {
		return h.ParsedFilters, nil
	}
	if h.Filters == "" {
		return nil, nil
	}
	var f WebhookFilters
	if err := json.Unmarshal([]byte(h.Filters), &f); err != nil {
		return nil, err
	}
	h.ParsedFilters = &f
	return &f, nil
}

// SetFilters stores filters as the JSON column value.
func (h *Webhook) SetFilters(f *WebhookFilters) error {
	if f == nil {
		h.Filters = ""
		h.ParsedFilters = nil
		return nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	h.Filters = string(data)
	h.ParsedFilters = f
	return nil
}

// MaskedSecret returns the display form of the secret: prefix and last four.
func (h *Webhook) MaskedSecret() string {
	if len(h.Secret) <= 10 {
		return "whsec_..."
	}
	return "whsec_..." + h.Secret[len(h.Secret)-4:]
}

// SubscribedTo reports whether the webhook wants the given event, honoring
// the "append" firehose alias for append-derived events.
func (h *Webhook) SubscribedTo(event string) bool {
	events, err := h.GetEvents()
	if err != nil {
		return false
	}
	for _, e := range events {
		if e == event {
			return true
		}
		if e == EventAppend && isAppendDerived(event) {
			return true
		}
	}
	return false
}

func isAppendDerived(event string) bool {
	switch event {
	case EventAppendCreated, EventTaskCreated, EventTaskClaimed,
		EventTaskCompleted, EventTaskCancelled, EventTaskBlocked:
		return true
	}
	return false
}
