package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Append types. The set is closed: unknown types are rejected at the API
// boundary so the task reducer never meets an entry it cannot interpret.
const (
	AppendComment  = "comment"
	AppendTask     = "task"
	AppendClaim    = "claim"
	AppendResponse = "response"
	AppendCancel   = "cancel"
	AppendRenew    = "renew"
	AppendStatus   = "status"
	AppendQuestion = "question"
	AppendAnswer   = "answer"
	AppendDecision = "decision"
	AppendBlock    = "block"
)

// AppendTypes lists every valid append type.
var AppendTypes = []string{
	AppendComment,
	AppendTask,
	AppendClaim,
	AppendResponse,
	AppendCancel,
	AppendRenew,
	AppendStatus,
	AppendQuestion,
	AppendAnswer,
	AppendDecision,
	AppendBlock,
}

var appendTypeSet = func() map[string]bool {
	m := make(map[string]bool, len(AppendTypes))
	for _, t := range AppendTypes {
		m[t] = true
	}
	return m
}()

// ValidAppendType reports whether t is a known append type.
func ValidAppendType(t string) bool {
	return appendTypeSet[t]
}

// authorPattern bounds authors to a printable identifier: it must start with
// a letter or digit and may continue with dots, dashes, underscores, @ and +.
var authorPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+-]{0,63}$`)

// reservedAuthors are names the server keeps for its own records.
var reservedAuthors = map[string]bool{
	"system": true,
}

// ValidAuthor reports whether author is usable on an append.
func ValidAuthor(author string) bool {
	return authorPattern.MatchString(author) && !reservedAuthors[strings.ToLower(author)]
}

// Append is one immutable entry in a file's append log. Rows are never
// updated or deleted while the file lives; task state is derived by reducing
// the log in Seq order.
type Append struct {
	ID     string `gorm:"primaryKey;size:36" json:"-"`
	FileID string `gorm:"not null;size:36;index;uniqueIndex:idx_appends_file_seq" json:"-"`

	// Seq is the per-file sequence number. The wire ID is "a<Seq>".
	Seq int64 `gorm:"not null;uniqueIndex:idx_appends_file_seq" json:"-"`

	Type     string `gorm:"not null;size:32;index" json:"type"`
	Author   string `gorm:"not null;size:255;index" json:"author"`
	Text     string `gorm:"type:text" json:"text"`
	Ref      string `gorm:"size:32" json:"ref,omitempty"`
	Priority *int   `json:"priority,omitempty"`
	Labels   string `gorm:"type:text" json:"-"`

	// ExpiresAt is set on claim and renew appends: the moment the claim
	// lapses unless renewed.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`

	// Parsed labels (not stored in DB)
	ParsedLabels []string `gorm:"-" json:"labels,omitempty"`
}

// TableName returns the table name for Append.
func (Append) TableName() string {
	return "appends"
}

// AppendID renders the wire form of the sequence number.
func (a *Append) AppendID() string {
	return FormatAppendID(a.Seq)
}

// FormatAppendID renders a sequence number as a wire append ID.
func FormatAppendID(seq int64) string {
	return fmt.Sprintf("a%d", seq)
}

// ParseAppendID parses a wire append ID ("a<seq>") into its sequence number.
func ParseAppendID(id string) (int64, bool) {
	if len(id) < 2 || id[0] != 'a' {
		return 0, false
	}
	var seq int64
	for i := 1; i < len(id); i++ {
		c := id[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		seq = seq*10 + int64(c-'0')
		if seq < 0 {
			return 0, false
		}
	}
	if id[1] == '0' {
		// No leading zeros, and a0 is never issued.
		return 0, false
	}
	return seq, true
}

// GetLabels returns the parsed labels; nil when none were set.
func (a *Append) GetLabels() ([]string, error) {
	if a.ParsedLabels != nil {
		return a.ParsedLabels, nil
	}
	if a.Labels == "" {
		return nil, nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(a.Labels), &labels); err != nil {
		return nil, err
	}
	a.ParsedLabels = labels
	return labels, nil
}

// SetLabels stores labels as the JSON column value.
func (a *Append) SetLabels(labels []string) error {
	if len(labels) == 0 {
		a.Labels = ""
		a.ParsedLabels = nil
		return nil
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	a.Labels = string(data)
	a.ParsedLabels = labels
	return nil
}
