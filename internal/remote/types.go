package remote

import (
	"encoding/json"
	"fmt"
)

// ListEntry is one message in a folder listing
type ListEntry struct {
	ID               string   `json:"-"`
	ChangeKey        string   `json:"changekey"`
	Subject          string   `json:"subject"`
	From             string   `json:"from"`
	To               []string `json:"to"`
	Cc               []string `json:"cc"`
	DatetimeReceived string   `json:"datetime_received"`
	IsRead           bool     `json:"is_read"`
	HasAttachments   bool     `json:"has_attachments"`
}

// UnmarshalJSON accepts the identifier under either "item_id" or "id" and
// tolerates nulls in the optional string fields.
func (e *ListEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ItemID           *string  `json:"item_id"`
		ID               *string  `json:"id"`
		ChangeKey        *string  `json:"changekey"`
		Subject          *string  `json:"subject"`
		From             *string  `json:"from"`
		To               []string `json:"to"`
		Cc               []string `json:"cc"`
		DatetimeReceived *string  `json:"datetime_received"`
		IsRead           *bool    `json:"is_read"`
		HasAttachments   *bool    `json:"has_attachments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = ListEntry{
		ID:               deref(raw.ItemID),
		ChangeKey:        deref(raw.ChangeKey),
		Subject:          deref(raw.Subject),
		From:             deref(raw.From),
		To:               raw.To,
		Cc:               raw.Cc,
		DatetimeReceived: deref(raw.DatetimeReceived),
		IsRead:           raw.IsRead != nil && *raw.IsRead,
		HasAttachments:   raw.HasAttachments != nil && *raw.HasAttachments,
	}
	if e.ID == "" {
		e.ID = deref(raw.ID)
	}
	return nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// Message is a full message including its body
type Message struct {
	ListEntry
	Body     string `json:"body"`
	BodyType string `json:"body_type"`
}

// UnmarshalJSON decodes the listing fields plus body and body_type
func (m *Message) UnmarshalJSON(data []byte) error {
	if err := m.ListEntry.UnmarshalJSON(data); err != nil {
		return err
	}
	var raw struct {
		Body     *string `json:"body"`
		BodyType *string `json:"body_type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Body = deref(raw.Body)
	m.BodyType = deref(raw.BodyType)
	return nil
}

// SendRequest is the payload of a send call
type SendRequest struct {
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	HTML       bool     `json:"html"`
	ScheduleAt string   `json:"schedule_at,omitempty"`
}

// ServiceError is a non-success response from the remote service
type ServiceError struct {
	StatusCode int
	Detail     string
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("service error: %s", e.Detail)
	}
	return fmt.Sprintf("service error (%d): %s", e.StatusCode, e.Detail)
}
