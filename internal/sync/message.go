package sync

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/fenilsonani/mailpull/internal/remote"
)

const (
	defaultFrom    = "unknown"
	defaultSubject = "(no subject)"
)

// receivedLayouts are the timestamp shapes the service is known to emit
var receivedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
}

// parseReceived parses a listing's datetime_received value
func parseReceived(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range receivedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// buildMessage assembles the stored form of a synced message: sender,
// subject and date from the listing, body from the fetched message.
func buildMessage(entry remote.ListEntry, full *remote.Message) ([]byte, error) {
	from := entry.From
	if from == "" {
		from = defaultFrom
	}
	subject := entry.Subject
	if subject == "" {
		subject = defaultSubject
	}

	var h mail.Header
	h.SetText("From", from)
	h.SetSubject(subject)
	if t, ok := parseReceived(entry.DatetimeReceived); ok {
		h.SetDate(t)
	} else if entry.DatetimeReceived != "" {
		h.Set("Date", entry.DatetimeReceived)
	}

	body := ""
	mediaType := "text/plain"
	if full != nil {
		body = full.Body
		if strings.EqualFold(full.BodyType, "html") {
			mediaType = "text/html"
		}
	}
	h.Set("Mime-Version", "1.0")
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "8bit")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}
