// Package maildir provides Maildir format email storage.
package maildir

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
)

// maxHeaderBytes bounds how much of a message is treated as header block
const maxHeaderBytes = 64 * 1024

// ParsedMessage holds the headers and body of a stored message
type ParsedMessage struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Cc        []string
	Date      string
	Body      string
}

// ParseMessage reads a stored message for display.
// Messages whose header block cannot be parsed come back with the raw bytes as body.
func ParseMessage(r io.Reader) (*ParsedMessage, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	headerEnd := headerBlockEnd(raw)
	if headerEnd < 0 || headerEnd > maxHeaderBytes {
		return &ParsedMessage{Body: string(raw)}, nil
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return &ParsedMessage{Body: string(raw)}, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	parsed := &ParsedMessage{
		MessageID: cleanHeader(msg.Header.Get("Message-ID")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		From:      decodeHeader(msg.Header.Get("From")),
		Date:      msg.Header.Get("Date"),
		Body:      string(body),
	}

	if toHeader := msg.Header.Get("To"); toHeader != "" {
		parsed.To = parseAddressList(toHeader)
	}
	if ccHeader := msg.Header.Get("Cc"); ccHeader != "" {
		parsed.Cc = parseAddressList(ccHeader)
	}

	return parsed, nil
}

// headerBlockEnd returns the offset of the blank line ending the headers, or -1
func headerBlockEnd(raw []byte) int {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return i
	}
	return bytes.Index(raw, []byte("\n\n"))
}

// parseAddressList parses a comma-separated list of email addresses
func parseAddressList(header string) []string {
	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		return []string{header}
	}

	result := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		result = append(result, addr.Address)
	}
	return result
}

// decodeHeader decodes RFC 2047 encoded words (e.g., =?UTF-8?B?...?=)
func decodeHeader(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}

	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func cleanHeader(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	return strings.TrimSuffix(s, ">")
}
