package sync

import (
	"bytes"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/vdavid/mailsync/internal/fault"
	"github.com/vdavid/mailsync/internal/htmltext"
	"github.com/vdavid/mailsync/internal/models"
)

// messageIDPattern matches one angle-bracketed Message-ID token inside a
// References header.
var messageIDPattern = regexp.MustCompile(`<[^>]+>`)

// parseMessage converts raw RFC 822 bytes into a Message ready for thread
// resolution and persistence. MIME decoding (multipart walk, charset
// handling, RFC 2047 headers) is delegated to enmime.
func parseMessage(raw []byte) (*models.Message, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fault.New(fault.KindParse, "parse message", err)
	}

	fromName, fromEmail := parseAddress(envelope.GetHeader("From"))
	date := parseDate(envelope.GetHeader("Date"))

	message := &models.Message{
		Direction:  models.DirectionIncoming,
		Status:     models.StatusReceived,
		MessageID:  strings.TrimSpace(envelope.GetHeader("Message-Id")),
		InReplyTo:  strings.TrimSpace(envelope.GetHeader("In-Reply-To")),
		References: parseReferences(envelope.GetHeader("References")),
		FromEmail:  fromEmail,
		FromName:   fromName,
		ToEmails:   parseAddressList(envelope.GetHeader("To")),
		CCEmails:   parseAddressList(envelope.GetHeader("Cc")),
		Subject:    envelope.GetHeader("Subject"),
		BodyText:   envelope.Text,
		BodyHTML:   envelope.HTML,
		Headers:    collectHeaders(envelope),
		RawMessage: string(raw),
		SentAt:     &date,
	}

	// HTML-only messages get a derived text rendering so downstream
	// consumers always have a plain body to work with.
	if message.BodyText == "" && message.BodyHTML != "" {
		text, err := htmltext.FromHTML(message.BodyHTML)
		if err == nil {
			message.BodyText = text
		}
	}

	return message, nil
}

// parseAddress splits a From-style header into display name and address.
func parseAddress(header string) (name, email string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}

	addr, err := mail.ParseAddress(header)
	if err != nil {
		// Not RFC 5322 clean; treat the whole header as a bare address.
		return "", header
	}
	return addr.Name, addr.Address
}

// parseAddressList extracts the addresses from a recipient header.
func parseAddressList(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		// Fall back to comma splitting for loosely formatted headers.
		var result []string
		for _, part := range strings.Split(header, ",") {
			if _, email := parseAddress(part); email != "" {
				result = append(result, email)
			}
		}
		return result
	}

	result := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		result = append(result, addr.Address)
	}
	return result
}

// parseReferences extracts the angle-bracketed Message-ID tokens of a
// References header, oldest first, as the sender wrote them.
func parseReferences(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	return messageIDPattern.FindAllString(header, -1)
}

// parseDate parses the Date header, defaulting to now when absent or
// malformed so ingestion never stalls on a bad clock line.
func parseDate(header string) time.Time {
	if header != "" {
		if date, err := mail.ParseDate(header); err == nil {
			return date
		}
	}
	return time.Now().UTC()
}

// collectHeaders snapshots the root headers as a flat map, first value wins.
func collectHeaders(envelope *enmime.Envelope) map[string]string {
	if envelope.Root == nil {
		return nil
	}

	headers := make(map[string]string, len(envelope.Root.Header))
	for key := range envelope.Root.Header {
		headers[key] = envelope.GetHeader(key)
	}
	return headers
}
