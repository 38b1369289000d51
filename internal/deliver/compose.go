package deliver

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"github.com/vdavid/mailsync/internal/fault"
	"github.com/vdavid/mailsync/internal/models"
)

// generateMessageID builds a protocol Message-ID from a random token and the
// sender's domain, e.g. <550e8400-...@example.com>.
func generateMessageID(fromEmail string) string {
	domain := fromEmail
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New(), domain)
}

// composeMessage assembles the wire bytes for an outgoing message. Plain and
// HTML bodies become a multipart/alternative pair when both are present;
// otherwise the single body is sent alone. Reply headers are carried through
// so recipients' clients thread the conversation.
func composeMessage(message *models.Message) ([]byte, error) {
	builder := enmime.Builder().
		From(message.FromName, message.FromEmail).
		ToAddrs(toAddresses(message.ToEmails)).
		CCAddrs(toAddresses(message.CCEmails)).
		Subject(message.Subject).
		Date(time.Now()).
		Header("Message-Id", message.MessageID)

	if message.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", message.InReplyTo)
	}
	if len(message.References) > 0 {
		builder = builder.Header("References", strings.Join(message.References, " "))
	}

	if message.BodyText != "" {
		builder = builder.Text([]byte(message.BodyText))
	}
	if message.BodyHTML != "" {
		builder = builder.HTML([]byte(message.BodyHTML))
	}

	part, err := builder.Build()
	if err != nil {
		return nil, fault.New(fault.KindParse, "compose message", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fault.New(fault.KindParse, "compose message", err)
	}
	return buf.Bytes(), nil
}

func toAddresses(emails []string) []mail.Address {
	addrs := make([]mail.Address, 0, len(emails))
	for _, email := range emails {
		addrs = append(addrs, mail.Address{Address: email})
	}
	return addrs
}
