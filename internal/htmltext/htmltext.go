// Package htmltext converts HTML mail bodies to a plain-text rendering. It is
// used when an incoming message carries only an HTML part, and when composing
// the text alternative of an outgoing HTML message.
package htmltext

import (
	"fmt"
	"strings"

	"github.com/jaytaylor/html2text"
)

// FromHTML renders html as plain text. Empty input yields empty output.
func FromHTML(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	text, err := html2text.FromString(html, html2text.Options{TextOnly: false})
	if err != nil {
		return "", fmt.Errorf("failed to convert HTML to text: %w", err)
	}

	return strings.TrimSpace(text), nil
}
