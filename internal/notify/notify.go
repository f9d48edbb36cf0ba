// ABOUTME: Out-of-band notification of visitors who were offline when an agent replied
// ABOUTME: Defines the Dispatcher contract, preview truncation, and the email body renderer

package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
)

// PreviewLimit is the number of characters of a reply included in a notice.
const PreviewLimit = 500

// ErrNotConfigured is returned by dispatchers that lack credentials.
var ErrNotConfigured = errors.New("notifications not configured")

// Notice is a single "you have a new reply" notification.
type Notice struct {
	To             string
	VisitorName    string
	AgentName      string
	OrgName        string
	ConversationID string
	Preview        string
}

// Dispatcher delivers a Notice out of band.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notice) error
}

// Preview returns content truncated to PreviewLimit characters with "..."
// appended when it was cut.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewLimit]) + "..."
}

// Subject is the notice's email subject line.
func (n Notice) Subject() string {
	return fmt.Sprintf("New reply from %s", n.OrgName)
}

// Text renders the plain-text body.
func (n Notice) Text() string {
	return fmt.Sprintf("New message from %s at %s:\n\n%s\n\nVisit our website to continue the conversation.",
		n.AgentName, n.OrgName, n.Preview)
}

// HTML renders the HTML body. The preview is treated as markdown; raw HTML
// in it is not passed through.
func (n Notice) HTML() (string, error) {
	var preview bytes.Buffer
	if err := goldmark.Convert([]byte(n.Preview), &preview); err != nil {
		return "", fmt.Errorf("rendering preview: %w", err)
	}

	var b strings.Builder
	b.WriteString(`<div style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">`)
	b.WriteString(`<h2 style="color: #1a1a1a;">You have a new message</h2>`)
	fmt.Fprintf(&b, `<p><strong>%s</strong> from %s replied to your conversation:</p>`,
		html.EscapeString(n.AgentName), html.EscapeString(n.OrgName))
	b.WriteString(`<div style="background-color: #f5f5f5; border-left: 4px solid #3b82f6; padding: 16px; margin: 20px 0;">`)
	b.Write(preview.Bytes())
	b.WriteString(`</div>`)
	b.WriteString(`<p style="color: #6b7280; font-size: 14px;">Click the widget on our website to continue the conversation.</p>`)
	b.WriteString(`</div>`)
	return b.String(), nil
}

// NoopDispatcher logs notices instead of sending them.
type NoopDispatcher struct {
	Logger *slog.Logger
}

// Dispatch implements Dispatcher.
func (d NoopDispatcher) Dispatch(ctx context.Context, n Notice) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification skipped, no provider configured",
		"conversation_id", n.ConversationID,
		"org", n.OrgName)
	return nil
}
