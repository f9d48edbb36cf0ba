// ABOUTME: Resend email API dispatcher
// ABOUTME: Posts rendered notices to the Resend HTTP endpoint with bearer authentication

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultResendEndpoint is the Resend send-email URL.
const DefaultResendEndpoint = "https://api.resend.com/emails"

// maxResponseBody caps how much of an error response is read.
const maxResponseBody = 64 << 10

// ResendOptions configures a ResendDispatcher.
type ResendOptions struct {
	APIKey   string
	From     string
	Endpoint string // defaults to DefaultResendEndpoint

	// HTTPClient is used for all requests. If nil, a client with a 10s timeout is used.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ResendDispatcher sends notices as email through Resend.
type ResendDispatcher struct {
	apiKey     string
	from       string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text"`
}

type resendResponse struct {
	ID string `json:"id"`
}

// NewResendDispatcher creates a ResendDispatcher.
func NewResendDispatcher(opts ResendOptions) (*ResendDispatcher, error) {
	if opts.APIKey == "" || opts.From == "" {
		return nil, ErrNotConfigured
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultResendEndpoint
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ResendDispatcher{
		apiKey:     opts.APIKey,
		from:       opts.From,
		endpoint:   endpoint,
		httpClient: client,
		logger:     logger.With("component", "notify"),
	}, nil
}

// Dispatch implements Dispatcher.
func (d *ResendDispatcher) Dispatch(ctx context.Context, n Notice) error {
	if n.To == "" {
		return fmt.Errorf("notice has no recipient")
	}

	htmlBody, err := n.HTML()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(resendRequest{
		From:    fmt.Sprintf("%s <%s>", n.OrgName, d.from),
		To:      []string{n.To},
		Subject: n.Subject(),
		HTML:    htmlBody,
		Text:    n.Text(),
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resend returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out resendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		d.logger.Warn("unparseable resend response", "error", err)
	}
	d.logger.Info("notification sent",
		"conversation_id", n.ConversationID,
		"email_id", out.ID)
	return nil
}
