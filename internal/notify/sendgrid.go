package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/models"
)

const defaultSendGridBaseURL = "https://api.sendgrid.com"

// SendGridNotifier emails job owners when a job finishes. An empty API key
// disables it; callers check Enabled before sending.
type SendGridNotifier struct {
	apiKey      string
	baseURL     string
	fromEmail   string
	fromName    string
	frontendURL string
	maxRetries  int
	httpClient  *http.Client
	logger      arbor.ILogger
}

// NewSendGridNotifier creates the notifier from config
func NewSendGridNotifier(cfg *common.EmailConfig, frontend *common.FrontendConfig, logger arbor.ILogger) *SendGridNotifier {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultSendGridBaseURL
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	frontendURL := ""
	if frontend != nil {
		frontendURL = strings.TrimRight(frontend.BaseURL, "/")
	}

	return &SendGridNotifier{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		baseURL:     baseURL,
		fromEmail:   cfg.FromEmail,
		fromName:    cfg.FromName,
		frontendURL: frontendURL,
		maxRetries:  maxRetries,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// Enabled implements interfaces.Notifier
func (n *SendGridNotifier) Enabled() bool {
	return n.apiKey != ""
}

// SendCompletion implements interfaces.Notifier
func (n *SendGridNotifier) SendCompletion(ctx context.Context, job *models.Job) error {
	subject := fmt.Sprintf("Your research report is ready: %s", job.Payload.Query)

	var body strings.Builder
	fmt.Fprintf(&body, "Your research report for %q has finished.\n\n", job.Payload.Query)
	if link := n.jobLink(job); link != "" {
		fmt.Fprintf(&body, "View the report: %s\n\n", link)
	}
	fmt.Fprintf(&body, "Job ID: %s\n", job.ID)

	return n.send(ctx, job.Payload.NotificationEmail, subject, body.String())
}

// SendFailure implements interfaces.Notifier
func (n *SendGridNotifier) SendFailure(ctx context.Context, job *models.Job) error {
	subject := fmt.Sprintf("Your research report failed: %s", job.Payload.Query)

	var body strings.Builder
	fmt.Fprintf(&body, "Your research report for %q could not be completed.\n\n", job.Payload.Query)
	if job.Error != "" {
		fmt.Fprintf(&body, "Reason: %s\n\n", job.Error)
	}
	if link := n.jobLink(job); link != "" {
		fmt.Fprintf(&body, "Job details: %s\n\n", link)
	}
	fmt.Fprintf(&body, "Job ID: %s\n", job.ID)

	return n.send(ctx, job.Payload.NotificationEmail, subject, body.String())
}

func (n *SendGridNotifier) jobLink(job *models.Job) string {
	if n.frontendURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/jobs/%s", n.frontendURL, job.ID)
}

// SendGrid v3 mail send wire types
type emailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To []emailAddress `json:"to"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             emailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
}

func (n *SendGridNotifier) send(ctx context.Context, to, subject, body string) error {
	if !n.Enabled() {
		return fmt.Errorf("email notifications are not configured")
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("no recipient address on job")
	}

	wire := mailSendRequest{
		Personalizations: []personalization{{To: []emailAddress{{Email: to}}}},
		From:             emailAddress{Email: n.fromEmail, Name: n.fromName},
		Subject:          subject,
		Content:          []mailContent{{Type: "text/plain", Value: body}},
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("failed to encode mail request: %w", err)
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = n.sendOnce(ctx, payload)
		if lastErr == nil {
			n.logger.Info().Str("to", to).Str("subject", subject).Msg("Notification email sent")
			return nil
		}

		n.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_retries", n.maxRetries).
			Msg("SendGrid request failed")

		if attempt < n.maxRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return lastErr
}

func (n *SendGridNotifier) sendOnce(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v3/mail/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
