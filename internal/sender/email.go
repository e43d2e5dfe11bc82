package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lumora/leadgate/internal/config"
	"github.com/lumora/leadgate/internal/pkg/httpretry"
)

// EmailClient sends transactional email through the provider's template API.
// Bodies live with the provider and are addressed by template name; we only
// ship the recipient and substitution variables.
type EmailClient struct {
	baseURL    string
	apiKey     string
	fromName   string
	fromEmail  string
	httpClient httpretry.HTTPDoer
}

// NewEmailClient creates an email API client
func NewEmailClient(cfg config.EmailConfig) *EmailClient {
	return &EmailClient{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		fromName:  cfg.FromName,
		fromEmail: cfg.FromEmail,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

type emailRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type emailRequest struct {
	From          emailRecipient         `json:"from"`
	To            []emailRecipient       `json:"to"`
	TemplateID    string                 `json:"template_id"`
	Substitutions map[string]interface{} `json:"substitutions,omitempty"`
}

// Send dispatches one templated message to one recipient.
func (c *EmailClient) Send(ctx context.Context, to, template string, vars map[string]interface{}) error {
	payload := emailRequest{
		From:          emailRecipient{Email: c.fromEmail, Name: c.fromName},
		To:            []emailRecipient{{Email: to}},
		TemplateID:    template,
		Substitutions: vars,
	}
	if name, ok := vars["first_name"].(string); ok {
		payload.To[0].Name = name
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/email/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return nil
}
