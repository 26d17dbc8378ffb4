package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SendGridConfig configures SendGridSender.
type SendGridConfig struct {
	APIKey           string
	BaseURL          string
	From             string
	OperationTimeout time.Duration
	HTTPClient       *http.Client
}

// SendGridSender delivers mail through the SendGrid v3 API.
type SendGridSender struct {
	cfg    SendGridConfig
	client *http.Client
}

// NewSendGridSender creates a SendGridSender.
func NewSendGridSender(cfg SendGridConfig) (*SendGridSender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sendgrid api key is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	return &SendGridSender{cfg: cfg, client: httpClient(cfg.HTTPClient, cfg.OperationTimeout)}, nil
}

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []struct {
		To []sendGridAddress `json:"to"`
	} `json:"personalizations"`
	From    sendGridAddress   `json:"from"`
	Subject string            `json:"subject"`
	Content []sendGridContent `json:"content"`
}

func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	msg, err := msg.prepare(s.cfg.From)
	if err != nil {
		return err
	}

	var body sendGridRequest
	body.Personalizations = make([]struct {
		To []sendGridAddress `json:"to"`
	}, 1)
	for _, addr := range msg.To {
		body.Personalizations[0].To = append(body.Personalizations[0].To, sendGridAddress{Email: addr})
	}
	body.From = sendGridAddress{Email: msg.From}
	body.Subject = msg.Subject
	if strings.TrimSpace(msg.TextBody) != "" {
		body.Content = append(body.Content, sendGridContent{Type: "text/plain", Value: msg.TextBody})
	}
	if strings.TrimSpace(msg.HTMLBody) != "" {
		body.Content = append(body.Content, sendGridContent{Type: "text/html", Value: msg.HTMLBody})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/v3/mail/send", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send failed with status %d", resp.StatusCode)
	}
	return nil
}

func (s *SendGridSender) Close() error { return nil }
