package email

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// SESConfig configures SESSender.
type SESConfig struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	From             string
	OperationTimeout time.Duration
	HTTPClient       *http.Client
}

// SESSender delivers mail through the SES v2 HTTPS API, signing requests
// with SigV4.
type SESSender struct {
	cfg         SESConfig
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	client      *http.Client
}

// NewSESSender resolves credentials from cfg or the default AWS chain.
func NewSESSender(cfg SESConfig) (*SESSender, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("ses region is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESSender{
		cfg:         cfg,
		credentials: awsCfg.Credentials,
		signer:      v4.NewSigner(),
		client:      httpClient(cfg.HTTPClient, cfg.OperationTimeout),
	}, nil
}

type sesContent struct {
	Data string `json:"Data"`
}

type sesRequest struct {
	FromEmailAddress string `json:"FromEmailAddress"`
	Destination      struct {
		ToAddresses []string `json:"ToAddresses"`
	} `json:"Destination"`
	Content struct {
		Simple struct {
			Subject sesContent `json:"Subject"`
			Body    struct {
				Text *sesContent `json:"Text,omitempty"`
				HTML *sesContent `json:"Html,omitempty"`
			} `json:"Body"`
		} `json:"Simple"`
	} `json:"Content"`
}

func (s *SESSender) Send(ctx context.Context, msg Message) error {
	msg, err := msg.prepare(s.cfg.From)
	if err != nil {
		return err
	}

	var body sesRequest
	body.FromEmailAddress = msg.From
	body.Destination.ToAddresses = msg.To
	body.Content.Simple.Subject = sesContent{Data: msg.Subject}
	if strings.TrimSpace(msg.TextBody) != "" {
		body.Content.Simple.Body.Text = &sesContent{Data: msg.TextBody}
	}
	if strings.TrimSpace(msg.HTMLBody) != "" {
		body.Content.Simple.Body.HTML = &sesContent{Data: msg.HTMLBody}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	endpoint := strings.TrimSpace(s.cfg.Endpoint)
	if endpoint == "" {
		endpoint = "https://email." + s.cfg.Region + ".amazonaws.com"
	}
	ctx, cancel := withTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(endpoint, "/")+"/v2/email/outbound-emails", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	sum := sha256.Sum256(raw)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds, err := s.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("ses credentials: %w", err)
	}
	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, "ses", s.cfg.Region, time.Now().UTC()); err != nil {
		return fmt.Errorf("ses sign: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ses send failed with status %d", resp.StatusCode)
	}
	return nil
}

func (s *SESSender) Close() error { return nil }
