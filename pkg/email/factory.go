package email

import (
	"context"
	"fmt"

	"github.com/nimburion/places/pkg/config"
	"github.com/nimburion/places/pkg/observability/logger"
)

// NewSender builds the sender named by cfg.Provider.
func NewSender(cfg config.NewsletterConfig, log logger.Logger) (Sender, error) {
	switch cfg.Provider {
	case "", config.NewsletterProviderLog:
		return NewLogSender(log), nil
	case config.NewsletterProviderSMTP:
		return nonNil(NewSMTPSender(SMTPConfig{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			From:      cfg.From,
			EnableTLS: cfg.SMTP.EnableTLS,
		}))
	case config.NewsletterProviderSES:
		return nonNil(NewSESSender(SESConfig{
			Region:           cfg.SES.Region,
			Endpoint:         cfg.SES.Endpoint,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			From:             cfg.From,
			OperationTimeout: cfg.OperationTimeout,
		}))
	case config.NewsletterProviderSendGrid:
		return nonNil(NewSendGridSender(SendGridConfig{
			APIKey:           cfg.SendGrid.APIKey,
			BaseURL:          cfg.SendGrid.BaseURL,
			From:             cfg.From,
			OperationTimeout: cfg.OperationTimeout,
		}))
	default:
		return nil, fmt.Errorf("unsupported newsletter provider %q (supported: log, smtp, ses, sendgrid)", cfg.Provider)
	}
}

// nonNil keeps a failed constructor from returning a typed nil Sender.
func nonNil[S Sender](s S, err error) (Sender, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LogSender records messages instead of delivering them.
type LogSender struct {
	log logger.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log logger.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	msg, err := msg.prepare("log@localhost")
	if err != nil {
		return err
	}
	s.log.WithContext(ctx).Info("email not delivered, log provider", "to", msg.To, "subject", msg.Subject)
	return nil
}

func (s *LogSender) Close() error { return nil }
