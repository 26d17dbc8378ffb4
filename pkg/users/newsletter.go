package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/places/pkg/email"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/tasks"
)

// NewsletterHandler handles TaskNewsletter by sending the welcome mail
// through sender. A send failure is returned so the worker retries it.
func NewsletterHandler(log logger.Logger, sender email.Sender, subject string) tasks.Handler {
	return func(ctx context.Context, task *tasks.Task) error {
		var p NewsletterPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		if p.Email == "" {
			return fmt.Errorf("%s: email is required", TaskNewsletter)
		}
		if err := sender.Send(ctx, welcomeMessage(p, subject)); err != nil {
			return fmt.Errorf("%s: %w", TaskNewsletter, err)
		}
		log.WithContext(ctx).Info("user subscribed to newsletter", "user_id", p.UserID, "attempt", task.Attempt+1)
		return nil
	}
}

func welcomeMessage(p NewsletterPayload, subject string) email.Message {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "there"
	}
	return email.Message{
		To:       []string{p.Email},
		Subject:  subject,
		TextBody: fmt.Sprintf("Hi %s,\n\nthanks for joining Places. You are now subscribed to our newsletter.\n", name),
	}
}
