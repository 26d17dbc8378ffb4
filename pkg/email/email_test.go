package email

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/places/pkg/config"
	"github.com/nimburion/places/pkg/observability/logger"
)

func welcome() Message {
	return Message{
		To:       []string{" ada@example.com ", "ADA@example.com", ""},
		Subject:  "Welcome",
		TextBody: "hello",
	}
}

func TestMessagePrepare(t *testing.T) {
	msg, err := welcome().prepare("news@example.com")
	require.NoError(t, err)
	assert.Equal(t, "news@example.com", msg.From)
	assert.Equal(t, []string{"ada@example.com"}, msg.To)

	_, err = Message{To: []string{"a@b.c"}, TextBody: "x"}.prepare("news@example.com")
	assert.ErrorContains(t, err, "subject")
	_, err = Message{Subject: "s", TextBody: "x"}.prepare("news@example.com")
	assert.ErrorContains(t, err, "recipient")
	_, err = Message{To: []string{"a@b.c"}, Subject: "s"}.prepare("news@example.com")
	assert.ErrorContains(t, err, "body")
	_, err = welcome().prepare("")
	assert.ErrorContains(t, err, "sender")
}

func TestNewSender(t *testing.T) {
	log := logger.NewNop()
	cfg := config.DefaultConfig().Newsletter

	s, err := NewSender(cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)
	require.NoError(t, s.Send(context.Background(), welcome()))

	cfg.Provider = config.NewsletterProviderSMTP
	_, err = NewSender(cfg, log)
	assert.ErrorContains(t, err, "smtp host")

	cfg.Provider = config.NewsletterProviderSendGrid
	cfg.SendGrid.APIKey = "key"
	s, err = NewSender(cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &SendGridSender{}, s)

	cfg.Provider = "pigeon"
	_, err = NewSender(cfg, log)
	assert.Error(t, err)
}

func TestSMTPSender_Send(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "mail.example.com", Username: "u", Password: "p", From: "news@example.com"})
	require.NoError(t, err)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotRaw []byte
	s.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotRaw = addr, from, to, msg
		assert.NotNil(t, auth)
		return nil
	}

	msg := welcome()
	msg.HTMLBody = "<p>hello</p>"
	require.NoError(t, s.Send(context.Background(), msg))
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "news@example.com", gotFrom)
	assert.Equal(t, []string{"ada@example.com"}, gotTo)
	assert.Contains(t, string(gotRaw), "multipart/alternative")
	assert.Contains(t, string(gotRaw), "Subject: Welcome\r\n")
}

func TestSendGridSender_Send(t *testing.T) {
	var got sendGridRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewSendGridSender(SendGridConfig{APIKey: "secret", BaseURL: srv.URL, From: "news@example.com"})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), welcome()))
	assert.Equal(t, "news@example.com", got.From.Email)
	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, []sendGridAddress{{Email: "ada@example.com"}}, got.Personalizations[0].To)
	assert.Equal(t, []sendGridContent{{Type: "text/plain", Value: "hello"}}, got.Content)
}

func TestSendGridSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, err := NewSendGridSender(SendGridConfig{APIKey: "bad", BaseURL: srv.URL, From: "news@example.com"})
	require.NoError(t, err)
	assert.ErrorContains(t, s.Send(context.Background(), welcome()), "status 401")
}

func TestSESSender_SignsRequest(t *testing.T) {
	var auth, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		assert.Equal(t, "/v2/email/outbound-emails", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewSESSender(SESConfig{
		Region:          "eu-west-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		From:            "news@example.com",
	})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), welcome()))
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/"), auth)
	assert.Contains(t, auth, "/eu-west-1/ses/aws4_request")
	assert.Contains(t, body, `"FromEmailAddress":"news@example.com"`)
}
