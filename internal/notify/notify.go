// Package notify delivers operator notifications: approval requests,
// decision outcomes and periodic summaries.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/logging"
)

// Link is an action link embedded in a message.
type Link struct {
	Label string
	URL   string
}

// Message is the semantic content of a notification.
type Message struct {
	To      string
	Subject string
	Body    string
	Links   []Link
}

// Notifier delivers messages. Implementations own the transport.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// New returns an email notifier when SMTP is configured, otherwise a
// notifier that only logs.
func New(cfg *config.NotifyConfig) Notifier {
	if cfg == nil || cfg.SMTP == nil || cfg.SMTP.Host == "" {
		return LogNotifier{}
	}
	s := cfg.SMTP
	return &EmailNotifier{sender: NewSMTPSender(s.Host, s.Port, s.From, s.Username, s.Password)}
}

// EmailSender sends an HTML email.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, htmlBody string) error
}

// EmailNotifier renders messages as HTML and sends them by email.
type EmailNotifier struct {
	sender EmailSender
}

// NewEmailNotifier wraps an EmailSender.
func NewEmailNotifier(sender EmailSender) *EmailNotifier {
	return &EmailNotifier{sender: sender}
}

// Notify sends msg to msg.To.
func (n *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("notify: message %q has no recipient", msg.Subject)
	}
	if err := n.sender.Send(ctx, []string{msg.To}, msg.Subject, RenderHTML(msg)); err != nil {
		return fmt.Errorf("notify: send %q: %w", msg.Subject, err)
	}
	return nil
}

// RenderHTML renders a message body with its links as buttons.
func RenderHTML(msg Message) string {
	var sb strings.Builder
	sb.WriteString(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
`)
	sb.WriteString(fmt.Sprintf("<h2>%s</h2>\n", html.EscapeString(msg.Subject)))
	for _, para := range strings.Split(msg.Body, "\n\n") {
		lines := strings.Split(html.EscapeString(para), "\n")
		sb.WriteString("<p>" + strings.Join(lines, "<br>") + "</p>\n")
	}
	if len(msg.Links) > 0 {
		sb.WriteString(`<p>`)
		for _, l := range msg.Links {
			sb.WriteString(fmt.Sprintf(
				`<a href="%s" style="display: inline-block; padding: 10px 18px; margin-right: 8px; background: #2563eb; color: #fff; text-decoration: none; border-radius: 4px;">%s</a>`,
				html.EscapeString(l.URL), html.EscapeString(l.Label)))
		}
		sb.WriteString("</p>\n")
	}
	sb.WriteString(`</body></html>`)
	return sb.String()
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct{}

// Notify logs the subject, recipient and link labels. Link URLs carry
// tokens and are never logged.
func (LogNotifier) Notify(_ context.Context, msg Message) error {
	labels := make([]string, 0, len(msg.Links))
	for _, l := range msg.Links {
		labels = append(labels, l.Label)
	}
	logging.WithComponent("notify").Info("notification (smtp not configured)",
		"to", msg.To, "subject", msg.Subject, "links", strings.Join(labels, ","))
	return nil
}
