// Package email renders and sends change notification emails via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"backlog/api/internal/history"
)

// Config holds SMTP configuration
type Config struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	FromName   string
	SiteDomain string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// FieldChange is one rendered line of a notification's change table.
type FieldChange struct {
	Name string
	From string
	To   string
}

// ChangeData describes one coalesced notification for a recipient.
type ChangeData struct {
	ProjectName string
	ProjectSlug string
	EntityKey   string
	EntityRef   int
	EntryID     int64 // first entry of the burst, keeps Message-IDs stable
	Subject     string
	Action      string // "created", "changed" or "deleted"
	ActorName   string
	Fields      []FieldChange
	Comments    []string
}

// Message is a rendered notification ready to send.
type Message struct {
	Subject string
	HTML    string
	Headers map[string]string
}

// Render builds the subject, body and threading headers for a notification.
// All mail about the same entity shares a References header, so capable
// clients stack the burst emails into one conversation.
func (s *Service) Render(d ChangeData) (Message, error) {
	html, err := renderTemplate(changeEmailTemplate, d)
	if err != nil {
		return Message{}, fmt.Errorf("render change template: %w", err)
	}

	subject := fmt.Sprintf("[%s] #%d %s %s", d.ProjectName, d.EntityRef, d.Subject, d.Action)
	if d.EntityRef == 0 {
		subject = fmt.Sprintf("[%s] %s %s", d.ProjectName, d.Subject, d.Action)
	}

	thread := strings.ReplaceAll(d.EntityKey, ":", "-")
	root := fmt.Sprintf("<%s/%s@%s>", d.ProjectSlug, thread, s.config.SiteDomain)
	return Message{
		Subject: subject,
		HTML:    html,
		Headers: map[string]string{
			"Message-ID":  fmt.Sprintf("<%s/%s/%d@%s>", d.ProjectSlug, thread, d.EntryID, s.config.SiteDomain),
			"In-Reply-To": root,
			"References":  root,
			"List-ID":     fmt.Sprintf("%s <%s.%s>", d.ProjectName, d.ProjectSlug, s.config.SiteDomain),
		},
	}, nil
}

// SendChangeNotification renders and sends one notification.
func (s *Service) SendChangeNotification(to string, d ChangeData) error {
	msg, err := s.Render(d)
	if err != nil {
		return err
	}
	return s.sendHTML([]string{to}, msg)
}

func (s *Service) sendHTML(to []string, m Message) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-backlog"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", m.Subject)
	for k, v := range m.Headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", m.HTML)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// FormatValue renders a diff value for display. Values arrive either as the
// typed forms produced at freeze time or as their JSON-generic equivalents
// after a database round trip.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "(empty)"
	case history.Ref:
		return t.Display
	case string:
		if t == "" {
			return "(empty)"
		}
		return t
	case bool:
		if t {
			return "yes"
		}
		return "no"
	case map[string]any:
		if name, ok := t["name"].(string); ok {
			return name
		}
		return fmt.Sprint(t)
	case []any:
		if len(t) == 0 {
			return "(empty)"
		}
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ", ")
	case []history.Ref:
		if len(t) == 0 {
			return "(empty)"
		}
		parts := make([]string, len(t))
		for i, r := range t {
			parts[i] = r.Display
		}
		return strings.Join(parts, ", ")
	case []string:
		if len(t) == 0 {
			return "(empty)"
		}
		return strings.Join(t, ", ")
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const changeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>[{{.ProjectName}}] {{.Subject}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .change-table { width: 100%; border-collapse: collapse; margin: 20px 0; }
        .change-table th, .change-table td { text-align: left; padding: 6px 10px; border-bottom: 1px solid #eee; }
        .change-table th { font-size: 12px; text-transform: uppercase; color: #666; }
        .comment { background: #f6f8fa; padding: 12px; border-radius: 4px; margin: 12px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.ProjectName}}</h1>
    </div>

    <h2>{{if .EntityRef}}#{{.EntityRef}} {{end}}{{.Subject}}</h2>

    <p>{{.ActorName}} {{.Action}} this item.</p>

    {{if .Fields}}
    <table class="change-table">
        <tr><th>Field</th><th>From</th><th>To</th></tr>
        {{range .Fields}}
        <tr><td>{{.Name}}</td><td>{{.From}}</td><td>{{.To}}</td></tr>
        {{end}}
    </table>
    {{end}}

    {{range .Comments}}
    <div class="comment">{{.}}</div>
    {{end}}

    <div class="footer">
        <p>You are receiving this because you watch this item or its project.</p>
    </div>
</body>
</html>`
