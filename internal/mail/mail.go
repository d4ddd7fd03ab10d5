// Package mail renders plaintext notification emails from embedded templates
// and delivers them over SMTP when EMAIL_ENABLED is set.
package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"coldfront/internal/config"
)

//go:embed templates/*.txt
var templateFS embed.FS

// Template names.
const (
	TmplNewProjectRequestAdmins   = "new_project_request_admins"
	TmplPooledProjectReadiness    = "pooled_project_readiness"
	TmplNewProjectRequestApproved = "new_project_request_approved"
	TmplNewProjectRequestDenied   = "new_project_request_denied"
	TmplRenewalRequestAdmins      = "renewal_request_admins"
	TmplRenewalRequestProcessed   = "renewal_request_processed"
	TmplRenewalRequestDenied      = "renewal_request_denied"
	TmplSecureDirRequestApproved  = "secure_dir_request_approved"
	TmplSecureDirRequestDenied    = "secure_dir_request_denied"
	TmplSecureDirUserAdmins       = "secure_dir_user_request_admins"
	TmplSecureDirUserComplete     = "secure_dir_user_request_complete"
	TmplSecureDirUserDenied       = "secure_dir_user_request_denied"
	TmplProjectRemovalAdmins      = "project_removal_admins"
	TmplProjectRemovalComplete    = "project_removal_complete"
	TmplProjectJoinRequest        = "project_join_request"
	TmplProjectJoinReviewed       = "project_join_request_reviewed"
	TmplPendingJoinRequests       = "pending_join_requests"
	TmplPendingJoinRequestUser    = "pending_join_request_user"
	TmplExpiredICAProject         = "expired_ica_project"
	TmplAccountDeletionComplete   = "account_deletion_complete"
	TmplIdentityLinking           = "identity_linking"
	TmplClusterAccessActivated    = "cluster_access_activated"
	TmplClusterAccessDenied       = "cluster_access_denied"
	TmplAdditionRequestAdmins     = "allocation_addition_request_admins"
	TmplAdditionRequestProcessed  = "allocation_addition_request_processed"
	TmplAdditionRequestDenied     = "allocation_addition_request_denied"
)

// Message is one email to render and send.
type Message struct {
	Template string
	Subject  string
	To       []string
	CC       []string
	Data     map[string]interface{}
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer renders embedded templates and sends them over SMTP.
type Mailer struct {
	cfg  *config.Config
	tmpl *template.Template
	send sendFunc
}

// New parses the embedded templates.
func New(cfg *config.Config) (*Mailer, error) {
	tmpl, err := template.New("mail").ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Mailer{cfg: cfg, tmpl: tmpl, send: smtp.SendMail}, nil
}

// Render returns the message body with the center signature appended.
func (m *Mailer) Render(msg Message) (string, error) {
	data := map[string]interface{}{
		"CenterHelpEmail": m.cfg.CenterHelpEmail,
		"CenterBaseURL":   strings.TrimSuffix(m.cfg.CenterBaseURL, "/"),
		"Signature":       m.cfg.EmailSignature,
	}
	for k, v := range msg.Data {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := m.tmpl.ExecuteTemplate(&buf, msg.Template+".txt", data); err != nil {
		return "", fmt.Errorf("render %s: %w", msg.Template, err)
	}
	if sig := strings.TrimSpace(m.cfg.EmailSignature); sig != "" {
		buf.WriteString("\n\n")
		buf.WriteString(sig)
		buf.WriteString("\n")
	}
	return buf.String(), nil
}

// Send renders msg and delivers it. Nothing is delivered unless
// EMAIL_ENABLED is set; rendering still runs so template errors surface.
func (m *Mailer) Send(_ context.Context, msg Message) error {
	body, err := m.Render(msg)
	if err != nil {
		return err
	}
	if !m.cfg.EmailEnabled {
		return nil
	}
	to := dedupe(msg.To)
	if len(to) == 0 {
		return nil
	}
	cc := dedupe(msg.CC)
	raw := m.compose(to, cc, msg.Subject, body)

	var auth smtp.Auth
	if m.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTPUsername, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	}
	addr := m.cfg.SMTPHost + ":" + strconv.Itoa(m.cfg.SMTPPort)
	return m.send(addr, auth, m.cfg.EmailSender, append(to, cc...), raw)
}

func (m *Mailer) compose(to, cc []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.EmailSender)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	if len(cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func dedupe(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" || seen[strings.ToLower(a)] {
			continue
		}
		seen[strings.ToLower(a)] = true
		out = append(out, a)
	}
	return out
}
