package mail

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"coldfront/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedSend struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestMailer(t *testing.T, enabled bool) (*Mailer, *[]capturedSend) {
	t.Helper()
	cfg := config.ForTests()
	cfg.EmailEnabled = enabled
	cfg.SMTPHost = "smtp.example.edu"
	cfg.SMTPPort = 587

	m, err := New(cfg)
	require.NoError(t, err)

	var sent []capturedSend
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, capturedSend{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return m, &sent
}

func TestRender_AppendsSignature(t *testing.T) {
	m, _ := newTestMailer(t, false)

	body, err := m.Render(Message{
		Template: TmplNewProjectRequestDenied,
		Data: map[string]interface{}{
			"Name":                "Ada Lovelace",
			"ProjectName":         "fc_physics",
			"ReasonCategory":      "PI Ineligible",
			"ReasonJustification": "Not a faculty member.",
		},
	})
	require.NoError(t, err)
	assert.Contains(t, body, "Dear Ada Lovelace,")
	assert.Contains(t, body, "project fc_physics has been denied")
	assert.Contains(t, body, "help@example.edu")
	assert.True(t, strings.HasSuffix(body, "Research IT Team\n"))
}

func TestRender_UnknownTemplate(t *testing.T) {
	m, _ := newTestMailer(t, false)
	_, err := m.Render(Message{Template: "nope"})
	assert.Error(t, err)
}

func TestEveryTemplateRenders(t *testing.T) {
	m, _ := newTestMailer(t, false)
	for _, tmpl := range m.tmpl.Templates() {
		name := strings.TrimSuffix(tmpl.Name(), ".txt")
		if name == "mail" {
			continue
		}
		_, err := m.Render(Message{Template: name, Data: map[string]interface{}{}})
		assert.NoError(t, err, name)
	}
}

func TestSend_DisabledDoesNotDeliver(t *testing.T) {
	m, sent := newTestMailer(t, false)
	err := m.Send(context.Background(), Message{
		Template: TmplProjectRemovalComplete,
		Subject:  "Removal complete",
		To:       []string{"pi@example.edu"},
	})
	require.NoError(t, err)
	assert.Empty(t, *sent)
}

func TestSend_EnabledDeliversOnce(t *testing.T) {
	m, sent := newTestMailer(t, true)
	err := m.Send(context.Background(), Message{
		Template: TmplProjectRemovalComplete,
		Subject:  "Removal complete",
		To:       []string{"pi@example.edu", "PI@example.edu", ""},
		CC:       []string{"admin@example.edu"},
		Data:     map[string]interface{}{"Name": "PI", "UserName": "bob", "ProjectName": "fc_x"},
	})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	got := (*sent)[0]
	assert.Equal(t, "smtp.example.edu:587", got.addr)
	assert.Equal(t, "noreply@example.edu", got.from)
	assert.Equal(t, []string{"pi@example.edu", "admin@example.edu"}, got.to)
	assert.Contains(t, got.msg, "Subject: Removal complete\r\n")
	assert.Contains(t, got.msg, "Cc: admin@example.edu\r\n")
	assert.Contains(t, got.msg, "bob has been removed from project fc_x.")
}
