package service

import (
	"fmt"
	"strings"

	"coldfront/internal/mail"
	"coldfront/internal/models"
)

// emailUsers queues one message per distinct user, each greeted by name.
func emailUsers(fx *effects, tmpl, subject string, users []*models.User, data map[string]interface{}, cc []string) {
	seen := make(map[uint]bool, len(users))
	for _, u := range users {
		if u == nil || seen[u.ID] || u.Email == "" {
			continue
		}
		seen[u.ID] = true
		msgData := make(map[string]interface{}, len(data)+1)
		for k, v := range data {
			msgData[k] = v
		}
		msgData["Name"] = displayName(u)
		fx.email(mail.Message{Template: tmpl, Subject: subject, To: []string{u.Email}, CC: cc, Data: msgData})
	}
}

// emailAdmins queues a message to EMAIL_ADMIN_LIST.
func (b *base) emailAdmins(fx *effects, tmpl, subject string, data map[string]interface{}) {
	fx.email(mail.Message{Template: tmpl, Subject: subject, To: b.cfg.AdminEmails(), Data: data})
}

func displayName(u *models.User) string {
	if name := u.FullName(); name != "" {
		return name
	}
	return u.Username
}

func (b *base) url(format string, args ...interface{}) string {
	return strings.TrimRight(b.cfg.CenterBaseURL, "/") + fmt.Sprintf(format, args...)
}

func projectUsers(members []models.ProjectUser) []*models.User {
	out := make([]*models.User, 0, len(members))
	for i := range members {
		if members[i].User != nil && members[i].EnableNotifications {
			out = append(out, members[i].User)
		}
	}
	return out
}
