package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/env"
)

// Config holds the SMTP settings. An empty Host disables mail.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

func ConfigFromEnv() Config {
	return Config{
		Host:     env.GetEnv("SMTP_HOST", ""),
		Port:     env.GetEnv("SMTP_PORT", "587"),
		Username: env.GetEnv("SMTP_USERNAME", ""),
		Password: env.GetEnv("SMTP_PASSWORD", ""),
		Sender:   env.GetEnv("SMTP_SENDER", ""),
	}
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends HTML emails via SMTP
type Mailer struct {
	cfg  Config
	send sendFunc
}

func NewMailer(cfg Config) *Mailer {
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
		log.Warnf("SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

func (m *Mailer) Send(to string, subject string, body string) error {
	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.Sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	if err := m.send(addr, auth, m.cfg.Sender, []string{to}, msg); err != nil {
		log.Errorf("SMTP send error: %v", err)
		return err
	}
	log.Infof("Email sent to %s via %s", to, addr)
	return nil
}

// UserLookup resolves the recipient of a notification.
type UserLookup interface {
	GetByID(id uint) (*models.User, error)
}

// TrialNotifier emails users whose trial is about to end.
type TrialNotifier struct {
	mailer *Mailer
	users  UserLookup
}

func NewTrialNotifier(mailer *Mailer, users UserLookup) *TrialNotifier {
	return &TrialNotifier{mailer: mailer, users: users}
}

// TrialWillEnd sends in the background so webhook handling is not held up by SMTP.
func (n *TrialNotifier) TrialWillEnd(_ context.Context, userID uint, subscriptionID string) {
	go func() {
		if err := n.notify(userID, subscriptionID); err != nil {
			log.Errorf("[Mail] Trial reminder for user %d failed: %v", userID, err)
		}
	}()
}

func (n *TrialNotifier) notify(userID uint, subscriptionID string) error {
	user, err := n.users.GetByID(userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user.Email == "" {
		return fmt.Errorf("user %d has no email", userID)
	}
	body := fmt.Sprintf(
		"<p>Hi %s,</p><p>your trial (subscription %s) ends in a few days. "+
			"Keep your payment method up to date to continue without interruption.</p>",
		user.Name, subscriptionID)
	return n.mailer.Send(user.Email, "Your trial ends soon", body)
}
