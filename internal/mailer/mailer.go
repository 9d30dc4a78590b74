// Package mailer sends the portal's password-reset mail over SMTP. A
// mailer with no host configured is disabled: sends succeed silently so
// the forgot-password flow stays constant-time to the caller either way.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// Options configures the SMTP connection. TLS accepts "true", "1", or
// "yes" for implicit TLS (port 465 style); otherwise STARTTLS is used
// when the server advertises it.
type Options struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      string
}

// Mailer delivers transactional mail.
type Mailer struct {
	host     string
	port     int
	from     string
	username string
	password string
	useTLS   bool
}

// New constructs a mailer. An empty host yields a disabled mailer.
func New(opts Options) *Mailer {
	return &Mailer{
		host:     opts.Host,
		port:     opts.Port,
		from:     opts.From,
		username: opts.Username,
		password: opts.Password,
		useTLS:   opts.TLS == "true" || opts.TLS == "1" || opts.TLS == "yes",
	}
}

// Enabled reports whether outbound mail is configured.
func (m *Mailer) Enabled() bool { return m.host != "" }

// SendPasswordReset mails a reset token to the account holder. The token
// appears only in this mail, never in logs or API responses.
func (m *Mailer) SendPasswordReset(ctx context.Context, to, token string, expiresAt time.Time) error {
	if !m.Enabled() {
		return nil
	}
	subject := "Courier password reset"
	body := fmt.Sprintf(
		"A password reset was requested for your account.\r\n\r\n"+
			"Reset token: %s\r\n\r\n"+
			"The token expires at %s and can be used once.\r\n"+
			"If you did not request this, ignore this mail.\r\n",
		token, expiresAt.UTC().Format(time.RFC3339))
	return m.send(ctx, to, subject, body)
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	msg := "From: " + m.from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body

	addr := net.JoinHostPort(m.host, fmt.Sprintf("%d", m.port))

	var c *smtp.Client
	var err error

	if m.useTLS {
		dialer := &tls.Dialer{Config: &tls.Config{ServerName: m.host}}
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("smtp tls dial: %w", dialErr)
		}
		c, err = smtp.NewClient(conn, m.host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp new client: %w", err)
		}
	} else {
		var d net.Dialer
		conn, dialErr := d.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("smtp dial: %w", dialErr)
		}
		c, err = smtp.NewClient(conn, m.host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp new client: %w", err)
		}
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
				c.Close()
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	defer c.Close()

	if m.username != "" {
		auth := smtp.PlainAuth("", m.username, m.password, m.host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(m.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return c.Quit()
}
