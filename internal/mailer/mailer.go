// Package mailer sends the pipeline's reply emails through an SMTP relay.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Config carries the relay connection settings.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	UseTLS      bool
	DialTimeout time.Duration
}

// Client talks to one SMTP relay. Safe for concurrent use; every Send opens
// its own connection.
type Client struct {
	cfg  Config
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Option customizes a Client.
type Option func(*Client)

func withDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// New builds a relay client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	c := &Client{cfg: cfg}
	c.dial = c.defaultDial
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	if c.cfg.UseTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: c.cfg.Host}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Send delivers one reply. The body goes out as multipart/alternative with
// the plain text and a preformatted HTML rendering of the same content.
// Completion or failure is known before Send returns; any error is
// retryable from the caller's point of view.
func (c *Client) Send(ctx context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout + 30*time.Second))
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to add recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data transfer: %w", err)
	}
	if _, err := writer.Write(buildMessage(c.cfg.From, to, subject, body)); err != nil {
		return fmt.Errorf("failed to write email data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}

	return client.Quit()
}

const altBoundary = "=_acessobox_alt"

func buildMessage(from, to, subject, body string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", to))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", encodeSubject(subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", altBoundary))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	buf.WriteString(normalizeCRLF(body))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	buf.WriteString(`<pre style="font-family: inherit; white-space: pre-wrap;">`)
	buf.WriteString(normalizeCRLF(html.EscapeString(body)))
	buf.WriteString("</pre>\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", altBoundary))
	return buf.Bytes()
}

func encodeSubject(subject string) string {
	for i := 0; i < len(subject); i++ {
		if subject[i] >= 0x80 {
			return mime.QEncoding.Encode("utf-8", subject)
		}
	}
	return subject
}

func normalizeCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
