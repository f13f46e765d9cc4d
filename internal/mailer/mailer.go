// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package mailer sends email over SMTP. It builds RFC 5322 messages with an
// optional PDF attachment and classifies send failures into transient
// (retry) and permanent (dead-letter) per SMTP reply code semantics:
// 4xx replies are transient, 5xx replies are permanent.
package mailer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/courier/internal/metrics"
)

// Message is one outbound email.
type Message struct {
	To       string
	Subject  string
	BodyText string

	// Attachment is the optional rendered order document.
	Attachment *Attachment
}

// Attachment is a binary file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Mailer delivers messages. Send returns the Message-ID assigned to the
// delivered message.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	UseTLS   bool
	Timeout  time.Duration
}

// SMTPMailer is the production Mailer over a plain SMTP connection.
type SMTPMailer struct {
	cfg Config
}

// NewSMTPMailer creates a mailer. A zero Timeout defaults to 30 seconds.
func NewSMTPMailer(cfg Config) *SMTPMailer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg}
}

// Send builds and delivers the message, returning its Message-ID.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), m.cfg.Host)
	body := m.buildMessage(msg, messageID)

	if err := m.sendSMTP(ctx, msg.To, body); err != nil {
		if IsTransient(err) {
			metrics.SMTPSendsTotal.WithLabelValues("transient_error").Inc()
		} else {
			metrics.SMTPSendsTotal.WithLabelValues("permanent_error").Inc()
		}
		return "", err
	}

	metrics.SMTPSendsTotal.WithLabelValues("sent").Inc()
	return messageID, nil
}

// buildMessage constructs the wire-format message with headers.
func (m *SMTPMailer) buildMessage(msg Message, messageID string) string {
	var b strings.Builder

	fromName := m.cfg.FromName
	if fromName == "" {
		fromName = "Courier"
	}

	b.WriteString(fmt.Sprintf("From: %s <%s>\r\n", fromName, m.cfg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	b.WriteString("MIME-Version: 1.0\r\n")

	if msg.Attachment == nil {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		b.WriteString("\r\n")
		b.WriteString(msg.BodyText)
		b.WriteString("\r\n")
		return b.String()
	}

	boundary := fmt.Sprintf("boundary_%d", time.Now().UnixNano())
	b.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n", boundary))
	b.WriteString("\r\n")

	// Text part
	b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.BodyText)
	b.WriteString("\r\n")

	// Attachment part, base64 in 76-column lines
	contentType := msg.Attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	b.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	b.WriteString(fmt.Sprintf("Content-Type: %s; name=%q\r\n", contentType, msg.Attachment.Filename))
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n", msg.Attachment.Filename))
	b.WriteString("\r\n")

	encoded := base64.StdEncoding.EncodeToString(msg.Attachment.Data)
	for len(encoded) > 76 {
		b.WriteString(encoded[:76])
		b.WriteString("\r\n")
		encoded = encoded[76:]
	}
	b.WriteString(encoded)
	b.WriteString("\r\n")

	b.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return b.String()
}

// sendSMTP delivers the built message.
func (m *SMTPMailer) sendSMTP(ctx context.Context, to, msg string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if m.cfg.UseTLS {
		tlsConfig := &tls.Config{
			ServerName: m.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// Best effort; the message was accepted by now.
	_ = client.Quit()
	return nil
}

// IsTransient reports whether a send failure is worth retrying. SMTP reply
// codes are authoritative when present: 4xx is transient, 5xx permanent.
// Errors without a reply code (dial, TLS, I/O) are connection-level and
// transient, except authentication failures, which never self-heal.
func IsTransient(err error) bool {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return proto.Code >= 400 && proto.Code < 500
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "authentication") {
		return false
	}
	return true
}
