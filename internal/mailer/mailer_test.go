// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"net/textproto"
	"strings"
	"testing"
)

func TestBuildMessagePlain(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "mail.example.com", From: "orders@example.com", FromName: "Example Shop"})

	msg := m.buildMessage(Message{
		To:       "customer@example.com",
		Subject:  "Order confirmation 2026-0042",
		BodyText: "Thank you for your order.",
	}, "<id-1@mail.example.com>")

	for _, want := range []string{
		"From: Example Shop <orders@example.com>\r\n",
		"To: customer@example.com\r\n",
		"Subject: Order confirmation 2026-0042\r\n",
		"Message-ID: <id-1@mail.example.com>\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: text/plain; charset=UTF-8\r\n",
		"Thank you for your order.",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if strings.Contains(msg, "multipart") {
		t.Error("plain message must not be multipart")
	}
}

func TestBuildMessageWithAttachment(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "mail.example.com", From: "orders@example.com"})
	pdf := []byte("%PDF-1.7 content bytes for the invoice document")

	msg := m.buildMessage(Message{
		To:       "customer@example.com",
		Subject:  "Order confirmation",
		BodyText: "See attached invoice.",
		Attachment: &Attachment{
			Filename:    "invoice-2026-0042.pdf",
			ContentType: "application/pdf",
			Data:        pdf,
		},
	}, "<id-2@mail.example.com>")

	for _, want := range []string{
		"Content-Type: multipart/mixed;",
		`Content-Type: application/pdf; name="invoice-2026-0042.pdf"`,
		"Content-Transfer-Encoding: base64",
		`Content-Disposition: attachment; filename="invoice-2026-0042.pdf"`,
		"See attached invoice.",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}

	// The attachment must round-trip through its base64 lines.
	idx := strings.Index(msg, "Content-Disposition")
	section := msg[idx:]
	start := strings.Index(section, "\r\n\r\n") + 4
	end := strings.Index(section[start:], "\r\n--")
	encoded := strings.ReplaceAll(section[start:start+end], "\r\n", "")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if string(decoded) != string(pdf) {
		t.Error("attachment did not survive encoding")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"greylisting 451", &textproto.Error{Code: 451, Msg: "try again later"}, true},
		{"mailbox full 452", &textproto.Error{Code: 452, Msg: "mailbox full"}, true},
		{"no such user 550", &textproto.Error{Code: 550, Msg: "no such user"}, false},
		{"rejected 554", &textproto.Error{Code: 554, Msg: "rejected"}, false},
		{"dial failure", errors.New("failed to connect to SMTP server: connection refused"), true},
		{"timeout", errors.New("write: i/o timeout"), true},
		{"auth failure", errors.New("SMTP authentication failed: 535 bad credentials"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.transient)
			}
		})
	}
}

func TestSendConnectionRefused(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "127.0.0.1", Port: 1, From: "orders@example.com"})
	_, err := m.Send(context.Background(), Message{To: "customer@example.com", Subject: "x", BodyText: "y"})
	if err == nil {
		t.Fatal("Send to closed port should fail")
	}
	if !IsTransient(err) {
		t.Errorf("connection failure should be transient: %v", err)
	}
}
