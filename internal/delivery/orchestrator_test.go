// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package delivery

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/courier/internal/dedup"
	"github.com/tomtom215/courier/internal/mailer"
	"github.com/tomtom215/courier/internal/models"
	"github.com/tomtom215/courier/internal/renderer"
)

// fakeRenderer returns fixed bytes or a fixed error.
type fakeRenderer struct {
	pdf   []byte
	err   error
	calls int
}

func (f *fakeRenderer) Render(context.Context, models.EmailEvent) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pdf, nil
}

// fakeMailer records sent messages.
type fakeMailer struct {
	err  error
	sent []mailer.Message
}

func (f *fakeMailer) Send(_ context.Context, msg mailer.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "<msg-1@test>", nil
}

func confirmationEvent() models.EmailEvent {
	return models.EmailEvent{
		Type:        models.EventOrderConfirmation,
		OrderID:     "ord-1",
		OrderNumber: "2026-0042",
		Recipient:   "customer@example.com",
		Locale:      "en",
		CreatedAt:   time.Now(),
	}
}

func newTestOrchestrator(rend renderer.Client, mail mailer.Mailer, ds dedup.Store) *Orchestrator {
	if ds == nil {
		ds = dedup.NewMemoryStore()
	}
	return NewOrchestrator(rend, mail, ds, time.Second, time.Second)
}

func TestDeliverSuccess(t *testing.T) {
	rend := &fakeRenderer{pdf: []byte("%PDF")}
	mail := &fakeMailer{}
	o := newTestOrchestrator(rend, mail, nil)

	res, err := o.Deliver(context.Background(), confirmationEvent())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Status != models.DeliverySuccess {
		t.Errorf("status = %s, want success", res.Status)
	}
	if res.MessageID != "<msg-1@test>" {
		t.Errorf("message id = %q", res.MessageID)
	}

	if len(mail.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mail.sent))
	}
	msg := mail.sent[0]
	if msg.Attachment == nil {
		t.Fatal("confirmation should carry an attachment")
	}
	if msg.Attachment.Filename != "invoice-2026-0042.pdf" {
		t.Errorf("attachment filename = %q", msg.Attachment.Filename)
	}
	if !strings.Contains(msg.Subject, "2026-0042") {
		t.Errorf("subject %q should contain order number", msg.Subject)
	}
}

func TestDeliverDegradedWhenRendererUnavailable(t *testing.T) {
	for _, rendErr := range []error{renderer.ErrUnavailable, renderer.ErrTimeout} {
		t.Run(rendErr.Error(), func(t *testing.T) {
			mail := &fakeMailer{}
			o := newTestOrchestrator(&fakeRenderer{err: rendErr}, mail, nil)

			res, err := o.Deliver(context.Background(), confirmationEvent())
			if err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if res.Status != models.DeliveryDegraded {
				t.Errorf("status = %s, want degraded", res.Status)
			}
			if res.Note == "" {
				t.Error("degraded result should carry a note")
			}

			if len(mail.sent) != 1 {
				t.Fatalf("sent %d messages, want 1", len(mail.sent))
			}
			msg := mail.sent[0]
			if msg.Attachment != nil {
				t.Error("degraded message must not carry an attachment")
			}
			if !strings.Contains(msg.BodyText, "could not be generated") {
				t.Error("degraded body should carry the missing-document notice")
			}
		})
	}
}

func TestDeliverPermanentOnInvalidData(t *testing.T) {
	mail := &fakeMailer{}
	o := newTestOrchestrator(&fakeRenderer{err: renderer.ErrInvalidData}, mail, nil)

	_, err := o.Deliver(context.Background(), confirmationEvent())
	if !IsPermanentError(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if len(mail.sent) != 0 {
		t.Error("no email may be sent when the payload cannot render")
	}
}

func TestDeliverTransientOnSMTP4xx(t *testing.T) {
	rend := &fakeRenderer{pdf: []byte("%PDF")}
	mail := &fakeMailer{err: &textproto.Error{Code: 451, Msg: "greylisted"}}
	o := newTestOrchestrator(rend, mail, nil)

	_, err := o.Deliver(context.Background(), confirmationEvent())
	if !IsTransientError(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestDeliverPermanentOnSMTP5xx(t *testing.T) {
	rend := &fakeRenderer{pdf: []byte("%PDF")}
	mail := &fakeMailer{err: &textproto.Error{Code: 550, Msg: "no such user"}}
	o := newTestOrchestrator(rend, mail, nil)

	_, err := o.Deliver(context.Background(), confirmationEvent())
	if !IsPermanentError(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestDeliverSuppressesCancelledConfirmation(t *testing.T) {
	ds := dedup.NewMemoryStore()
	if err := dedup.MarkCancelled(context.Background(), ds, "ord-1", time.Hour); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	rend := &fakeRenderer{pdf: []byte("%PDF")}
	mail := &fakeMailer{}
	o := newTestOrchestrator(rend, mail, ds)

	res, err := o.Deliver(context.Background(), confirmationEvent())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !res.Suppressed {
		t.Fatal("confirmation for cancelled order must be suppressed")
	}
	if len(mail.sent) != 0 {
		t.Error("suppressed delivery must not send")
	}
	if rend.calls != 0 {
		t.Error("suppressed delivery must not render")
	}
}

func TestDeliverCancellationIgnoresMarker(t *testing.T) {
	ds := dedup.NewMemoryStore()
	if err := dedup.MarkCancelled(context.Background(), ds, "ord-1", time.Hour); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	ev := confirmationEvent()
	ev.Type = models.EventOrderCancellation
	mail := &fakeMailer{}
	o := newTestOrchestrator(&fakeRenderer{pdf: []byte("%PDF")}, mail, ds)

	res, err := o.Deliver(context.Background(), ev)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Suppressed {
		t.Error("cancellation emails are never suppressed by the marker")
	}
	if len(mail.sent) != 1 {
		t.Error("cancellation email should be sent")
	}
}

func TestDeliverAdminNotificationPlainText(t *testing.T) {
	ev := confirmationEvent()
	ev.Type = models.EventAdminNotification
	rend := &fakeRenderer{pdf: []byte("%PDF")}
	mail := &fakeMailer{}
	o := newTestOrchestrator(rend, mail, nil)

	res, err := o.Deliver(context.Background(), ev)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.Status != models.DeliverySuccess {
		t.Errorf("status = %s, want success", res.Status)
	}
	if rend.calls != 0 {
		t.Error("admin notifications must not render a document")
	}
	if mail.sent[0].Attachment != nil {
		t.Error("admin notifications carry no attachment")
	}
}

func TestComposeMessageLocales(t *testing.T) {
	ev := confirmationEvent()

	ev.Locale = "de"
	subject, _ := composeMessage(ev, false)
	if !strings.Contains(subject, "Bestellbestätigung") {
		t.Errorf("de subject = %q", subject)
	}

	// Unknown locales fall back to English.
	ev.Locale = "fr"
	subject, body := composeMessage(ev, true)
	if !strings.Contains(subject, "Order confirmation") {
		t.Errorf("fallback subject = %q", subject)
	}
	if !strings.Contains(body, "could not be generated") {
		t.Error("fallback degraded notice missing")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	te := NewTransientError("connection reset by peer", errors.New("io error"))
	if te.Category != ErrorCategoryConnection {
		t.Errorf("category = %s, want connection", te.Category)
	}
	if !IsTransientError(te) || IsPermanentError(te) {
		t.Error("transient error misclassified")
	}

	pe := NewPermanentError("renderer rejected payload", nil)
	if !IsPermanentError(pe) || IsTransientError(pe) {
		t.Error("permanent error misclassified")
	}

	wrapped := &TransientError{Message: "outer", Cause: errors.New("inner")}
	if !errors.Is(errors.Unwrap(wrapped), errors.Unwrap(wrapped)) {
		t.Error("unwrap must expose the cause")
	}
	if wrapped.Error() != "outer: inner" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}
