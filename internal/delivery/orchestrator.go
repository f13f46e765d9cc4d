// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package delivery performs one delivery attempt end to end: suppression
// check, document rendering, message composition, SMTP send.
//
// Rendering is best-effort for availability failures: when the renderer is
// down or slow the email still goes out, without the attachment and with a
// notice, and the outcome is Degraded. A payload the renderer rejects can
// never succeed and fails permanently instead.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/courier/internal/dedup"
	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/mailer"
	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
	"github.com/tomtom215/courier/internal/renderer"
)

// Result is the outcome of a successful (or suppressed) delivery attempt.
type Result struct {
	// Status is DeliverySuccess or DeliveryDegraded.
	Status models.DeliveryStatus

	// MessageID is the Message-ID of the sent email, empty when suppressed.
	MessageID string

	// Suppressed means no email was sent because the order was cancelled
	// before this confirmation went out.
	Suppressed bool

	// Note carries the degradation cause for Degraded results.
	Note string
}

// Orchestrator coordinates one delivery attempt.
type Orchestrator struct {
	renderer      renderer.Client
	mailer        mailer.Mailer
	dedup         dedup.Store
	renderTimeout time.Duration
	sendTimeout   time.Duration
	logger        zerolog.Logger
}

// NewOrchestrator creates an orchestrator. Zero timeouts default to 10s for
// rendering and 30s for sending.
func NewOrchestrator(rend renderer.Client, mail mailer.Mailer, dedupStore dedup.Store, renderTimeout, sendTimeout time.Duration) *Orchestrator {
	if renderTimeout == 0 {
		renderTimeout = 10 * time.Second
	}
	if sendTimeout == 0 {
		sendTimeout = 30 * time.Second
	}
	return &Orchestrator{
		renderer:      rend,
		mailer:        mail,
		dedup:         dedupStore,
		renderTimeout: renderTimeout,
		sendTimeout:   sendTimeout,
		logger:        logging.Component("delivery"),
	}
}

// Deliver executes one attempt for the job's event. It returns a Result on
// success, degradation, or suppression; a *TransientError when the attempt
// should be retried; and a *PermanentError when retrying cannot help.
func (o *Orchestrator) Deliver(ctx context.Context, event models.EmailEvent) (*Result, error) {
	// A confirmation for an order that was cancelled in the meantime must
	// not reach the customer. The marker is written when the cancellation
	// email completes, so the check is cheap and race-narrow.
	if event.Type == models.EventOrderConfirmation {
		cancelled, err := dedup.IsCancelled(ctx, o.dedup, event.OrderID)
		if err != nil {
			return nil, NewTransientError("checking cancellation marker", err)
		}
		if cancelled {
			o.logger.Info().
				Str("order_id", event.OrderID).
				Msg("Confirmation suppressed, order was cancelled")
			return &Result{Suppressed: true}, nil
		}
	}

	var attachment *mailer.Attachment
	degraded := false
	note := ""

	if wantsAttachment(event.Type) {
		pdf, err := o.render(ctx, event)
		switch {
		case err == nil:
			attachment = &mailer.Attachment{
				Filename:    attachmentFilename(event),
				ContentType: "application/pdf",
				Data:        pdf,
			}
		case errors.Is(err, renderer.ErrInvalidData):
			// The payload will never render. Retrying burns attempts for
			// nothing; fail permanently.
			return nil, NewPermanentError("document rendering rejected payload", err)
		default:
			// Renderer down or slow: the customer still gets their email.
			degraded = true
			note = fmt.Sprintf("document rendering failed: %v", err)
			metrics.RendererFallbacksTotal.Inc()
			o.logger.Warn().
				Err(err).
				Str("order_id", event.OrderID).
				Msg("Rendering failed, delivering without attachment")
		}
	}

	subject, body := composeMessage(event, degraded)
	messageID, err := o.send(ctx, mailer.Message{
		To:         event.Recipient,
		Subject:    subject,
		BodyText:   body,
		Attachment: attachment,
	})
	if err != nil {
		if mailer.IsTransient(err) {
			return nil, NewTransientError("sending email", err)
		}
		return nil, NewPermanentError("sending email", err)
	}

	result := &Result{Status: models.DeliverySuccess, MessageID: messageID}
	if degraded {
		result.Status = models.DeliveryDegraded
		result.Note = note
	}

	o.logger.Info().
		Str("order_id", event.OrderID).
		Str("event_type", string(event.Type)).
		Str("message_id", messageID).
		Str("status", string(result.Status)).
		Msg("Email delivered")
	return result, nil
}

func (o *Orchestrator) render(ctx context.Context, event models.EmailEvent) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.renderTimeout)
	defer cancel()
	return o.renderer.Render(ctx, event)
}

func (o *Orchestrator) send(ctx context.Context, msg mailer.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	return o.mailer.Send(ctx, msg)
}
