// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

// Package models defines the domain types shared across the pipeline:
// email events, jobs with their state machine, delivery records, and
// audit entries.
package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// EventType identifies the kind of transactional email an event produces.
type EventType string

const (
	// EventOrderConfirmation is sent to the customer when an order is placed.
	EventOrderConfirmation EventType = "ORDER_CONFIRMATION"

	// EventOrderCancellation is sent to the customer when an order is cancelled.
	EventOrderCancellation EventType = "ORDER_CANCELLATION"

	// EventAdminNotification is sent to the store operator for order activity.
	EventAdminNotification EventType = "ADMIN_NOTIFICATION"
)

// Valid reports whether the event type is one of the known values.
func (t EventType) Valid() bool {
	switch t {
	case EventOrderConfirmation, EventOrderCancellation, EventAdminNotification:
		return true
	}
	return false
}

// EmailEvent is a single order lifecycle event to be turned into an email
// delivery. Events are immutable once published; they exist only as job
// payloads and are never stored on their own.
type EmailEvent struct {
	// Type is the kind of email this event produces.
	Type EventType `json:"type" validate:"required,oneof=ORDER_CONFIRMATION ORDER_CANCELLATION ADMIN_NOTIFICATION"`

	// OrderID is the internal identifier of the order. Together with Type it
	// determines the idempotency key.
	OrderID string `json:"order_id" validate:"required"`

	// OrderNumber is the customer-facing order reference.
	OrderNumber string `json:"order_number,omitempty"`

	// Recipient is the destination email address.
	Recipient string `json:"recipient" validate:"required,email"`

	// Locale selects the message template language (e.g. "en", "de").
	// Empty means the default locale.
	Locale string `json:"locale,omitempty"`

	// Payload carries the order data handed to the document renderer and
	// the message templates (items, totals, addresses).
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is when the event was published.
	CreatedAt time.Time `json:"created_at"`
}

// validate is shared; validator instances cache struct metadata and are safe
// for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the event against the publisher's input constraints.
// A failing event must never be enqueued: retrying cannot fix it.
func (e *EmailEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid email event: %w", err)
	}
	return nil
}
