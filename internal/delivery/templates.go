// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package delivery

import (
	"fmt"
	"strings"

	"github.com/tomtom215/courier/internal/models"
)

// messageText holds the localized subject and body for one email type.
type messageText struct {
	subject string
	body    string
}

// texts maps event type and locale to message content. Unknown locales fall
// back to English. %s placeholders receive the order number.
var texts = map[models.EventType]map[string]messageText{
	models.EventOrderConfirmation: {
		"en": {
			subject: "Order confirmation %s",
			body:    "Thank you for your order %s.\n\nYour invoice is attached. We will notify you when your order ships.",
		},
		"de": {
			subject: "Bestellbestätigung %s",
			body:    "Vielen Dank für Ihre Bestellung %s.\n\nIhre Rechnung finden Sie im Anhang. Wir benachrichtigen Sie, sobald Ihre Bestellung versandt wird.",
		},
	},
	models.EventOrderCancellation: {
		"en": {
			subject: "Order %s cancelled",
			body:    "Your order %s has been cancelled.\n\nThe cancellation confirmation is attached. Any payment will be refunded within a few business days.",
		},
		"de": {
			subject: "Bestellung %s storniert",
			body:    "Ihre Bestellung %s wurde storniert.\n\nDie Stornobestätigung finden Sie im Anhang. Bereits geleistete Zahlungen werden innerhalb weniger Werktage erstattet.",
		},
	},
	models.EventAdminNotification: {
		"en": {
			subject: "Order event: %s",
			body:    "An order event for %s requires attention.",
		},
	},
}

// degradedNotice is appended to the body when the attachment could not be
// rendered. The document is re-sent by support on request.
var degradedNotice = map[string]string{
	"en": "\n\nNote: the order document could not be generated right now and will be sent separately.",
	"de": "\n\nHinweis: Das Bestelldokument konnte derzeit nicht erstellt werden und wird separat nachgereicht.",
}

// composeMessage renders the subject and body for an event. degraded appends
// the missing-attachment notice.
func composeMessage(event models.EmailEvent, degraded bool) (subject, body string) {
	locale := strings.ToLower(event.Locale)
	byLocale := texts[event.Type]
	text, ok := byLocale[locale]
	if !ok {
		locale = "en"
		text = byLocale["en"]
	}

	subject = fmt.Sprintf(text.subject, event.OrderNumber)
	body = fmt.Sprintf(text.body, event.OrderNumber)
	if degraded {
		notice, ok := degradedNotice[locale]
		if !ok {
			notice = degradedNotice["en"]
		}
		body += notice
	}
	return subject, body
}

// attachmentFilename names the rendered document for an event.
func attachmentFilename(event models.EmailEvent) string {
	switch event.Type {
	case models.EventOrderCancellation:
		return fmt.Sprintf("cancellation-%s.pdf", event.OrderNumber)
	default:
		return fmt.Sprintf("invoice-%s.pdf", event.OrderNumber)
	}
}

// wantsAttachment reports whether the email type carries a rendered document.
// Admin notifications are plain text.
func wantsAttachment(t models.EventType) bool {
	return t == models.EventOrderConfirmation || t == models.EventOrderCancellation
}
