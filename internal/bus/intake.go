// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package bus

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/courier/internal/logging"
	"github.com/tomtom215/courier/internal/metrics"
	"github.com/tomtom215/courier/internal/models"
	"github.com/tomtom215/courier/internal/publisher"
)

// Intake consumes order lifecycle events from the bus and admits them into
// the pipeline. It implements suture.Service.
type Intake struct {
	subscriber message.Subscriber
	publisher  *publisher.Publisher
	subject    string
	logger     zerolog.Logger
}

// NewIntake creates the bus intake service consuming the given subject.
func NewIntake(sub message.Subscriber, pub *publisher.Publisher, subject string) *Intake {
	return &Intake{
		subscriber: sub,
		publisher:  pub,
		subject:    subject,
		logger:     logging.Component("bus"),
	}
}

// Serve consumes messages until context cancellation.
func (in *Intake) Serve(ctx context.Context) error {
	messages, err := in.subscriber.Subscribe(ctx, in.subject)
	if err != nil {
		return err
	}
	in.logger.Info().Str("subject", in.subject).Msg("Bus intake started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			in.handle(ctx, msg)
		}
	}
}

// handle admits one message. Malformed or invalid payloads are acked: they
// can never become valid through redelivery. Only enqueue failures are
// nacked, since the dedup reservation was rolled back and a retry can
// succeed.
func (in *Intake) handle(ctx context.Context, msg *message.Message) {
	var event models.EmailEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		metrics.BusMessagesTotal.WithLabelValues("rejected").Inc()
		in.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Malformed bus message dropped")
		msg.Ack()
		return
	}

	res, err := in.publisher.Publish(ctx, event)
	switch {
	case err == nil:
		outcome := "admitted"
		if res.Deduplicated {
			outcome = "duplicate"
		}
		metrics.BusMessagesTotal.WithLabelValues(outcome).Inc()
		msg.Ack()
	case errors.Is(err, publisher.ErrEnqueueFailed):
		metrics.BusMessagesTotal.WithLabelValues("error").Inc()
		in.logger.Error().Err(err).Str("order_id", event.OrderID).Msg("Enqueue failed, message will be redelivered")
		msg.Nack()
	default:
		metrics.BusMessagesTotal.WithLabelValues("rejected").Inc()
		in.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Invalid event dropped")
		msg.Ack()
	}
}

// String names the service in supervisor logs.
func (in *Intake) String() string {
	return "bus-intake"
}
