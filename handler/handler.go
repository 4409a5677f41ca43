package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

// Dispatcher applies one queue record body. A nil error acknowledges it.
type Dispatcher interface {
	Dispatch(ctx context.Context, correlationID, body string) error
}

type Handler struct {
	dispatcher Dispatcher
	log        *slog.Logger
}

func NewHandler(d Dispatcher, log *slog.Logger) (*Handler, error) {
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{dispatcher: d, log: log}, nil
}

// Handle processes an SQS batch in order and reports every record that was
// not acknowledged as a batch item failure, so only those are redelivered.
// The event source mapping must enable ReportBatchItemFailures.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		correlationID := uuid.NewString()
		if err := h.dispatcher.Dispatch(ctx, correlationID, rec.Body); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	if n := len(resp.BatchItemFailures); n > 0 {
		h.log.Warn("batch partially failed", "records", len(ev.Records), "failed", n)
	}
	return resp, nil
}
