package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"messaging-core/internal/integrations/queue"
)

// Receiver is the queue surface the poller consumes.
type Receiver interface {
	Receive(ctx context.Context, max, waitSeconds int32) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Poller long-polls a queue and dispatches records in receive order. A
// record is deleted only when Dispatch accepts it; otherwise it reappears
// after its visibility timeout.
type Poller struct {
	queue       Receiver
	dispatcher  *Dispatcher
	log         *slog.Logger
	maxMessages int32
	waitSeconds int32
	backoff     time.Duration
}

type PollerOption func(*Poller)

func WithBatch(maxMessages, waitSeconds int32) PollerOption {
	return func(p *Poller) {
		if maxMessages > 0 {
			p.maxMessages = maxMessages
		}
		if waitSeconds >= 0 {
			p.waitSeconds = waitSeconds
		}
	}
}

// WithBackoff sets the pause after a failed receive.
func WithBackoff(d time.Duration) PollerOption {
	return func(p *Poller) { p.backoff = d }
}

func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

func NewPoller(q Receiver, d *Dispatcher, opts ...PollerOption) (*Poller, error) {
	if q == nil {
		return nil, errors.New("ingest: receiver must not be nil")
	}
	if d == nil {
		return nil, errors.New("ingest: dispatcher must not be nil")
	}
	p := &Poller{
		queue:       q,
		dispatcher:  d,
		log:         slog.Default(),
		maxMessages: 10,
		waitSeconds: 20,
		backoff:     time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", "max_messages", p.maxMessages, "wait_seconds", p.waitSeconds)
	for {
		if ctx.Err() != nil {
			p.log.Info("poller stopped")
			return nil
		}
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.Error("receive failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.backoff):
			}
		}
	}
}

// PollOnce receives one batch, dispatches every record and deletes the
// accepted ones. It returns how many records were acknowledged.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.queue.Receive(ctx, p.maxMessages, p.waitSeconds)
	if err != nil {
		return 0, err
	}
	acked := 0
	for _, m := range msgs {
		correlationID := uuid.NewString()
		if err := p.dispatcher.Dispatch(ctx, correlationID, m.Body); err != nil {
			p.log.Debug("record left for redelivery",
				"correlation_id", correlationID, "queue_message_id", m.ID, "receive_count", m.ReceiveCount)
			continue
		}
		if err := p.queue.Delete(ctx, m.ReceiptHandle); err != nil {
			p.log.Error("delete failed", "correlation_id", correlationID, "queue_message_id", m.ID, "err", err)
			continue
		}
		acked++
	}
	return acked, nil
}
