package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"messaging-core/internal/domain"
	"messaging-core/internal/replica"
	"messaging-core/internal/usecase"
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeRetry     = "retry"
)

type ProfileAdder interface {
	AddProfile(ctx context.Context, p domain.Profile) error
}

type Orchestrator interface {
	StartConversation(ctx context.Context, in usecase.StartConversationInput) (string, error)
	AddMessage(ctx context.Context, m domain.Message) error
}

type Repairer interface {
	Repair(ctx context.Context, conversationID string, participants []string) (replica.Report, error)
}

// Dispatcher applies one envelope at a time. Dispatch returning nil means the
// record may be acknowledged.
type Dispatcher struct {
	profiles      ProfileAdder
	conversations Orchestrator
	repairer      Repairer
	log           *slog.Logger
	reg           prometheus.Registerer
	envelopes     *prometheus.CounterVec
}

type DispatcherOption func(*Dispatcher)

func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithRegisterer registers the dispatcher's counters on reg.
func WithRegisterer(reg prometheus.Registerer) DispatcherOption {
	return func(d *Dispatcher) { d.reg = reg }
}

func NewDispatcher(p ProfileAdder, o Orchestrator, r Repairer, opts ...DispatcherOption) (*Dispatcher, error) {
	if p == nil {
		return nil, errors.New("ingest: profile adder must not be nil")
	}
	if o == nil {
		return nil, errors.New("ingest: orchestrator must not be nil")
	}
	if r == nil {
		return nil, errors.New("ingest: repairer must not be nil")
	}
	d := &Dispatcher{profiles: p, conversations: o, repairer: r, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.envelopes = promauto.With(d.reg).NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_ingest_envelopes_total",
		Help: "Queue envelopes processed, by kind and outcome.",
	}, []string{"kind", "outcome"})
	return d, nil
}

// Dispatch decodes body and applies it. ALREADY_EXISTS is treated as a
// duplicate delivery and acknowledged; every other error is returned so the
// record is redelivered or, once the queue gives up, dead-lettered.
func (d *Dispatcher) Dispatch(ctx context.Context, correlationID, body string) error {
	log := d.log.With("correlation_id", correlationID)

	env, err := Decode(body)
	if err != nil {
		d.envelopes.WithLabelValues("unknown", outcomeRejected).Inc()
		log.Warn("envelope rejected", "reason", domain.ReasonOf(err), "err", err)
		return err
	}

	err = d.apply(ctx, env)
	outcome := outcomeOf(err)
	d.envelopes.WithLabelValues(string(env.Kind), outcome).Inc()
	switch outcome {
	case outcomeApplied:
		log.Info("envelope applied", "kind", env.Kind)
		return nil
	case outcomeDuplicate:
		log.Info("duplicate envelope acknowledged", "kind", env.Kind, "reason", domain.ReasonOf(err))
		return nil
	default:
		log.Warn("envelope not applied", "kind", env.Kind, "outcome", outcome,
			"code", domain.CodeOf(err), "reason", domain.ReasonOf(err), "err", err)
		return err
	}
}

func (d *Dispatcher) apply(ctx context.Context, env Envelope) error {
	switch env.Kind {
	case KindAddProfile:
		p := env.Profile
		return d.profiles.AddProfile(ctx, domain.Profile{
			Username:         p.Username,
			FirstName:        p.FirstName,
			LastName:         p.LastName,
			ProfilePictureID: p.ProfilePictureID,
		})
	case KindStartConversation:
		s := env.StartConversation
		_, err := d.conversations.StartConversation(ctx, usecase.StartConversationInput{
			MessageID:       s.MessageID,
			SenderUsername:  s.SenderUsername,
			Text:            s.Text,
			CreatedUnixTime: s.CreatedUnixTime,
			Participants:    s.Participants,
		})
		return err
	case KindAddMessage:
		m := env.Message
		return d.conversations.AddMessage(ctx, domain.Message{
			MessageID:       m.MessageID,
			ConversationID:  m.ConversationID,
			SenderUsername:  m.SenderUsername,
			Text:            m.Text,
			CreatedUnixTime: m.CreatedUnixTime,
		})
	case KindReconcile:
		_, err := d.repairer.Repair(ctx, env.Reconcile.ConversationID, env.Reconcile.Participants)
		return err
	}
	return domain.InvalidArgument("unknown_envelope_kind")
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeApplied
	case errors.Is(err, domain.ErrAlreadyExists):
		return outcomeDuplicate
	case errors.Is(err, domain.ErrInvalidArgument):
		return outcomeRejected
	default:
		return outcomeRetry
	}
}
