// Package ingest turns queue records into directory and orchestrator calls.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"messaging-core/internal/domain"
)

type Kind string

const (
	KindAddProfile        Kind = "add_profile"
	KindStartConversation Kind = "start_conversation"
	KindAddMessage        Kind = "add_message"
	KindReconcile         Kind = "reconcile"
)

// Envelope is the JSON body of one queue record. Exactly the payload named
// by Kind must be set.
type Envelope struct {
	Kind              Kind                      `json:"kind"`
	Profile           *ProfilePayload           `json:"profile,omitempty"`
	StartConversation *StartConversationPayload `json:"startConversation,omitempty"`
	Message           *MessagePayload           `json:"message,omitempty"`
	Reconcile         *ReconcilePayload         `json:"reconcile,omitempty"`
}

type ProfilePayload struct {
	Username         string `json:"username"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	ProfilePictureID string `json:"profilePictureId"`
}

type StartConversationPayload struct {
	MessageID       string   `json:"messageId"`
	SenderUsername  string   `json:"senderUsername"`
	Text            string   `json:"text"`
	CreatedUnixTime int64    `json:"createdUnixTime"`
	Participants    []string `json:"participants"`
}

type MessagePayload struct {
	MessageID       string `json:"messageId"`
	ConversationID  string `json:"conversationId"`
	SenderUsername  string `json:"senderUsername"`
	Text            string `json:"text"`
	CreatedUnixTime int64  `json:"createdUnixTime"`
}

type ReconcilePayload struct {
	ConversationID string   `json:"conversationId"`
	Participants   []string `json:"participants"`
}

// Decode parses and checks a record body. Every failure is
// INVALID_ARGUMENT: redelivering the same bytes cannot succeed.
func Decode(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, domain.NewError(domain.ErrorInvalidArgument, "malformed_envelope", err)
	}
	var present bool
	switch env.Kind {
	case KindAddProfile:
		present = env.Profile != nil
	case KindStartConversation:
		present = env.StartConversation != nil
	case KindAddMessage:
		present = env.Message != nil
	case KindReconcile:
		present = env.Reconcile != nil
	default:
		return Envelope{}, domain.NewError(domain.ErrorInvalidArgument, "unknown_envelope_kind",
			fmt.Errorf("kind %q", env.Kind))
	}
	if !present {
		return Envelope{}, domain.NewError(domain.ErrorInvalidArgument, "missing_payload",
			fmt.Errorf("kind %q", env.Kind))
	}
	return env, nil
}

func Encode(env Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("ingest: encode envelope: %w", err)
	}
	return string(b), nil
}

// Sender publishes one record body to a queue.
type Sender interface {
	Send(ctx context.Context, body string) (string, error)
}

// RepairPublisher schedules reconciliation by publishing a reconcile
// envelope.
type RepairPublisher struct {
	sender Sender
	log    *slog.Logger
}

func NewRepairPublisher(sender Sender, log *slog.Logger) (*RepairPublisher, error) {
	if sender == nil {
		return nil, errors.New("ingest: sender must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &RepairPublisher{sender: sender, log: log}, nil
}

func (p *RepairPublisher) ScheduleRepair(ctx context.Context, conversationID string, participants []string) error {
	if strings.TrimSpace(conversationID) == "" {
		return domain.InvalidArgument("blank_conversation_id")
	}
	body, err := Encode(Envelope{
		Kind:      KindReconcile,
		Reconcile: &ReconcilePayload{ConversationID: conversationID, Participants: participants},
	})
	if err != nil {
		return err
	}
	id, err := p.sender.Send(ctx, body)
	if err != nil {
		return domain.Unavailable("repair_enqueue_failed", err)
	}
	p.log.Info("repair scheduled", "conversation_id", conversationID, "queue_message_id", id)
	return nil
}
