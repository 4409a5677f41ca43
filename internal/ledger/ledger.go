// Package ledger is the append-only, per-conversation message sequence.
package ledger

import (
	"context"
	"errors"
	"strings"

	"messaging-core/internal/domain"
	"messaging-core/internal/pagination"
)

const scopeKind = "messages"

// Store is the persistence contract a ledger backend must satisfy.
// ListMessages returns at most q.Limit messages of q.Partition with
// CreatedUnixTime > q.Since in (CreatedUnixTime DESC, MessageID DESC)
// order, plus the cursor of the last one when more remain.
type Store interface {
	CreateMessage(ctx context.Context, m domain.Message) error
	GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	ListMessages(ctx context.Context, q pagination.Query) ([]domain.Message, *pagination.Cursor, error)
}

type Ledger struct {
	store Store
}

func New(store Store) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store must not be nil")
	}
	return &Ledger{store: store}, nil
}

// AddMessage appends m. A second append of the same (conversation, message
// id) fails with ALREADY_EXISTS.
func (l *Ledger) AddMessage(ctx context.Context, m domain.Message) error {
	if err := ValidateMessage(m); err != nil {
		return err
	}
	return l.store.CreateMessage(ctx, m)
}

func (l *Ledger) GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.Message{}, domain.InvalidArgument("blank_conversation_id")
	}
	if strings.TrimSpace(messageID) == "" {
		return domain.Message{}, domain.InvalidArgument("blank_message_id")
	}
	return l.store.GetMessage(ctx, conversationID, messageID)
}

// DeleteMessage removes m. Deleting an absent message succeeds.
func (l *Ledger) DeleteMessage(ctx context.Context, m domain.Message) error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return domain.InvalidArgument("blank_conversation_id")
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return domain.InvalidArgument("blank_message_id")
	}
	return l.store.DeleteMessage(ctx, m.ConversationID, m.MessageID)
}

// GetMessages lists messages newer than lastSeenTime, newest first.
func (l *Ledger) GetMessages(ctx context.Context, conversationID string, limit int, continuationToken string, lastSeenTime int64) (domain.Page[domain.Message], error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.Page[domain.Message]{}, domain.InvalidArgument("blank_conversation_id")
	}
	scope := pagination.Scope{Kind: scopeKind, Partition: conversationID, Since: lastSeenTime}
	after, err := pagination.Decode(scope, continuationToken)
	if err != nil {
		return domain.Page[domain.Message]{}, err
	}
	items, next, err := l.store.ListMessages(ctx, pagination.Query{
		Partition: conversationID,
		Since:     lastSeenTime,
		After:     after,
		Limit:     pagination.ClampLimit(limit),
	})
	if err != nil {
		return domain.Page[domain.Message]{}, err
	}
	return domain.Page[domain.Message]{
		Items:             items,
		ContinuationToken: pagination.NextToken(scope, next),
	}, nil
}

// ValidateMessage checks every required message field.
func ValidateMessage(m domain.Message) error {
	switch {
	case strings.TrimSpace(m.MessageID) == "":
		return domain.InvalidArgument("blank_message_id")
	case strings.TrimSpace(m.ConversationID) == "":
		return domain.InvalidArgument("blank_conversation_id")
	case strings.TrimSpace(m.SenderUsername) == "":
		return domain.InvalidArgument("blank_sender_username")
	case strings.TrimSpace(m.Text) == "":
		return domain.InvalidArgument("blank_text")
	case m.CreatedUnixTime <= 0:
		return domain.InvalidArgument("missing_created_time")
	}
	return nil
}
