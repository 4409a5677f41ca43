// Package replica stores one conversation record per participant and fans
// shared updates out to every copy.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"messaging-core/internal/domain"
	"messaging-core/internal/pagination"
)

const scopeKind = "conversations"

// ErrFanOutIncomplete wraps the error of an update whose writes were issued
// and at least one failed. The replicas may disagree until reconciled.
var ErrFanOutIncomplete = errors.New("replica: fan-out incomplete")

// Store is the persistence contract a replica backend must satisfy.
// ReplaceReplica overwrites an existing replica and fails NOT_FOUND when it
// is absent. ListReplicas returns at most q.Limit replicas owned by
// q.Partition with LastMessageTime > q.Since in (LastMessageTime DESC,
// ConversationID DESC) order, plus the cursor of the last one when more
// remain.
type Store interface {
	CreateReplica(ctx context.Context, r domain.ConversationReplica) error
	GetReplica(ctx context.Context, owner, conversationID string) (domain.ConversationReplica, error)
	ReplaceReplica(ctx context.Context, r domain.ConversationReplica) error
	DeleteReplica(ctx context.Context, owner, conversationID string) error
	ListReplicas(ctx context.Context, q pagination.Query) ([]domain.ConversationReplica, *pagination.Cursor, error)
}

type Replicas struct {
	store Store
	log   *slog.Logger
}

func New(store Store, log *slog.Logger) (*Replicas, error) {
	if store == nil {
		return nil, errors.New("replica: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Replicas{store: store, log: log}, nil
}

// CreateUserConversation persists a single participant's replica. It knows
// nothing about the other participants; callers create one per member.
func (s *Replicas) CreateUserConversation(ctx context.Context, r domain.ConversationReplica) error {
	if err := validateReplica(r); err != nil {
		return err
	}
	return s.store.CreateReplica(ctx, r)
}

func (s *Replicas) GetUserConversation(ctx context.Context, username, conversationID string) (domain.ConversationReplica, error) {
	if strings.TrimSpace(username) == "" {
		return domain.ConversationReplica{}, domain.InvalidArgument("blank_username")
	}
	if strings.TrimSpace(conversationID) == "" {
		return domain.ConversationReplica{}, domain.InvalidArgument("blank_conversation_id")
	}
	return s.store.GetReplica(ctx, username, conversationID)
}

// DeleteUserConversation removes one participant's replica and leaves the
// others untouched. Deleting an absent replica succeeds.
func (s *Replicas) DeleteUserConversation(ctx context.Context, r domain.ConversationReplica) error {
	if strings.TrimSpace(r.OwnerUsername) == "" {
		return domain.InvalidArgument("blank_owner_username")
	}
	if strings.TrimSpace(r.ConversationID) == "" {
		return domain.InvalidArgument("blank_conversation_id")
	}
	return s.store.DeleteReplica(ctx, r.OwnerUsername, r.ConversationID)
}

// UpdateConversationLastMessageTime sets LastMessageTime on every
// participant's replica. All replicas are read concurrently first; if any
// read fails nothing is written. The writes are then issued concurrently
// and a failed write does not stop or undo its siblings, so a write-phase
// error can leave the replicas disagreeing until they are reconciled.
func (s *Replicas) UpdateConversationLastMessageTime(ctx context.Context, anyReplica domain.ConversationReplica, newTime int64) error {
	if strings.TrimSpace(anyReplica.ConversationID) == "" {
		return domain.InvalidArgument("blank_conversation_id")
	}
	participants := domain.DistinctParticipants(anyReplica.Participants())

	replicas, err := s.readAll(ctx, anyReplica.ConversationID, participants)
	if err != nil {
		return err
	}

	var writes errgroup.Group
	for _, r := range replicas {
		r.LastMessageTime = newTime
		writes.Go(func() error {
			if err := s.store.ReplaceReplica(ctx, r); err != nil {
				s.log.Warn("fan-out write failed",
					"conversation_id", r.ConversationID, "participant", r.OwnerUsername,
					"code", domain.CodeOf(err), "err", err)
				return err
			}
			return nil
		})
	}
	if err := writes.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrFanOutIncomplete, err)
	}
	return nil
}

// GetConversations lists username's replicas active after
// lastSeenConversationTime, most recent first.
func (s *Replicas) GetConversations(ctx context.Context, username string, limit int, continuationToken string, lastSeenConversationTime int64) (domain.Page[domain.ConversationReplica], error) {
	if strings.TrimSpace(username) == "" {
		return domain.Page[domain.ConversationReplica]{}, domain.InvalidArgument("blank_username")
	}
	scope := pagination.Scope{Kind: scopeKind, Partition: username, Since: lastSeenConversationTime}
	after, err := pagination.Decode(scope, continuationToken)
	if err != nil {
		return domain.Page[domain.ConversationReplica]{}, err
	}
	items, next, err := s.store.ListReplicas(ctx, pagination.Query{
		Partition: username,
		Since:     lastSeenConversationTime,
		After:     after,
		Limit:     pagination.ClampLimit(limit),
	})
	if err != nil {
		return domain.Page[domain.ConversationReplica]{}, err
	}
	return domain.Page[domain.ConversationReplica]{
		Items:             items,
		ContinuationToken: pagination.NextToken(scope, next),
	}, nil
}

// readAll fetches every participant's replica concurrently. The first
// failure fails the batch; reads already issued still run to completion.
func (s *Replicas) readAll(ctx context.Context, conversationID string, participants []string) ([]domain.ConversationReplica, error) {
	out := make([]domain.ConversationReplica, len(participants))
	var reads errgroup.Group
	for i, username := range participants {
		reads.Go(func() error {
			r, err := s.store.GetReplica(ctx, username, conversationID)
			if err != nil {
				s.log.Warn("fan-out read failed",
					"conversation_id", conversationID, "participant", username,
					"code", domain.CodeOf(err), "err", err)
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := reads.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func validateReplica(r domain.ConversationReplica) error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return domain.InvalidArgument("blank_conversation_id")
	}
	if strings.TrimSpace(r.OwnerUsername) == "" {
		return domain.InvalidArgument("blank_owner_username")
	}
	if len(r.Recipients) == 0 {
		return domain.InvalidArgument("no_recipients")
	}
	for _, p := range r.Recipients {
		if strings.TrimSpace(p.Username) == "" {
			return domain.InvalidArgument("blank_recipient_username")
		}
		if p.Username == r.OwnerUsername {
			return domain.InvalidArgument("owner_listed_as_recipient")
		}
	}
	return nil
}
