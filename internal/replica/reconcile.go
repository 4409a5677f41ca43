package replica

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"messaging-core/internal/domain"
)

// MessageLister is the slice of the message ledger the reconciler reads to
// find a conversation's newest message.
type MessageLister interface {
	GetMessages(ctx context.Context, conversationID string, limit int, continuationToken string, lastSeenTime int64) (domain.Page[domain.Message], error)
}

// Report describes the replicas of one conversation as the reconciler saw
// them.
type Report struct {
	ConversationID string
	Present        []string
	Missing        []string
	// Diverged lists present owners whose participant set or
	// LastMessageTime disagrees with the rest.
	Diverged []string
	// Target is the LastMessageTime every present replica should carry.
	Target   int64
	Repaired []string
}

// Reconciler detects and repairs replicas left disagreeing by a partial
// fan-out. It never recreates a missing replica: replicas are deleted per
// participant and a missing one may be intentional.
type Reconciler struct {
	replicas *Replicas
	messages MessageLister
}

func NewReconciler(replicas *Replicas, messages MessageLister) (*Reconciler, error) {
	if replicas == nil {
		return nil, errors.New("replica: replicas must not be nil")
	}
	if messages == nil {
		return nil, errors.New("replica: message lister must not be nil")
	}
	return &Reconciler{replicas: replicas, messages: messages}, nil
}

// Verify returns INTERNAL_INCONSISTENCY when the present replicas of a
// conversation disagree. Missing replicas are only reported.
func (rc *Reconciler) Verify(ctx context.Context, conversationID string, participants []string) (Report, error) {
	rep, _, err := rc.inspect(ctx, conversationID, participants)
	if err != nil {
		return rep, err
	}
	if len(rep.Diverged) > 0 {
		return rep, domain.NewError(domain.ErrorInternalInconsistency, "replicas_diverged",
			fmt.Errorf("conversation %s: replicas of %s disagree", conversationID, strings.Join(rep.Diverged, ",")))
	}
	return rep, nil
}

// Repair converges every present replica on the newest of their
// LastMessageTime values and the newest ledger message.
func (rc *Reconciler) Repair(ctx context.Context, conversationID string, participants []string) (Report, error) {
	rep, present, err := rc.inspect(ctx, conversationID, participants)
	if err != nil {
		return rep, err
	}

	page, err := rc.messages.GetMessages(ctx, conversationID, 1, "", 0)
	if err != nil {
		return rep, err
	}
	if len(page.Items) > 0 && page.Items[0].CreatedUnixTime > rep.Target {
		rep.Target = page.Items[0].CreatedUnixTime
	}

	var (
		mu     sync.Mutex
		writes errgroup.Group
	)
	for _, r := range present {
		if r.LastMessageTime == rep.Target {
			continue
		}
		r.LastMessageTime = rep.Target
		writes.Go(func() error {
			if err := rc.replicas.store.ReplaceReplica(ctx, r); err != nil {
				return err
			}
			mu.Lock()
			rep.Repaired = append(rep.Repaired, r.OwnerUsername)
			mu.Unlock()
			return nil
		})
	}
	err = writes.Wait()
	slices.Sort(rep.Repaired)
	if err != nil {
		return rep, err
	}
	rc.replicas.log.Info("conversation reconciled",
		"conversation_id", conversationID, "target", rep.Target,
		"repaired", rep.Repaired, "missing", rep.Missing)
	return rep, nil
}

func (rc *Reconciler) inspect(ctx context.Context, conversationID string, participants []string) (Report, []domain.ConversationReplica, error) {
	rep := Report{ConversationID: conversationID}
	members := domain.DistinctParticipants(participants)
	if strings.TrimSpace(conversationID) == "" {
		return rep, nil, domain.InvalidArgument("blank_conversation_id")
	}
	if len(members) < 2 {
		return rep, nil, domain.InvalidArgument("too_few_participants")
	}
	if domain.ConversationID(members) != conversationID {
		return rep, nil, domain.InvalidArgument("participants_do_not_match_conversation")
	}

	found := make([]*domain.ConversationReplica, len(members))
	var reads errgroup.Group
	for i, username := range members {
		reads.Go(func() error {
			r, err := rc.replicas.store.GetReplica(ctx, username, conversationID)
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = &r
			return nil
		})
	}
	if err := reads.Wait(); err != nil {
		return rep, nil, err
	}

	var present []domain.ConversationReplica
	for i, r := range found {
		if r == nil {
			rep.Missing = append(rep.Missing, members[i])
			continue
		}
		rep.Present = append(rep.Present, members[i])
		present = append(present, *r)
		if r.LastMessageTime > rep.Target {
			rep.Target = r.LastMessageTime
		}
	}
	for _, r := range present {
		if r.LastMessageTime != rep.Target || !slices.Equal(domain.DistinctParticipants(r.Participants()), members) {
			rep.Diverged = append(rep.Diverged, r.OwnerUsername)
		}
	}
	return rep, present, nil
}
