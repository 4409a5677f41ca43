package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"messaging-core/internal/domain"
	"messaging-core/internal/ledger"
	"messaging-core/internal/replica"
)

type ProfileGetter interface {
	GetProfile(ctx context.Context, username string) (domain.Profile, error)
}

type ConversationStore interface {
	CreateUserConversation(ctx context.Context, r domain.ConversationReplica) error
	GetUserConversation(ctx context.Context, username, conversationID string) (domain.ConversationReplica, error)
	UpdateConversationLastMessageTime(ctx context.Context, anyReplica domain.ConversationReplica, newTime int64) error
	GetConversations(ctx context.Context, username string, limit int, continuationToken string, lastSeenConversationTime int64) (domain.Page[domain.ConversationReplica], error)
}

type MessageStore interface {
	AddMessage(ctx context.Context, m domain.Message) error
	GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error)
	GetMessages(ctx context.Context, conversationID string, limit int, continuationToken string, lastSeenTime int64) (domain.Page[domain.Message], error)
}

// RepairScheduler records that a conversation's replicas may disagree so a
// reconciliation pass can converge them later.
type RepairScheduler interface {
	ScheduleRepair(ctx context.Context, conversationID string, participants []string) error
}

type ConversationService struct {
	profiles      ProfileGetter
	conversations ConversationStore
	messages      MessageStore
	repairs       RepairScheduler
	log           *slog.Logger
}

type Option func(*ConversationService)

func WithRepairScheduler(r RepairScheduler) Option {
	return func(s *ConversationService) { s.repairs = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ConversationService) {
		if l != nil {
			s.log = l
		}
	}
}

type StartConversationInput struct {
	MessageID       string
	SenderUsername  string
	Text            string
	CreatedUnixTime int64
	Participants    []string
}

func NewConversationService(p ProfileGetter, c ConversationStore, m MessageStore, opts ...Option) (*ConversationService, error) {
	if p == nil {
		return nil, errors.New("usecase: profile getter must not be nil")
	}
	if c == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	s := &ConversationService{
		profiles:      p,
		conversations: c,
		messages:      m,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StartConversation creates one replica per participant and appends the
// first message, returning the conversation id. Replicas created before a
// later step fails are not retracted. A retried start whose replicas all
// exist but whose first message never landed appends that message instead
// of failing ALREADY_EXISTS.
func (s *ConversationService) StartConversation(ctx context.Context, in StartConversationInput) (string, error) {
	participants := domain.DistinctParticipants(in.Participants)
	if len(participants) < 2 {
		return "", newError(domain.ErrorInvalidArgument, ReasonTooFewParticipants, nil)
	}
	sender := strings.TrimSpace(in.SenderUsername)
	if !slices.Contains(participants, sender) {
		return "", newError(domain.ErrorInvalidArgument, ReasonSenderNotParticipant, nil)
	}

	conversationID := domain.ConversationID(participants)
	first := domain.Message{
		MessageID:       in.MessageID,
		ConversationID:  conversationID,
		SenderUsername:  sender,
		Text:            in.Text,
		CreatedUnixTime: in.CreatedUnixTime,
	}
	if err := ledger.ValidateMessage(first); err != nil {
		return "", err
	}

	profiles, err := s.resolveProfiles(ctx, participants)
	if err != nil {
		return "", err
	}

	if err := s.createReplicas(ctx, conversationID, profiles, in.CreatedUnixTime); err != nil {
		if !errors.Is(err, ErrConversationAlreadyExists) {
			return "", err
		}
		unfinished, uerr := s.unfinishedStart(ctx, first)
		if uerr != nil {
			return "", uerr
		}
		if !unfinished {
			return "", err
		}
		s.log.Info("resuming conversation start",
			"conversation_id", conversationID, "message_id", first.MessageID)
	}

	if err := s.messages.AddMessage(ctx, first); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return "", newError(domain.ErrorAlreadyExists, ReasonMessageAlreadyExists, err)
		}
		return "", err
	}
	s.log.Info("conversation started", "conversation_id", conversationID, "participants", len(participants))
	return conversationID, nil
}

// AddMessage appends m to an existing conversation after fanning its
// timestamp out to every participant. The message is not appended when the
// fan-out fails.
func (s *ConversationService) AddMessage(ctx context.Context, m domain.Message) error {
	if err := ledger.ValidateMessage(m); err != nil {
		return err
	}
	own, err := s.conversations.GetUserConversation(ctx, m.SenderUsername, m.ConversationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return newError(domain.ErrorNotFound, ReasonConversationNotFound, err)
		}
		return err
	}

	if err := s.conversations.UpdateConversationLastMessageTime(ctx, own, m.CreatedUnixTime); err != nil {
		if errors.Is(err, replica.ErrFanOutIncomplete) {
			s.scheduleRepair(ctx, own.ConversationID, own.Participants(), err)
		}
		return err
	}

	if err := s.messages.AddMessage(ctx, m); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return newError(domain.ErrorAlreadyExists, ReasonMessageAlreadyExists, err)
		}
		return err
	}
	return nil
}

// ListConversations returns username's conversations, most recent first.
func (s *ConversationService) ListConversations(ctx context.Context, username string, limit int, continuationToken string, lastSeenConversationTime int64) (domain.Page[domain.ConversationReplica], error) {
	return s.conversations.GetConversations(ctx, username, limit, continuationToken, lastSeenConversationTime)
}

// ListMessages returns the message views of a conversation username takes
// part in, newest first.
func (s *ConversationService) ListMessages(ctx context.Context, username, conversationID string, limit int, continuationToken string, lastSeenTime int64) (domain.Page[domain.ConversationMessageView], error) {
	if _, err := s.conversations.GetUserConversation(ctx, username, conversationID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Page[domain.ConversationMessageView]{}, newError(domain.ErrorNotFound, ReasonConversationNotFound, err)
		}
		return domain.Page[domain.ConversationMessageView]{}, err
	}
	page, err := s.messages.GetMessages(ctx, conversationID, limit, continuationToken, lastSeenTime)
	if err != nil {
		return domain.Page[domain.ConversationMessageView]{}, err
	}
	views := make([]domain.ConversationMessageView, 0, len(page.Items))
	for _, m := range page.Items {
		views = append(views, m.View())
	}
	return domain.Page[domain.ConversationMessageView]{Items: views, ContinuationToken: page.ContinuationToken}, nil
}

// resolveProfiles loads every participant, in sorted username order, and
// names the first one missing.
func (s *ConversationService) resolveProfiles(ctx context.Context, participants []string) ([]domain.Profile, error) {
	profiles := make([]domain.Profile, 0, len(participants))
	for _, username := range participants {
		p, err := s.profiles.GetProfile(ctx, username)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, newError(domain.ErrorNotFound, ReasonProfileNotFound, fmt.Errorf("participant %q: %w", username, err))
			}
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (s *ConversationService) createReplicas(ctx context.Context, conversationID string, profiles []domain.Profile, createdAt int64) error {
	errs := make([]error, len(profiles))
	var g errgroup.Group
	for i, owner := range profiles {
		r := domain.ConversationReplica{
			ConversationID:  conversationID,
			OwnerUsername:   owner.Username,
			Recipients:      recipientsFor(owner.Username, profiles),
			LastMessageTime: createdAt,
		}
		g.Go(func() error {
			errs[i] = s.conversations.CreateUserConversation(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	var first, exists error
	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, domain.ErrAlreadyExists):
			if exists == nil {
				exists = err
			}
		case first == nil:
			first = err
		}
	}
	if created == len(profiles) {
		return nil
	}
	usernames := make([]string, len(profiles))
	for i, p := range profiles {
		usernames[i] = p.Username
	}
	if created > 0 {
		s.scheduleRepair(ctx, conversationID, usernames, errors.Join(exists, first))
	}
	// Any failure other than ALREADY_EXISTS is returned so the start is retried.
	if first != nil {
		return first
	}
	return newError(domain.ErrorAlreadyExists, ReasonConversationAlreadyExists, exists)
}

// unfinishedStart reports whether first belongs to an earlier attempt at the
// same start that created the replicas but never appended the message: the
// message is absent and the sender's replica is not older than it.
func (s *ConversationService) unfinishedStart(ctx context.Context, first domain.Message) (bool, error) {
	own, err := s.conversations.GetUserConversation(ctx, first.SenderUsername, first.ConversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if own.LastMessageTime < first.CreatedUnixTime {
		return false, nil
	}
	_, err = s.messages.GetMessage(ctx, first.ConversationID, first.MessageID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, domain.ErrNotFound):
		return true, nil
	default:
		return false, err
	}
}

func (s *ConversationService) scheduleRepair(ctx context.Context, conversationID string, participants []string, cause error) {
	s.log.Warn("fan-out incomplete",
		"conversation_id", conversationID, "code", domain.CodeOf(cause), "err", cause)
	if s.repairs == nil {
		return
	}
	if err := s.repairs.ScheduleRepair(ctx, conversationID, participants); err != nil {
		s.log.Error("schedule repair failed", "conversation_id", conversationID, "err", err)
	}
}

func recipientsFor(owner string, profiles []domain.Profile) []domain.Profile {
	out := make([]domain.Profile, 0, len(profiles)-1)
	for _, p := range profiles {
		if p.Username != owner {
			out = append(out, p)
		}
	}
	return out
}
