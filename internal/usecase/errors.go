package usecase

import "messaging-core/internal/domain"

// Reasons the orchestrator substitutes for raw store errors. Codes stay
// within the domain taxonomy so callers can branch on either.
const (
	ReasonProfileNotFound           = "profile_not_found"
	ReasonConversationNotFound      = "conversation_not_found"
	ReasonConversationAlreadyExists = "conversation_already_exists"
	ReasonMessageAlreadyExists      = "message_already_exists"
	ReasonTooFewParticipants        = "too_few_participants"
	ReasonSenderNotParticipant      = "sender_not_participant"
)

var (
	ErrProfileNotFound           = &domain.Error{Code: domain.ErrorNotFound, Reason: ReasonProfileNotFound}
	ErrConversationNotFound      = &domain.Error{Code: domain.ErrorNotFound, Reason: ReasonConversationNotFound}
	ErrConversationAlreadyExists = &domain.Error{Code: domain.ErrorAlreadyExists, Reason: ReasonConversationAlreadyExists}
	ErrMessageAlreadyExists      = &domain.Error{Code: domain.ErrorAlreadyExists, Reason: ReasonMessageAlreadyExists}
)

func newError(code domain.ErrorCode, reason string, err error) *domain.Error {
	return domain.NewError(code, reason, err)
}
