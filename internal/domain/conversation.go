package domain

import (
	"sort"
	"strings"
)

// ConversationIDSeparator prefixes every participant in a conversation id.
const ConversationIDSeparator = "_"

// Message is a single persisted conversation entry. MessageID is unique
// within its conversation.
type Message struct {
	MessageID       string
	ConversationID  string
	SenderUsername  string
	Text            string
	CreatedUnixTime int64
}

// ConversationReplica is one participant's copy of a conversation.
// Recipients holds the other participants, never the owner.
type ConversationReplica struct {
	ConversationID  string
	OwnerUsername   string
	Recipients      []Profile
	LastMessageTime int64
}

// Participants returns the owner followed by every recipient username.
func (r ConversationReplica) Participants() []string {
	out := make([]string, 0, len(r.Recipients)+1)
	out = append(out, r.OwnerUsername)
	for _, p := range r.Recipients {
		out = append(out, p.Username)
	}
	return out
}

// Page is one slice of a time-descending listing. An empty
// ContinuationToken means there are no further pages.
type Page[T any] struct {
	Items             []T
	ContinuationToken string
}

// DistinctParticipants trims, drops blanks and de-duplicates usernames,
// returning them sorted.
func DistinctParticipants(usernames []string) []string {
	seen := make(map[string]struct{}, len(usernames))
	out := make([]string, 0, len(usernames))
	for _, u := range usernames {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// ConversationID derives the conversation identifier from a participant set.
// The result does not depend on input order: ["Ronald","Jad"] and
// ["Jad","Ronald"] both yield "_Jad_Ronald".
func ConversationID(participants []string) string {
	var b strings.Builder
	for _, u := range DistinctParticipants(participants) {
		b.WriteString(ConversationIDSeparator)
		b.WriteString(u)
	}
	return b.String()
}
