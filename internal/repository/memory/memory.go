// Package memory is the in-process backend for profiles, messages and
// conversation replicas. It backs local runs and component tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"messaging-core/internal/domain"
	"messaging-core/internal/pagination"
)

type replicaKey struct {
	owner          string
	conversationID string
}

type messageKey struct {
	conversationID string
	messageID      string
}

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
	replicas map[replicaKey]domain.ConversationReplica
	messages map[messageKey]domain.Message
}

func New() *Store {
	return &Store{
		profiles: make(map[string]domain.Profile),
		replicas: make(map[replicaKey]domain.ConversationReplica),
		messages: make(map[messageKey]domain.Message),
	}
}

// ---- profiles ----

func (s *Store) CreateProfile(_ context.Context, p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.Username]; ok {
		return domain.AlreadyExists("profile_exists")
	}
	s.profiles[p.Username] = p
	return nil
}

func (s *Store) GetProfile(_ context.Context, username string) (domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[username]
	if !ok {
		return domain.Profile{}, domain.NotFound("profile_not_found")
	}
	return p, nil
}

func (s *Store) DeleteProfile(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, username)
	return nil
}

// ---- messages ----

func (s *Store) CreateMessage(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := messageKey{conversationID: m.ConversationID, messageID: m.MessageID}
	if _, ok := s.messages[k]; ok {
		return domain.AlreadyExists("message_exists")
	}
	s.messages[k] = m
	return nil
}

func (s *Store) GetMessage(_ context.Context, conversationID, messageID string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageKey{conversationID: conversationID, messageID: messageID}]
	if !ok {
		return domain.Message{}, domain.NotFound("message_not_found")
	}
	return m, nil
}

func (s *Store) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageKey{conversationID: conversationID, messageID: messageID})
	return nil
}

func (s *Store) ListMessages(_ context.Context, q pagination.Query) ([]domain.Message, *pagination.Cursor, error) {
	s.mu.RLock()
	var out []domain.Message
	for k, m := range s.messages {
		if k.conversationID != q.Partition || m.CreatedUnixTime <= q.Since {
			continue
		}
		if !pagination.After(q.After, m.CreatedUnixTime, m.MessageID) {
			continue
		}
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedUnixTime != out[j].CreatedUnixTime {
			return out[i].CreatedUnixTime > out[j].CreatedUnixTime
		}
		return out[i].MessageID > out[j].MessageID
	})
	if len(out) > q.Limit+1 {
		out = out[:q.Limit+1]
	}
	items, next := pagination.Trim(out, q.Limit, messageCursor)
	return items, next, nil
}

func messageCursor(m domain.Message) pagination.Cursor {
	return pagination.Cursor{Sort: m.CreatedUnixTime, Key: m.MessageID}
}

// ---- conversation replicas ----

func (s *Store) CreateReplica(_ context.Context, r domain.ConversationReplica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := replicaKey{owner: r.OwnerUsername, conversationID: r.ConversationID}
	if _, ok := s.replicas[k]; ok {
		return domain.AlreadyExists("replica_exists")
	}
	s.replicas[k] = cloneReplica(r)
	return nil
}

func (s *Store) GetReplica(_ context.Context, owner, conversationID string) (domain.ConversationReplica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.replicas[replicaKey{owner: owner, conversationID: conversationID}]
	if !ok {
		return domain.ConversationReplica{}, domain.NotFound("replica_not_found")
	}
	return cloneReplica(r), nil
}

func (s *Store) ReplaceReplica(_ context.Context, r domain.ConversationReplica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := replicaKey{owner: r.OwnerUsername, conversationID: r.ConversationID}
	if _, ok := s.replicas[k]; !ok {
		return domain.NotFound("replica_not_found")
	}
	s.replicas[k] = cloneReplica(r)
	return nil
}

func (s *Store) DeleteReplica(_ context.Context, owner, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, replicaKey{owner: owner, conversationID: conversationID})
	return nil
}

func (s *Store) ListReplicas(_ context.Context, q pagination.Query) ([]domain.ConversationReplica, *pagination.Cursor, error) {
	s.mu.RLock()
	var out []domain.ConversationReplica
	for k, r := range s.replicas {
		if k.owner != q.Partition || r.LastMessageTime <= q.Since {
			continue
		}
		if !pagination.After(q.After, r.LastMessageTime, r.ConversationID) {
			continue
		}
		out = append(out, cloneReplica(r))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTime != out[j].LastMessageTime {
			return out[i].LastMessageTime > out[j].LastMessageTime
		}
		return out[i].ConversationID > out[j].ConversationID
	})
	if len(out) > q.Limit+1 {
		out = out[:q.Limit+1]
	}
	items, next := pagination.Trim(out, q.Limit, replicaCursor)
	return items, next, nil
}

func replicaCursor(r domain.ConversationReplica) pagination.Cursor {
	return pagination.Cursor{Sort: r.LastMessageTime, Key: r.ConversationID}
}

func cloneReplica(r domain.ConversationReplica) domain.ConversationReplica {
	r.Recipients = slices.Clone(r.Recipients)
	return r
}
