// Package sqlstore is the relational backend for profiles, messages and
// conversation replicas, built on gorm. Postgres is the production dialect;
// sqlite backs tests and single-node runs.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"messaging-core/internal/domain"
	"messaging-core/internal/pagination"
)

type profileRow struct {
	Username         string `gorm:"primaryKey"`
	FirstName        string `gorm:"not null"`
	LastName         string `gorm:"not null"`
	ProfilePictureID string `gorm:"not null"`
}

func (profileRow) TableName() string { return "profiles" }

type recipient struct {
	Username         string `json:"username"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	ProfilePictureID string `json:"profilePictureId"`
}

type replicaRow struct {
	OwnerUsername   string         `gorm:"primaryKey;index:idx_replicas_activity,priority:1"`
	ConversationID  string         `gorm:"primaryKey"`
	Recipients      datatypes.JSON `gorm:"not null"`
	LastMessageTime int64          `gorm:"not null;index:idx_replicas_activity,priority:2"`
}

func (replicaRow) TableName() string { return "conversation_replicas" }

type messageRow struct {
	ConversationID  string `gorm:"primaryKey;index:idx_messages_activity,priority:1"`
	MessageID       string `gorm:"primaryKey"`
	SenderUsername  string `gorm:"not null"`
	Text            string `gorm:"not null"`
	CreatedUnixTime int64  `gorm:"not null;index:idx_messages_activity,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

// Store implements the directory, ledger and replica stores on one database.
type Store struct {
	db *gorm.DB
}

// Open connects through the given dialector. Driver errors are translated
// so duplicate keys surface as gorm.ErrDuplicatedKey.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func OpenPostgres(dsn string) (*Store, error) {
	return Open(postgres.Open(dsn))
}

// OpenSQLite opens a sqlite file. sqlite allows a single writer, so the pool
// is pinned to one connection.
func OpenSQLite(path string) (*Store, error) {
	s, err := Open(sqlite.Open(path))
	if err != nil {
		return nil, err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

// Migrate creates or updates the three tables and their activity indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&profileRow{}, &replicaRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- profiles ----

func (s *Store) CreateProfile(ctx context.Context, p domain.Profile) error {
	row := profileRow{
		Username:         p.Username,
		FirstName:        p.FirstName,
		LastName:         p.LastName,
		ProfilePictureID: p.ProfilePictureID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translate("CreateProfile", "profile_exists", "", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, username string) (domain.Profile, error) {
	var row profileRow
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&row).Error; err != nil {
		return domain.Profile{}, translate("GetProfile", "", "profile_not_found", err)
	}
	return domain.Profile{
		Username:         row.Username,
		FirstName:        row.FirstName,
		LastName:         row.LastName,
		ProfilePictureID: row.ProfilePictureID,
	}, nil
}

func (s *Store) DeleteProfile(ctx context.Context, username string) error {
	if err := s.db.WithContext(ctx).Where("username = ?", username).Delete(&profileRow{}).Error; err != nil {
		return translate("DeleteProfile", "", "", err)
	}
	return nil
}

// ---- messages ----

func (s *Store) CreateMessage(ctx context.Context, m domain.Message) error {
	row := messageRow{
		ConversationID:  m.ConversationID,
		MessageID:       m.MessageID,
		SenderUsername:  m.SenderUsername,
		Text:            m.Text,
		CreatedUnixTime: m.CreatedUnixTime,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translate("CreateMessage", "message_exists", "", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND message_id = ?", conversationID, messageID).
		First(&row).Error
	if err != nil {
		return domain.Message{}, translate("GetMessage", "", "message_not_found", err)
	}
	return row.toDomain(), nil
}

func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND message_id = ?", conversationID, messageID).
		Delete(&messageRow{}).Error
	if err != nil {
		return translate("DeleteMessage", "", "", err)
	}
	return nil
}

// ListMessages reads one keyset page of a conversation ordered by
// (created_unix_time DESC, message_id DESC).
func (s *Store) ListMessages(ctx context.Context, q pagination.Query) ([]domain.Message, *pagination.Cursor, error) {
	tx := s.db.WithContext(ctx).
		Where("conversation_id = ? AND created_unix_time > ?", q.Partition, q.Since)
	if q.After != nil {
		tx = tx.Where("(created_unix_time < ? OR (created_unix_time = ? AND message_id < ?))",
			q.After.Sort, q.After.Sort, q.After.Key)
	}
	var rows []messageRow
	err := tx.Order("created_unix_time DESC").Order("message_id DESC").
		Limit(q.Limit + 1).
		Find(&rows).Error
	if err != nil {
		return nil, nil, translate("ListMessages", "", "", err)
	}
	msgs := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toDomain())
	}
	items, next := pagination.Trim(msgs, q.Limit, func(m domain.Message) pagination.Cursor {
		return pagination.Cursor{Sort: m.CreatedUnixTime, Key: m.MessageID}
	})
	return items, next, nil
}

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		MessageID:       r.MessageID,
		ConversationID:  r.ConversationID,
		SenderUsername:  r.SenderUsername,
		Text:            r.Text,
		CreatedUnixTime: r.CreatedUnixTime,
	}
}

// ---- conversation replicas ----

func (s *Store) CreateReplica(ctx context.Context, r domain.ConversationReplica) error {
	row, err := newReplicaRow(r)
	if err != nil {
		return err
	}
	if err = s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return translate("CreateReplica", "replica_exists", "", err)
	}
	return nil
}

func (s *Store) GetReplica(ctx context.Context, owner, conversationID string) (domain.ConversationReplica, error) {
	var row replicaRow
	err := s.db.WithContext(ctx).
		Where("owner_username = ? AND conversation_id = ?", owner, conversationID).
		First(&row).Error
	if err != nil {
		return domain.ConversationReplica{}, translate("GetReplica", "", "replica_not_found", err)
	}
	return row.toDomain()
}

// ReplaceReplica overwrites the mutable columns of an existing replica and
// fails with NOT_FOUND when no row matched.
func (s *Store) ReplaceReplica(ctx context.Context, r domain.ConversationReplica) error {
	row, err := newReplicaRow(r)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&replicaRow{}).
		Where("owner_username = ? AND conversation_id = ?", r.OwnerUsername, r.ConversationID).
		Updates(map[string]any{
			"recipients":        row.Recipients,
			"last_message_time": row.LastMessageTime,
		})
	if res.Error != nil {
		return translate("ReplaceReplica", "", "replica_not_found", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NotFound("replica_not_found")
	}
	return nil
}

func (s *Store) DeleteReplica(ctx context.Context, owner, conversationID string) error {
	err := s.db.WithContext(ctx).
		Where("owner_username = ? AND conversation_id = ?", owner, conversationID).
		Delete(&replicaRow{}).Error
	if err != nil {
		return translate("DeleteReplica", "", "", err)
	}
	return nil
}

// ListReplicas reads one keyset page of a user's conversations ordered by
// (last_message_time DESC, conversation_id DESC).
func (s *Store) ListReplicas(ctx context.Context, q pagination.Query) ([]domain.ConversationReplica, *pagination.Cursor, error) {
	tx := s.db.WithContext(ctx).
		Where("owner_username = ? AND last_message_time > ?", q.Partition, q.Since)
	if q.After != nil {
		tx = tx.Where("(last_message_time < ? OR (last_message_time = ? AND conversation_id < ?))",
			q.After.Sort, q.After.Sort, q.After.Key)
	}
	var rows []replicaRow
	err := tx.Order("last_message_time DESC").Order("conversation_id DESC").
		Limit(q.Limit + 1).
		Find(&rows).Error
	if err != nil {
		return nil, nil, translate("ListReplicas", "", "", err)
	}
	replicas := make([]domain.ConversationReplica, 0, len(rows))
	for _, r := range rows {
		replica, err := r.toDomain()
		if err != nil {
			return nil, nil, err
		}
		replicas = append(replicas, replica)
	}
	items, next := pagination.Trim(replicas, q.Limit, func(r domain.ConversationReplica) pagination.Cursor {
		return pagination.Cursor{Sort: r.LastMessageTime, Key: r.ConversationID}
	})
	return items, next, nil
}

func newReplicaRow(r domain.ConversationReplica) (replicaRow, error) {
	recipients := make([]recipient, 0, len(r.Recipients))
	for _, p := range r.Recipients {
		recipients = append(recipients, recipient{
			Username:         p.Username,
			FirstName:        p.FirstName,
			LastName:         p.LastName,
			ProfilePictureID: p.ProfilePictureID,
		})
	}
	raw, err := json.Marshal(recipients)
	if err != nil {
		return replicaRow{}, fmt.Errorf("sqlstore: encode recipients: %w", err)
	}
	return replicaRow{
		OwnerUsername:   r.OwnerUsername,
		ConversationID:  r.ConversationID,
		Recipients:      datatypes.JSON(raw),
		LastMessageTime: r.LastMessageTime,
	}, nil
}

func (r replicaRow) toDomain() (domain.ConversationReplica, error) {
	var stored []recipient
	if err := json.Unmarshal(r.Recipients, &stored); err != nil {
		return domain.ConversationReplica{}, domain.Unavailable("sql_decode",
			fmt.Errorf("sqlstore: decode recipients of %s/%s: %w", r.OwnerUsername, r.ConversationID, err))
	}
	recipients := make([]domain.Profile, 0, len(stored))
	for _, p := range stored {
		recipients = append(recipients, domain.Profile{
			Username:         p.Username,
			FirstName:        p.FirstName,
			LastName:         p.LastName,
			ProfilePictureID: p.ProfilePictureID,
		})
	}
	return domain.ConversationReplica{
		ConversationID:  r.ConversationID,
		OwnerUsername:   r.OwnerUsername,
		Recipients:      recipients,
		LastMessageTime: r.LastMessageTime,
	}, nil
}

// translate maps gorm errors onto the domain taxonomy. Anything that is not
// a key conflict or a missing row is reported as UNAVAILABLE.
func translate(op, existsReason, missingReason string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey) && existsReason != "":
		return domain.AlreadyExists(existsReason)
	case errors.Is(err, gorm.ErrRecordNotFound) && missingReason != "":
		return domain.NotFound(missingReason)
	default:
		return domain.Unavailable("sql_unavailable", fmt.Errorf("sqlstore: %s: %w", op, err))
	}
}
