package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"messaging-core/internal/domain"
	"messaging-core/internal/pagination"
	"messaging-core/internal/repository/memory"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(memory.New())
	require.NoError(t, err)
	return l
}

func message(id string, ts int64) domain.Message {
	return domain.Message{
		MessageID:       id,
		ConversationID:  "_Jad_Ronald",
		SenderUsername:  "Jad",
		Text:            "hello " + id,
		CreatedUnixTime: ts,
	}
}

func TestAddMessage_Validation(t *testing.T) {
	l := newLedger(t)
	cases := map[string]func(m *domain.Message){
		"blank_message_id":      func(m *domain.Message) { m.MessageID = "" },
		"blank_conversation_id": func(m *domain.Message) { m.ConversationID = " " },
		"blank_sender_username": func(m *domain.Message) { m.SenderUsername = "" },
		"blank_text":            func(m *domain.Message) { m.Text = "" },
		"missing_created_time":  func(m *domain.Message) { m.CreatedUnixTime = 0 },
	}
	for reason, mutate := range cases {
		t.Run(reason, func(t *testing.T) {
			m := message("m1", 10)
			mutate(&m)
			err := l.AddMessage(context.Background(), m)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
			require.Equal(t, reason, domain.ReasonOf(err))
		})
	}
}

func TestAddMessage_Duplicate(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.AddMessage(ctx, message("m1", 10)))
	require.ErrorIs(t, l.AddMessage(ctx, message("m1", 11)), domain.ErrAlreadyExists)

	got, err := l.GetMessage(ctx, "_Jad_Ronald", "m1")
	require.NoError(t, err)
	require.Equal(t, int64(10), got.CreatedUnixTime)
}

func TestDeleteMessage_Idempotent(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	m := message("m1", 10)
	require.NoError(t, l.AddMessage(ctx, m))

	require.NoError(t, l.DeleteMessage(ctx, m))
	require.NoError(t, l.DeleteMessage(ctx, m))
	_, err := l.GetMessage(ctx, m.ConversationID, m.MessageID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetMessages_WalksEveryPage(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	const total = 23
	for i := 0; i < total; i++ {
		require.NoError(t, l.AddMessage(ctx, message(fmt.Sprintf("m%02d", i), int64(100+i/2))))
	}

	var got []domain.Message
	token := ""
	pages := 0
	for {
		page, err := l.GetMessages(ctx, "_Jad_Ronald", 5, token, 0)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Items), 5)
		got = append(got, page.Items...)
		pages++
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}
	require.Len(t, got, total)
	require.Equal(t, 5, pages)

	seen := make(map[string]bool, total)
	for i, m := range got {
		require.False(t, seen[m.MessageID], "duplicate %s", m.MessageID)
		seen[m.MessageID] = true
		if i > 0 {
			prev := got[i-1]
			require.True(t, prev.CreatedUnixTime > m.CreatedUnixTime ||
				(prev.CreatedUnixTime == m.CreatedUnixTime && prev.MessageID > m.MessageID))
		}
	}
}

func TestGetMessages_LastSeenTime(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	for i, ts := range []int64{10, 20, 30} {
		require.NoError(t, l.AddMessage(ctx, message(fmt.Sprintf("m%d", i), ts)))
	}

	page, err := l.GetMessages(ctx, "_Jad_Ronald", 10, "", 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "m2", page.Items[0].MessageID)
	require.Empty(t, page.ContinuationToken)
}

func TestGetMessages_LimitIsClamped(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	for i := 0; i < pagination.MaxLimit+5; i++ {
		require.NoError(t, l.AddMessage(ctx, message(fmt.Sprintf("m%03d", i), int64(i+1))))
	}

	page, err := l.GetMessages(ctx, "_Jad_Ronald", 0, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, pagination.MinLimit)

	page, err = l.GetMessages(ctx, "_Jad_Ronald", 1000, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, pagination.MaxLimit)
	require.NotEmpty(t, page.ContinuationToken)
}

func TestGetMessages_RejectsForeignToken(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.AddMessage(ctx, message(fmt.Sprintf("m%d", i), int64(i+1))))
	}
	page, err := l.GetMessages(ctx, "_Jad_Ronald", 1, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, page.ContinuationToken)

	_, err = l.GetMessages(ctx, "_Jad_Sara", 1, page.ContinuationToken, 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = l.GetMessages(ctx, "_Jad_Ronald", 1, page.ContinuationToken, 2)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = l.GetMessages(ctx, "_Jad_Ronald", 1, "not-a-token", 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
