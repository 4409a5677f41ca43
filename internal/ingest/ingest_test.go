package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/directory"
	"messaging-core/internal/domain"
	"messaging-core/internal/integrations/queue"
	"messaging-core/internal/ledger"
	"messaging-core/internal/replica"
	"messaging-core/internal/repository/memory"
	"messaging-core/internal/usecase"
)

// onceFailingStore fails the next message append with failNext, then
// behaves like the memory store.
type onceFailingStore struct {
	*memory.Store
	mu       sync.Mutex
	failNext error
}

func (s *onceFailingStore) CreateMessage(ctx context.Context, m domain.Message) error {
	s.mu.Lock()
	err := s.failNext
	s.failNext = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.CreateMessage(ctx, m)
}

type stack struct {
	dispatcher *Dispatcher
	replicas   *replica.Replicas
	ledger     *ledger.Ledger
	store      *onceFailingStore
	reg        *prometheus.Registry
}

func newStack(t *testing.T) *stack {
	t.Helper()
	store := &onceFailingStore{Store: memory.New()}
	dir, err := directory.New(store)
	require.NoError(t, err)
	replicas, err := replica.New(store, nil)
	require.NoError(t, err)
	l, err := ledger.New(store)
	require.NoError(t, err)
	svc, err := usecase.NewConversationService(dir, replicas, l)
	require.NoError(t, err)
	rc, err := replica.NewReconciler(replicas, l)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	d, err := NewDispatcher(dir, svc, rc, WithRegisterer(reg))
	require.NoError(t, err)
	return &stack{dispatcher: d, replicas: replicas, ledger: l, store: store, reg: reg}
}

func profileBody(u string) string {
	return `{"kind":"add_profile","profile":{"username":"` + u + `","firstName":"` + u + `","lastName":"Doe","profilePictureId":"pic"}}`
}

const startBody = `{"kind":"start_conversation","startConversation":{"messageId":"m1","senderUsername":"Ronald","text":"hi","createdUnixTime":100,"participants":["Ronald","Jad"]}}`

func TestDecode(t *testing.T) {
	_, err := Decode("not json")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Equal(t, "malformed_envelope", domain.ReasonOf(err))

	_, err = Decode(`{"kind":"launch_rocket"}`)
	require.Equal(t, "unknown_envelope_kind", domain.ReasonOf(err))

	_, err = Decode(`{"kind":"add_message"}`)
	require.Equal(t, "missing_payload", domain.ReasonOf(err))

	env, err := Decode(startBody)
	require.NoError(t, err)
	require.Equal(t, KindStartConversation, env.Kind)
	require.Equal(t, []string{"Ronald", "Jad"}, env.StartConversation.Participants)
}

func TestDispatch_EndToEnd(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	require.NoError(t, s.dispatcher.Dispatch(ctx, "c1", profileBody("Ronald")))
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c2", profileBody("Jad")))
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c3", startBody))
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c4",
		`{"kind":"add_message","message":{"messageId":"m2","conversationId":"_Jad_Ronald","senderUsername":"Jad","text":"yo","createdUnixTime":200}}`))

	r, err := s.replicas.GetUserConversation(ctx, "Ronald", "_Jad_Ronald")
	require.NoError(t, err)
	require.Equal(t, int64(200), r.LastMessageTime)

	page, err := s.ledger.GetMessages(ctx, "_Jad_Ronald", 10, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
}

func TestDispatch_DuplicateIsAcknowledged(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c1", profileBody("Ronald")))
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c2", profileBody("Ronald")))

	require.Equal(t, 1.0, testutil.ToFloat64(s.dispatcher.envelopes.WithLabelValues("add_profile", outcomeDuplicate)))
}

func TestDispatch_RedeliveredStartAppendsLostFirstMessage(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c1", profileBody("Ronald")))
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c2", profileBody("Jad")))

	s.store.failNext = domain.Unavailable("down", errors.New("down"))
	err := s.dispatcher.Dispatch(ctx, "c3", startBody)
	require.ErrorIs(t, err, domain.ErrUnavailable)

	require.NoError(t, s.dispatcher.Dispatch(ctx, "c3", startBody))
	m, err := s.ledger.GetMessage(ctx, "_Jad_Ronald", "m1")
	require.NoError(t, err)
	require.Equal(t, "hi", m.Text)
	require.Equal(t, 1.0, testutil.ToFloat64(s.dispatcher.envelopes.WithLabelValues("start_conversation", outcomeApplied)))

	require.NoError(t, s.dispatcher.Dispatch(ctx, "c3", startBody))
	require.Equal(t, 1.0, testutil.ToFloat64(s.dispatcher.envelopes.WithLabelValues("start_conversation", outcomeDuplicate)))
}

func TestDispatch_FailuresWithholdAck(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	err := s.dispatcher.Dispatch(ctx, "c1", `{"kind":"add_profile","profile":{"username":""}}`)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = s.dispatcher.Dispatch(ctx, "c2",
		`{"kind":"add_message","message":{"messageId":"m1","conversationId":"_a_b","senderUsername":"a","text":"x","createdUnixTime":1}}`)
	require.ErrorIs(t, err, usecase.ErrConversationNotFound)

	require.Equal(t, 1.0, testutil.ToFloat64(s.dispatcher.envelopes.WithLabelValues("add_profile", outcomeRejected)))
	require.Equal(t, 1.0, testutil.ToFloat64(s.dispatcher.envelopes.WithLabelValues("add_message", outcomeRetry)))
}

func TestDispatch_Reconcile(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c1", profileBody("Ronald")))
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c2", profileBody("Jad")))
	require.NoError(t, s.dispatcher.Dispatch(ctx, "c3", startBody))

	r, err := s.replicas.GetUserConversation(ctx, "Jad", "_Jad_Ronald")
	require.NoError(t, err)
	require.NoError(t, s.replicas.UpdateConversationLastMessageTime(ctx, r, 5))

	require.NoError(t, s.dispatcher.Dispatch(ctx, "c4",
		`{"kind":"reconcile","reconcile":{"conversationId":"_Jad_Ronald","participants":["Jad","Ronald"]}}`))
	r, err = s.replicas.GetUserConversation(ctx, "Jad", "_Jad_Ronald")
	require.NoError(t, err)
	require.Equal(t, int64(100), r.LastMessageTime)
}

type fakeSender struct {
	bodies []string
	err    error
}

func (f *fakeSender) Send(_ context.Context, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.bodies = append(f.bodies, body)
	return "q-1", nil
}

func TestRepairPublisher(t *testing.T) {
	sender := &fakeSender{}
	p, err := NewRepairPublisher(sender, nil)
	require.NoError(t, err)

	require.NoError(t, p.ScheduleRepair(context.Background(), "_a_b", []string{"a", "b"}))
	require.Len(t, sender.bodies, 1)
	env, err := Decode(sender.bodies[0])
	require.NoError(t, err)
	require.Equal(t, KindReconcile, env.Kind)
	require.Equal(t, &ReconcilePayload{ConversationID: "_a_b", Participants: []string{"a", "b"}}, env.Reconcile)

	sender.err = errors.New("offline")
	require.ErrorIs(t, p.ScheduleRepair(context.Background(), "_a_b", nil), domain.ErrUnavailable)
}

type fakeReceiver struct {
	mu       sync.Mutex
	batches  [][]queue.Message
	err      error
	deleted  []string
	receives int
}

func (f *fakeReceiver) Receive(ctx context.Context, _, _ int32) ([]queue.Message, error) {
	f.mu.Lock()
	f.receives++
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	if len(f.batches) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	f.mu.Unlock()
	return b, nil
}

func (f *fakeReceiver) Delete(_ context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func TestPollOnce_DeletesOnlyAcknowledged(t *testing.T) {
	s := newStack(t)
	q := &fakeReceiver{batches: [][]queue.Message{{
		{ID: "1", Body: profileBody("Ronald"), ReceiptHandle: "rh-1"},
		{ID: "2", Body: "garbage", ReceiptHandle: "rh-2"},
		{ID: "3", Body: profileBody("Ronald"), ReceiptHandle: "rh-3"},
	}}}
	p, err := NewPoller(q, s.dispatcher)
	require.NoError(t, err)

	acked, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, acked)
	require.Equal(t, []string{"rh-1", "rh-3"}, q.deleted)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newStack(t)
	q := &fakeReceiver{batches: [][]queue.Message{{
		{ID: "1", Body: profileBody("Jad"), ReceiptHandle: "rh-1"},
	}}}
	p, err := NewPoller(q, s.dispatcher, WithBackoff(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.deleted) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestRun_BacksOffOnReceiveError(t *testing.T) {
	s := newStack(t)
	q := &fakeReceiver{err: errors.New("throttled")}
	p, err := NewPoller(q, s.dispatcher, WithBackoff(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Greater(t, q.receives, 1)
}
