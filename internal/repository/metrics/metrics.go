// Package metrics decorates a storage backend with prometheus
// instrumentation.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"messaging-core/internal/directory"
	"messaging-core/internal/domain"
	"messaging-core/internal/ledger"
	"messaging-core/internal/pagination"
	"messaging-core/internal/replica"
)

// Backend is the full store surface a single backend provides.
type Backend interface {
	directory.Store
	ledger.Store
	replica.Store
}

// Collectors holds the store metrics registered on one registerer.
type Collectors struct {
	latency *prometheus.HistogramVec
	errors  *prometheus.CounterVec
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "messaging_store_operation_duration_seconds",
			Help:    "Latency of storage backend operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "messaging_store_errors_total",
			Help: "Storage backend operations that returned an error, by error code.",
		}, []string{"backend", "operation", "code"}),
	}
}

// Wrap returns a Backend that records latency and error codes for every
// operation of inner.
func Wrap(inner Backend, name string, c *Collectors) Backend {
	return &metricsStore{inner: inner, name: name, c: c}
}

type metricsStore struct {
	inner Backend
	name  string
	c     *Collectors
}

func (m *metricsStore) observe(op string, start time.Time, err error) {
	m.c.latency.WithLabelValues(m.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		code := string(domain.CodeOf(err))
		if code == "" {
			code = "UNKNOWN"
		}
		m.c.errors.WithLabelValues(m.name, op, code).Inc()
	}
}

func (m *metricsStore) CreateProfile(ctx context.Context, p domain.Profile) (err error) {
	defer func(start time.Time) { m.observe("create_profile", start, err) }(time.Now())
	return m.inner.CreateProfile(ctx, p)
}

func (m *metricsStore) GetProfile(ctx context.Context, username string) (p domain.Profile, err error) {
	defer func(start time.Time) { m.observe("get_profile", start, err) }(time.Now())
	return m.inner.GetProfile(ctx, username)
}

func (m *metricsStore) DeleteProfile(ctx context.Context, username string) (err error) {
	defer func(start time.Time) { m.observe("delete_profile", start, err) }(time.Now())
	return m.inner.DeleteProfile(ctx, username)
}

func (m *metricsStore) CreateMessage(ctx context.Context, msg domain.Message) (err error) {
	defer func(start time.Time) { m.observe("create_message", start, err) }(time.Now())
	return m.inner.CreateMessage(ctx, msg)
}

func (m *metricsStore) GetMessage(ctx context.Context, conversationID, messageID string) (msg domain.Message, err error) {
	defer func(start time.Time) { m.observe("get_message", start, err) }(time.Now())
	return m.inner.GetMessage(ctx, conversationID, messageID)
}

func (m *metricsStore) DeleteMessage(ctx context.Context, conversationID, messageID string) (err error) {
	defer func(start time.Time) { m.observe("delete_message", start, err) }(time.Now())
	return m.inner.DeleteMessage(ctx, conversationID, messageID)
}

func (m *metricsStore) ListMessages(ctx context.Context, q pagination.Query) (msgs []domain.Message, next *pagination.Cursor, err error) {
	defer func(start time.Time) { m.observe("list_messages", start, err) }(time.Now())
	return m.inner.ListMessages(ctx, q)
}

func (m *metricsStore) CreateReplica(ctx context.Context, r domain.ConversationReplica) (err error) {
	defer func(start time.Time) { m.observe("create_replica", start, err) }(time.Now())
	return m.inner.CreateReplica(ctx, r)
}

func (m *metricsStore) GetReplica(ctx context.Context, owner, conversationID string) (r domain.ConversationReplica, err error) {
	defer func(start time.Time) { m.observe("get_replica", start, err) }(time.Now())
	return m.inner.GetReplica(ctx, owner, conversationID)
}

func (m *metricsStore) ReplaceReplica(ctx context.Context, r domain.ConversationReplica) (err error) {
	defer func(start time.Time) { m.observe("replace_replica", start, err) }(time.Now())
	return m.inner.ReplaceReplica(ctx, r)
}

func (m *metricsStore) DeleteReplica(ctx context.Context, owner, conversationID string) (err error) {
	defer func(start time.Time) { m.observe("delete_replica", start, err) }(time.Now())
	return m.inner.DeleteReplica(ctx, owner, conversationID)
}

func (m *metricsStore) ListReplicas(ctx context.Context, q pagination.Query) (rs []domain.ConversationReplica, next *pagination.Cursor, err error) {
	defer func(start time.Time) { m.observe("list_replicas", start, err) }(time.Now())
	return m.inner.ListReplicas(ctx, q)
}
