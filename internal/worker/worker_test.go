package worker_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loyaltyhub/cardlink/internal/agent"
	"github.com/loyaltyhub/cardlink/internal/config"
	"github.com/loyaltyhub/cardlink/internal/ledger"
	"github.com/loyaltyhub/cardlink/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLifecycle struct {
	mu    sync.Mutex
	calls []string

	AddFn        func(ctx context.Context, card agent.CardInfo) (*agent.Result, error)
	RemoveFn     func(ctx context.Context, card agent.CardInfo, retryType ledger.RetryType) (*agent.Result, error)
	ReactivateFn func(ctx context.Context, card agent.CardInfo) (*agent.Result, error)
	RedactFn     func(ctx context.Context, card agent.CardInfo) bool
}

func (m *mockLifecycle) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockLifecycle) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockLifecycle) Add(ctx context.Context, card agent.CardInfo) (*agent.Result, error) {
	m.record("add")
	if m.AddFn != nil {
		return m.AddFn(ctx, card)
	}
	return &agent.Result{StatusCode: 200}, nil
}

func (m *mockLifecycle) Remove(ctx context.Context, card agent.CardInfo, retryType ledger.RetryType) (*agent.Result, error) {
	m.record("remove")
	if m.RemoveFn != nil {
		return m.RemoveFn(ctx, card, retryType)
	}
	return &agent.Result{StatusCode: 200}, nil
}

func (m *mockLifecycle) Reactivate(ctx context.Context, card agent.CardInfo) (*agent.Result, error) {
	m.record("reactivate")
	if m.ReactivateFn != nil {
		return m.ReactivateFn(ctx, card)
	}
	return &agent.Result{StatusCode: 200}, nil
}

func (m *mockLifecycle) Redact(ctx context.Context, card agent.CardInfo) bool {
	m.record("redact")
	if m.RedactFn != nil {
		return m.RedactFn(ctx, card)
	}
	return true
}

func newWorker(lc *mockLifecycle, timeout time.Duration) *worker.Worker {
	return worker.New(nil, lc, config.NatsConfig{
		URL:         "nats://localhost:4222",
		QueueGroup:  "cardlink",
		TaskTimeout: timeout,
	}, slog.Default())
}

func taskMsg(t *testing.T, subject string, card agent.CardInfo) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(card)
	require.NoError(t, err)
	return &nats.Msg{Subject: subject, Data: data}
}

func TestHandleAdd_DecodesCardAndInvokesLifecycle(t *testing.T) {
	var got agent.CardInfo
	lc := &mockLifecycle{
		AddFn: func(_ context.Context, card agent.CardInfo) (*agent.Result, error) {
			got = card
			return &agent.Result{StatusCode: 200}, nil
		},
	}
	w := newWorker(lc, time.Minute)

	card := agent.CardInfo{
		ID:           42,
		PartnerSlug:  agent.SlugAmex,
		PaymentToken: "pay-tok-42",
		RetryID:      "retry-7",
	}
	w.HandleAdd(taskMsg(t, worker.SubjectAdd, card))

	assert.Equal(t, []string{"add"}, lc.Calls())
	assert.Equal(t, card, got)
}

func TestHandleRemove_PassesRemoveRetryType(t *testing.T) {
	var got ledger.RetryType
	lc := &mockLifecycle{
		RemoveFn: func(_ context.Context, _ agent.CardInfo, retryType ledger.RetryType) (*agent.Result, error) {
			got = retryType
			return &agent.Result{StatusCode: 200}, nil
		},
	}
	w := newWorker(lc, time.Minute)

	w.HandleRemove(taskMsg(t, worker.SubjectRemove, agent.CardInfo{ID: 1, PartnerSlug: agent.SlugVisa}))

	assert.Equal(t, ledger.RetryRemove, got)
}

func TestHandleReactivate_Invoked(t *testing.T) {
	lc := &mockLifecycle{}
	w := newWorker(lc, time.Minute)

	w.HandleReactivate(taskMsg(t, worker.SubjectReactivate, agent.CardInfo{ID: 2, PartnerSlug: agent.SlugMastercard}))

	assert.Equal(t, []string{"reactivate"}, lc.Calls())
}

func TestHandleRedact_IncompleteOutcomeIsNotAnError(t *testing.T) {
	lc := &mockLifecycle{
		RedactFn: func(_ context.Context, _ agent.CardInfo) bool { return false },
	}
	w := newWorker(lc, time.Minute)

	w.HandleRedact(taskMsg(t, worker.SubjectRedact, agent.CardInfo{ID: 3, PartnerSlug: agent.SlugAmex}))

	assert.Equal(t, []string{"redact"}, lc.Calls())
}

func TestHandlers_DropMalformedPayload(t *testing.T) {
	lc := &mockLifecycle{}
	w := newWorker(lc, time.Minute)

	bad := &nats.Msg{Subject: worker.SubjectAdd, Data: []byte("{not json")}
	w.HandleAdd(bad)
	w.HandleRemove(bad)
	w.HandleReactivate(bad)
	w.HandleRedact(bad)

	assert.Empty(t, lc.Calls())
}

func TestTaskContext_DefaultsWhenUnset(t *testing.T) {
	lc := &mockLifecycle{
		AddFn: func(ctx context.Context, _ agent.CardInfo) (*agent.Result, error) {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			assert.Greater(t, time.Until(deadline), time.Minute)
			return &agent.Result{StatusCode: 200}, nil
		},
	}
	w := newWorker(lc, 0)

	w.HandleAdd(taskMsg(t, worker.SubjectAdd, agent.CardInfo{ID: 4, PartnerSlug: agent.SlugAmex}))

	assert.Equal(t, []string{"add"}, lc.Calls())
}
