package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loyaltyhub/cardlink/internal/agent"
	"github.com/loyaltyhub/cardlink/internal/config"
	"github.com/loyaltyhub/cardlink/internal/ledger"
	"github.com/nats-io/nats.go"
)

// Task subjects. One card operation per message, the payload is the
// CardInfo JSON. Redelivery on retryable outcomes is the queue's job;
// this worker only runs each task once.
const (
	SubjectAdd        = "cards.add"
	SubjectRemove     = "cards.remove"
	SubjectReactivate = "cards.reactivate"
	SubjectRedact     = "cards.redact"
)

// Lifecycle is the orchestrator edge the worker drives.
type Lifecycle interface {
	Add(ctx context.Context, card agent.CardInfo) (*agent.Result, error)
	Remove(ctx context.Context, card agent.CardInfo, retryType ledger.RetryType) (*agent.Result, error)
	Reactivate(ctx context.Context, card agent.CardInfo) (*agent.Result, error)
	Redact(ctx context.Context, card agent.CardInfo) bool
}

// Connect opens the NATS connection for the task queue.
func Connect(cfg config.NatsConfig, extra ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("cardlink"),
		nats.MaxReconnects(-1),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	opts = append(opts, extra...)
	return nats.Connect(cfg.URL, opts...)
}

// Worker consumes card lifecycle tasks from the queue and hands them to
// the lifecycle service. Instances in the same queue group split the
// subjects between them.
type Worker struct {
	conn      *nats.Conn
	lifecycle Lifecycle
	queue     string
	timeout   time.Duration
	logger    *slog.Logger

	subs []*nats.Subscription
}

func New(conn *nats.Conn, lc Lifecycle, cfg config.NatsConfig, logger *slog.Logger) *Worker {
	return &Worker{
		conn:      conn,
		lifecycle: lc,
		queue:     cfg.QueueGroup,
		timeout:   cfg.TaskTimeout,
		logger:    logger,
	}
}

// Start subscribes the worker to all card task subjects.
func (w *Worker) Start() error {
	handlers := map[string]nats.MsgHandler{
		SubjectAdd:        w.HandleAdd,
		SubjectRemove:     w.HandleRemove,
		SubjectReactivate: w.HandleReactivate,
		SubjectRedact:     w.HandleRedact,
	}

	for subject, handler := range handlers {
		sub, err := w.conn.QueueSubscribe(subject, w.queue, handler)
		if err != nil {
			w.Stop()
			return err
		}
		w.subs = append(w.subs, sub)
	}

	w.logger.Info("worker subscribed", "queue", w.queue, "subjects", len(handlers))
	return nil
}

// Stop drains the subscriptions so in-flight tasks finish before the
// process exits.
func (w *Worker) Stop() {
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil {
			w.logger.Error("subscription drain failed", "subject", sub.Subject, "error", err)
		}
	}
	w.subs = nil
}

func (w *Worker) HandleAdd(msg *nats.Msg) {
	card, ok := w.decode(msg)
	if !ok {
		return
	}

	ctx, cancel := w.taskContext()
	defer cancel()

	if _, err := w.lifecycle.Add(ctx, card); err != nil {
		w.logger.Error("add task failed", "card_id", card.ID, "error", err)
	}
}

func (w *Worker) HandleRemove(msg *nats.Msg) {
	card, ok := w.decode(msg)
	if !ok {
		return
	}

	ctx, cancel := w.taskContext()
	defer cancel()

	if _, err := w.lifecycle.Remove(ctx, card, ledger.RetryRemove); err != nil {
		w.logger.Error("remove task failed", "card_id", card.ID, "error", err)
	}
}

func (w *Worker) HandleReactivate(msg *nats.Msg) {
	card, ok := w.decode(msg)
	if !ok {
		return
	}

	ctx, cancel := w.taskContext()
	defer cancel()

	if _, err := w.lifecycle.Reactivate(ctx, card); err != nil {
		w.logger.Error("reactivate task failed", "card_id", card.ID, "error", err)
	}
}

func (w *Worker) HandleRedact(msg *nats.Msg) {
	card, ok := w.decode(msg)
	if !ok {
		return
	}

	ctx, cancel := w.taskContext()
	defer cancel()

	if done := w.lifecycle.Redact(ctx, card); !done {
		// Retry outcome already reported to the ledger, which schedules
		// the redelivery.
		w.logger.Info("redact task incomplete", "card_id", card.ID)
	}
}

// decode unmarshals the task payload. A malformed message is dropped:
// redelivering it would fail identically forever.
func (w *Worker) decode(msg *nats.Msg) (agent.CardInfo, bool) {
	var card agent.CardInfo
	if err := json.Unmarshal(msg.Data, &card); err != nil {
		w.logger.Error("dropping undecodable task",
			"subject", msg.Subject,
			"error", err)
		return agent.CardInfo{}, false
	}
	return card, true
}

func (w *Worker) taskContext() (context.Context, context.CancelFunc) {
	timeout := w.timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}
