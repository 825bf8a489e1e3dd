package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
)

type Subjects struct {
	ReviewItems     string
	ReviewEdits     string
	ReviewDecisions string
	// WorkerGroup is the queue group decision consumers share.
	WorkerGroup string
}

func (s Subjects) withDefaults() Subjects {
	if s.ReviewItems == "" {
		s.ReviewItems = "intake.review.items"
	}
	if s.ReviewEdits == "" {
		s.ReviewEdits = "intake.review.edits"
	}
	if s.ReviewDecisions == "" {
		s.ReviewDecisions = "intake.review.decisions"
	}
	if s.WorkerGroup == "" {
		s.WorkerGroup = "review-workers"
	}
	return s
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// Queue hands review items to the review desk and consumes its decisions.
type Queue struct {
	conn      *nats.Conn
	publisher publisher
	subjects  Subjects
	executor  *resilience.Executor
	logger    *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string, subjects Subjects, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("ledger-intake"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats.disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats.reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	q := newQueue(conn, subjects, options.ResilienceExecutor, logger)
	q.conn = conn
	return q, nil
}

func newQueue(pub publisher, subjects Subjects, executor *resilience.Executor, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		publisher: pub,
		subjects:  subjects.withDefaults(),
		executor:  executor,
		logger:    logger,
	}
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Enqueue(ctx context.Context, item domain.ReviewItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal review item: %w", err)
	}
	return q.publish(ctx, q.subjects.ReviewItems, payload)
}

type editRequest struct {
	DocumentID string `json:"document_id"`
}

func (q *Queue) RequestManualEdit(ctx context.Context, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "request manual edit", errors.New("document id is required"))
	}
	payload, err := json.Marshal(editRequest{DocumentID: documentID})
	if err != nil {
		return fmt.Errorf("marshal edit request: %w", err)
	}
	return q.publish(ctx, q.subjects.ReviewEdits, payload)
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.publisher.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	if q.executor == nil {
		return asTemporary("nats publish", call(ctx))
	}
	return asTemporary("nats publish", q.executor.Execute(ctx, "nats.publish."+subject, call, classifyNATSError))
}

// SubscribeDecisions blocks until ctx is done, handing every decision to
// handler. Malformed payloads are logged and dropped.
func (q *Queue) SubscribeDecisions(ctx context.Context, handler func(context.Context, domain.ReviewDecision) error) error {
	if q.conn == nil {
		return errors.New("nats subscribe: not connected")
	}
	sub, err := q.conn.QueueSubscribe(q.subjects.ReviewDecisions, q.subjects.WorkerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		q.dispatchDecision(handlerCtx, msg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) dispatchDecision(ctx context.Context, data []byte, handler func(context.Context, domain.ReviewDecision) error) {
	var decision domain.ReviewDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		q.logger.Error("review.decision_malformed", "error", err)
		return
	}
	if err := handler(ctx, decision); err != nil {
		q.logger.Error("review.decision_failed",
			"document_id", decision.DocumentID,
			"action", decision.Action,
			"error", err,
		)
	}
}
