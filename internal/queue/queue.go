// Package queue implements the message-queue binding: a durable sqlite-backed
// producer/consumer with batching, per-message ack/retry, dead-letter
// routing, and an in-process visibility-deadline index backed by an embedded
// miniredis instance (no network I/O) fronted by a real redis client, so the
// consumer loop can cheaply find the next-visible batch without scanning the
// full table on every tick.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/evalgo/edgerun/internal/bindingerr"
	"github.com/evalgo/edgerun/internal/store"
)

const (
	maxSendBatchSize  = 100
	maxMessageSize    = 128 * 1024
	maxBatchBytes     = 256 * 1024
	maxDelaySeconds   = 43200
	defaultVisibility = 30 * time.Second
)

// Index is the shared visibility-deadline accelerator: an embedded miniredis
// server plus a redis client pointed at it, with no network exposure.
type Index struct {
	server *miniredis.Miniredis
	client *redis.Client
}

// NewIndex starts an embedded miniredis instance and returns a client bound
// to it.
func NewIndex() (*Index, error) {
	srv := miniredis.NewMiniRedis()
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("queue: starting embedded redis index: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return &Index{server: srv, client: client}, nil
}

// Close shuts down the embedded server.
func (idx *Index) Close() {
	idx.client.Close()
	idx.server.Close()
}

func (idx *Index) zsetKey(queue string) string { return "queue:visible:" + queue }

func (idx *Index) track(ctx context.Context, queue, id string, visibleAt time.Time) error {
	return idx.client.ZAdd(ctx, idx.zsetKey(queue), redis.Z{Score: float64(visibleAt.Unix()), Member: id}).Err()
}

func (idx *Index) untrack(ctx context.Context, queue, id string) error {
	return idx.client.ZRem(ctx, idx.zsetKey(queue), id).Err()
}

func (idx *Index) candidates(ctx context.Context, queue string, before time.Time, limit int64) ([]string, error) {
	return idx.client.ZRangeByScore(ctx, idx.zsetKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", before.Unix()),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// RebuildIndex scans every queue's durable pending/in-flight rows and tracks
// them into idx, so a freshly started process recovers full visibility over
// messages that were in flight when it last exited — the visibility index
// itself is purely in-memory and carries nothing across a restart on its own.
func RebuildIndex(ctx context.Context, s *store.Store, idx *Index) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT queue, id, visible_at FROM queue_messages WHERE status IN ('pending', 'in_flight')
	`)
	if err != nil {
		return fmt.Errorf("queue: rebuilding visibility index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var queueName, id string
		var visibleAt int64
		if err := rows.Scan(&queueName, &id, &visibleAt); err != nil {
			return fmt.Errorf("queue: rebuilding visibility index: %w", err)
		}
		if err := idx.track(ctx, queueName, id, time.Unix(visibleAt, 0)); err != nil {
			return fmt.Errorf("queue: rebuilding visibility index: %w", err)
		}
	}
	return rows.Err()
}

// Producer sends messages into one named queue.
type Producer struct {
	store *store.Store
	index *Index
	queue string
	now   func() time.Time
}

// NewProducer constructs a producer bound to queue.
func NewProducer(s *store.Store, idx *Index, queue string) *Producer {
	return &Producer{store: s, index: idx, queue: queue, now: time.Now}
}

// SendOptions configures an individual send.
type SendOptions struct {
	DelaySeconds int
	ContentType  string
}

// Send enqueues one message.
func (p *Producer) Send(ctx context.Context, body []byte, opts SendOptions) (string, error) {
	if len(body) > maxMessageSize {
		return "", bindingerr.NewValidation("body", fmt.Sprintf("message exceeds max size %d", maxMessageSize))
	}
	if opts.DelaySeconds < 0 || opts.DelaySeconds > maxDelaySeconds {
		return "", bindingerr.NewValidation("delaySeconds", fmt.Sprintf("must be between 0 and %d", maxDelaySeconds))
	}

	id := uuid.NewString()
	now := p.now()
	visibleAt := now.Add(time.Duration(opts.DelaySeconds) * time.Second)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := p.store.DB.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, id, body, content_type, status, attempts, visible_at, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
	`, p.queue, id, body, contentType, visibleAt.Unix(), now.Unix())
	if err != nil {
		return "", fmt.Errorf("queue send: %w", err)
	}

	if err := p.index.track(ctx, p.queue, id, visibleAt); err != nil {
		return "", fmt.Errorf("queue send: indexing: %w", err)
	}
	return id, nil
}

// BatchMessage is one message within a SendBatch call.
type BatchMessage struct {
	Body []byte
	SendOptions
}

// SendBatch enqueues multiple messages, capped at maxSendBatchSize messages
// and maxBatchBytes total body size.
func (p *Producer) SendBatch(ctx context.Context, messages []BatchMessage) ([]string, error) {
	if len(messages) > maxSendBatchSize {
		return nil, bindingerr.NewValidation("messages", fmt.Sprintf("batch exceeds max size %d", maxSendBatchSize))
	}
	var total int
	for _, m := range messages {
		total += len(m.Body)
	}
	if total > maxBatchBytes {
		return nil, bindingerr.NewValidation("messages", fmt.Sprintf("batch exceeds max total size %d bytes", maxBatchBytes))
	}
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		id, err := p.Send(ctx, m.Body, m.SendOptions)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Message is one delivered queue message, carrying its delivery metadata.
type Message struct {
	ID          string
	Body        []byte
	ContentType string
	Attempts    int
	consumer    *Consumer
}

// Ack marks the message successfully processed.
func (m *Message) Ack(ctx context.Context) error {
	return m.consumer.ack(ctx, m.ID)
}

// RetryOptions configures Retry's redelivery delay.
type RetryOptions struct {
	DelaySeconds int
}

// Retry marks the message for redelivery after DelaySeconds, or routes it to
// the dead-letter queue (or drops it) if it has exceeded maxRetries.
func (m *Message) Retry(ctx context.Context, opts RetryOptions) error {
	if opts.DelaySeconds < 0 || opts.DelaySeconds > maxDelaySeconds {
		return bindingerr.NewValidation("delaySeconds", fmt.Sprintf("must be between 0 and %d", maxDelaySeconds))
	}
	return m.consumer.retry(ctx, m, opts)
}

// Batch groups every message delivered in one Receive call, mirroring the
// batch-level ackAll/retryAll convenience the handler contract exposes
// alongside per-message Ack/Retry.
type Batch struct {
	Messages []*Message
}

// AckAll acknowledges every message in the batch.
func (b *Batch) AckAll(ctx context.Context) error {
	for _, m := range b.Messages {
		if err := m.Ack(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RetryAll retries every message in the batch with the same options.
func (b *Batch) RetryAll(ctx context.Context, opts RetryOptions) error {
	for _, m := range b.Messages {
		if err := m.Retry(ctx, opts); err != nil {
			return err
		}
	}
	return nil
}

// ConsumerConfig mirrors the declarative queue consumer configuration.
type ConsumerConfig struct {
	MaxBatchSize    int
	MaxBatchTimeout time.Duration
	MaxRetries      int
	VisibilityTimeout time.Duration
	DeadLetterQueue string
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10
	}
	if c.MaxBatchTimeout <= 0 {
		c.MaxBatchTimeout = 5 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibility
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Consumer pulls batches of messages off one queue.
type Consumer struct {
	store  *store.Store
	index  *Index
	queue  string
	cfg    ConsumerConfig
	now    func() time.Time
}

// NewConsumer constructs a consumer bound to queue.
func NewConsumer(s *store.Store, idx *Index, queue string, cfg ConsumerConfig) *Consumer {
	return &Consumer{store: s, index: idx, queue: queue, cfg: cfg.withDefaults(), now: time.Now}
}

// Receive claims up to MaxBatchSize visible messages, marking them in-flight
// with a fresh visibility deadline. It returns immediately with whatever is
// available rather than blocking for a full batch.
func (c *Consumer) Receive(ctx context.Context) ([]*Message, error) {
	now := c.now()
	ids, err := c.index.candidates(ctx, c.queue, now, int64(c.cfg.MaxBatchSize))
	if err != nil {
		return nil, fmt.Errorf("queue receive: index lookup: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := c.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue receive: %w", err)
	}
	defer tx.Rollback()

	var claimed []*Message
	newVisible := now.Add(c.cfg.VisibilityTimeout)
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `
			SELECT body, content_type, attempts, status FROM queue_messages
			WHERE queue = ? AND id = ?
		`, c.queue, id)
		var body []byte
		var contentType, status string
		var attempts int
		if err := row.Scan(&body, &contentType, &attempts, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("queue receive: scan: %w", err)
		}
		if status != "pending" {
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages SET status = 'in_flight', attempts = attempts + 1, visible_at = ?
			WHERE queue = ? AND id = ?
		`, newVisible.Unix(), c.queue, id); err != nil {
			return nil, fmt.Errorf("queue receive: claim: %w", err)
		}

		claimed = append(claimed, &Message{
			ID: id, Body: body, ContentType: contentType, Attempts: attempts + 1, consumer: c,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue receive: commit: %w", err)
	}

	for _, m := range claimed {
		if err := c.index.track(ctx, c.queue, m.ID, newVisible); err != nil {
			return claimed, fmt.Errorf("queue receive: reindex: %w", err)
		}
	}
	return claimed, nil
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if _, err := c.store.DB.ExecContext(ctx, `
		UPDATE queue_messages SET status = 'complete', completed_at = ? WHERE queue = ? AND id = ?
	`, c.now().Unix(), c.queue, id); err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}
	return c.index.untrack(ctx, c.queue, id)
}

func (c *Consumer) retry(ctx context.Context, m *Message, opts RetryOptions) error {
	if m.Attempts >= c.cfg.MaxRetries {
		if c.cfg.DeadLetterQueue != "" {
			return c.deadLetter(ctx, m)
		}
		if _, err := c.store.DB.ExecContext(ctx, `
			UPDATE queue_messages SET status = 'dropped', completed_at = ? WHERE queue = ? AND id = ?
		`, c.now().Unix(), c.queue, m.ID); err != nil {
			return fmt.Errorf("queue retry: dropping: %w", err)
		}
		return c.index.untrack(ctx, c.queue, m.ID)
	}

	visible := c.now().Add(time.Duration(opts.DelaySeconds) * time.Second)
	if _, err := c.store.DB.ExecContext(ctx, `
		UPDATE queue_messages SET status = 'pending', visible_at = ? WHERE queue = ? AND id = ?
	`, visible.Unix(), c.queue, m.ID); err != nil {
		return fmt.Errorf("queue retry: %w", err)
	}
	return c.index.track(ctx, c.queue, m.ID, visible)
}

func (c *Consumer) deadLetter(ctx context.Context, m *Message) error {
	tx, err := c.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue deadletter: %w", err)
	}
	defer tx.Rollback()

	now := c.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, id, body, content_type, status, attempts, visible_at, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
	`, c.cfg.DeadLetterQueue, m.ID, m.Body, m.ContentType, now.Unix(), now.Unix()); err != nil {
		return fmt.Errorf("queue deadletter: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_messages SET status = 'dead_letter', completed_at = ? WHERE queue = ? AND id = ?
	`, now.Unix(), c.queue, m.ID); err != nil {
		return fmt.Errorf("queue deadletter: mark source: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue deadletter: commit: %w", err)
	}

	if err := c.index.untrack(ctx, c.queue, m.ID); err != nil {
		return err
	}
	return c.index.track(ctx, c.cfg.DeadLetterQueue, m.ID, now)
}

// Stats summarizes queue depth by status, used by the dashboard inspector.
type Stats struct {
	Pending   int64
	InFlight  int64
	Complete  int64
	Dropped   int64
	DeadLetter int64
}

// QueueStats reports message counts by status for the named queue.
func QueueStats(ctx context.Context, s *store.Store, queue string) (Stats, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_messages WHERE queue = ? GROUP BY status
	`, queue)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch status {
		case "pending":
			st.Pending = count
		case "in_flight":
			st.InFlight = count
		case "complete":
			st.Complete = count
		case "dropped":
			st.Dropped = count
		case "dead_letter":
			st.DeadLetter = count
		}
	}
	return st, nil
}

// rawMessageForLog is used by the consumer loop helper to report message
// bodies in structured log fields without leaking binary content directly.
func rawMessageForLog(m *Message) json.RawMessage {
	if json.Valid(m.Body) {
		return json.RawMessage(m.Body)
	}
	return json.RawMessage(fmt.Sprintf("%q", fmt.Sprintf("<%d bytes>", len(m.Body))))
}
