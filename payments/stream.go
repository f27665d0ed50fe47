package payments

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/access-engine/ledger"
)

const (
	fieldTransactionID = "transaction_id"
	fieldStatus        = "status"
)

type StreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	Block     time.Duration
	ClaimIdle time.Duration
	ReadCount int64
	MaxLen    int64
}

// StreamConsumer reads payment events from a Redis Stream consumer group.
//
// Messages are acked once the gate accepted them or rejected them as a
// domain error (unknown transaction, impossible transition). Store failures
// leave the message pending; XAUTOCLAIM redelivers it after ClaimIdle.
type StreamConsumer struct {
	client   redis.UniversalClient
	gate     Gate
	stream   string
	group    string
	consumer string
	block    time.Duration
	idle     time.Duration
	count    int64
	maxLen   int64

	groupMu      sync.Mutex
	groupCreated bool

	Logger *slog.Logger
}

func NewStreamConsumer(client redis.UniversalClient, gate Gate, cfg StreamConfig) (*StreamConsumer, error) {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("payment stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "access-engine"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	idle := cfg.ClaimIdle
	if idle <= 0 {
		idle = 30 * time.Second
	}
	count := cfg.ReadCount
	if count <= 0 {
		count = 10
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &StreamConsumer{
		client:   client,
		gate:     gate,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
		idle:     idle,
		count:    count,
		maxLen:   maxLen,
		Logger:   slog.Default(),
	}, nil
}

// Publish appends ev to the stream. Providers normally do this; it is here
// for tooling and tests.
func (c *StreamConsumer) Publish(ctx context.Context, ev Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		MaxLen: c.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldTransactionID: ev.TransactionID,
			fieldStatus:        string(ev.Status),
		},
	}).Result()
}

// Run consumes until ctx is done.
func (c *StreamConsumer) Run(ctx context.Context) {
	c.Logger.InfoContext(ctx, "payment stream consumer started", "stream", c.stream, "group", c.group, "consumer", c.consumer)
	for ctx.Err() == nil {
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.Logger.WarnContext(ctx, "payment stream poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	c.Logger.InfoContext(ctx, "payment stream consumer stopped")
}

// Poll reclaims stale pending messages, then reads new ones, and handles
// each. It returns how many messages were acked.
func (c *StreamConsumer) Poll(ctx context.Context) (int, error) {
	if err := c.ensureGroup(ctx); err != nil {
		return 0, err
	}
	acked := 0

	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.idle,
		Start:    "0-0",
		Count:    c.count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	for _, msg := range claimed {
		if c.handle(ctx, msg) {
			acked++
		}
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.count,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return acked, nil
	}
	if err != nil {
		return acked, err
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			if c.handle(ctx, msg) {
				acked++
			}
		}
	}
	return acked, nil
}

// Group starts at "0" so events published before the first consumer are
// still delivered. Only success is remembered: a failed create is retried on
// the next poll.
func (c *StreamConsumer) ensureGroup(ctx context.Context) error {
	c.groupMu.Lock()
	defer c.groupMu.Unlock()
	if c.groupCreated {
		return nil
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	c.groupCreated = true
	return nil
}

func (c *StreamConsumer) handle(ctx context.Context, msg redis.XMessage) bool {
	txID, _ := msg.Values[fieldTransactionID].(string)
	status, _ := msg.Values[fieldStatus].(string)
	ev := Event{TransactionID: txID, Status: ledger.PurchaseStatus(status)}

	_, err := Apply(ctx, c.gate, ev)
	switch {
	case err == nil:
		c.Logger.DebugContext(ctx, "payment event applied", "message_id", msg.ID, "transaction_id", txID, "status", status)
	case errors.Is(err, ErrBadEvent) || ledger.IsDomainError(err):
		c.Logger.WarnContext(ctx, "payment event dropped", "message_id", msg.ID, "transaction_id", txID, "status", status, "error", err)
	default:
		c.Logger.WarnContext(ctx, "payment event deferred", "message_id", msg.ID, "transaction_id", txID, "error", err)
		return false
	}

	if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		c.Logger.WarnContext(ctx, "payment event ack failed", "message_id", msg.ID, "error", err)
		return false
	}
	return true
}

// Pending reports how many delivered messages are not yet acked.
func (c *StreamConsumer) Pending(ctx context.Context) (int64, error) {
	res, err := c.client.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}
