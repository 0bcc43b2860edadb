// Package redisstreams dispatches resync requests through a Redis stream so
// a transport bridge running in another process can consume them and answer
// with fresh snapshots.
package redisstreams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/statesync/resync"
)

const (
	defaultPrefix = "statesync:resync"
	defaultGroup  = "bridges"
)

// Dispatcher implements resync.Dispatcher on top of a Redis stream with a
// consumer group, so requests survive a bridge restart until acked.
type Dispatcher struct {
	client   *goredis.Client
	addr     string
	password string
	db       int
	prefix   string
	group    string
	stream   string
}

// Delivery is one claimed resync request plus its stream bookkeeping.
type Delivery struct {
	ID       string         `json:"id"`
	Request  resync.Request `json:"request"`
	Received time.Time      `json:"received"`
}

// Stats describe the stream backlog.
type Stats struct {
	StreamLength int64 `json:"streamLength"`
	Pending      int64 `json:"pending"`
}

type Option func(*Dispatcher)

func WithClient(client *goredis.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			d.prefix = prefix
		}
	}
}

func WithGroup(group string) Option {
	return func(d *Dispatcher) {
		group = strings.TrimSpace(group)
		if group != "" {
			d.group = group
		}
	}
}

func WithPassword(password string) Option {
	return func(d *Dispatcher) { d.password = password }
}

func WithDB(db int) Option {
	return func(d *Dispatcher) { d.db = db }
}

func New(addr string, opts ...Option) (*Dispatcher, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	d := &Dispatcher{
		addr:   addr,
		prefix: defaultPrefix,
		group:  defaultGroup,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = goredis.NewClient(&goredis.Options{Addr: d.addr, Password: d.password, DB: d.db})
	}
	if err := d.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	d.stream = d.prefix + ":requests"
	if err := d.ensureGroup(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) ensureGroup(ctx context.Context) error {
	res := d.client.XGroupCreateMkStream(ctx, d.stream, d.group, "0")
	if err := res.Err(); err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return fmt.Errorf("failed to ensure redis stream group: %w", err)
	}
	return nil
}

// Dispatch publishes the request to the stream.
func (d *Dispatcher) Dispatch(ctx context.Context, req resync.Request) error {
	if req.RunID == "" {
		return fmt.Errorf("runID is required")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal resync request: %w", err)
	}
	err = d.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dispatch resync request: %w", err)
	}
	return nil
}

// Claim hands up to count unconsumed requests to the named bridge consumer.
func (d *Dispatcher) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if count <= 0 {
		count = 1
	}
	if block < 0 {
		block = 0
	}
	res, err := d.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    d.group,
		Consumer: consumer,
		Streams:  []string{d.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return []Delivery{}, nil
		}
		return nil, fmt.Errorf("failed to claim resync requests: %w", err)
	}
	out := make([]Delivery, 0, count)
	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, _ := msg.Values["payload"].(string)
			if payload == "" {
				continue
			}
			var req resync.Request
			if err := json.Unmarshal([]byte(payload), &req); err != nil {
				_ = d.client.XAck(ctx, d.stream, d.group, msg.ID).Err()
				continue
			}
			out = append(out, Delivery{
				ID:       msg.ID,
				Request:  req,
				Received: time.Now().UTC(),
			})
		}
	}
	return out, nil
}

// Ack marks requests as answered and drops them from the stream.
func (d *Dispatcher) Ack(ctx context.Context, messageIDs ...string) error {
	args := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			args = append(args, id)
		}
	}
	if len(args) == 0 {
		return nil
	}
	if err := d.client.XAck(ctx, d.stream, d.group, args...).Err(); err != nil {
		return fmt.Errorf("failed to ack resync request: %w", err)
	}
	_ = d.client.XDel(ctx, d.stream, args...).Err()
	return nil
}

func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	length, err := d.client.XLen(ctx, d.stream).Result()
	if err != nil && err != goredis.Nil {
		return Stats{}, fmt.Errorf("failed to read stream length: %w", err)
	}
	stats := Stats{StreamLength: length}
	pending, err := d.client.XPending(ctx, d.stream, d.group).Result()
	if err != nil && err != goredis.Nil {
		return stats, fmt.Errorf("failed to read pending count: %w", err)
	}
	if pending != nil {
		stats.Pending = pending.Count
	}
	return stats, nil
}

func (d *Dispatcher) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}
