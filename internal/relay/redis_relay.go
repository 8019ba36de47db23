// Package relay appends every update event to a Redis stream so
// synchronization clients can resume from an entry id, and keeps the
// watermark next to it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"docengine/api/internal/notify"
	"docengine/api/internal/store"
)

// raiseWatermark only ever moves the stored watermark forward.
var raiseWatermark = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local incoming = tonumber(ARGV[1])
if incoming > current then
	redis.call('SET', KEYS[1], ARGV[1])
	return incoming
end
return current
`)

// Entry is one relayed event read back from the stream.
type Entry struct {
	ID  string    `json:"id"`
	Seq uint64    `json:"seq"`
	Doc store.Doc `json:"doc"`
}

type Options struct {
	Stream string
	// MaxLen trims the stream approximately; zero keeps everything.
	MaxLen int64
}

type RedisRelay struct {
	client       *redis.Client
	stream       string
	maxLen       int64
	watermarkKey string
}

func New(redisURL string, opts Options) (*RedisRelay, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, opts), nil
}

func NewWithClient(client *redis.Client, opts Options) *RedisRelay {
	stream := opts.Stream
	if stream == "" {
		stream = "docengine:changes"
	}
	return &RedisRelay{
		client:       client,
		stream:       stream,
		maxLen:       opts.MaxLen,
		watermarkKey: stream + ":watermark",
	}
}

// Append writes the event to the stream and raises the watermark. It returns
// the stream entry id.
func (r *RedisRelay) Append(ctx context.Context, event notify.Event) (string, error) {
	body, err := json.Marshal(event.Doc)
	if err != nil {
		return "", fmt.Errorf("marshal event doc: %w", err)
	}
	kind := "document"
	if event.IsChange() {
		kind = "change"
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"seq":  strconv.FormatUint(event.Seq, 10),
			"kind": kind,
			"id":   event.Doc.ID(),
			"type": string(event.Doc.Type()),
			"doc":  string(body),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream: %w", err)
	}

	if updated := event.Doc.UpdatedTime(); updated > 0 {
		if err := raiseWatermark.Run(ctx, r.client, []string{r.watermarkKey}, updated).Err(); err != nil {
			return id, fmt.Errorf("raise watermark: %w", err)
		}
	}
	return id, nil
}

// Handle adapts Append to a notify worker.
func (r *RedisRelay) Handle(ctx context.Context, event notify.Event) error {
	_, err := r.Append(ctx, event)
	return err
}

// Watermark returns the highest updatedTimeUtc relayed so far, 0 if none.
func (r *RedisRelay) Watermark(ctx context.Context) (int64, error) {
	value, err := r.client.Get(ctx, r.watermarkKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return value, nil
}

// Since returns up to count entries after the given stream id. "0" reads
// from the beginning.
func (r *RedisRelay) Since(ctx context.Context, afterID string, count int64) ([]Entry, error) {
	if afterID == "" {
		afterID = "0"
	}
	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, afterID},
		Count:   count,
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	entries := make([]Entry, 0)
	for _, stream := range streams {
		for _, message := range stream.Messages {
			entry, err := decodeMessage(message)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func decodeMessage(message redis.XMessage) (Entry, error) {
	entry := Entry{ID: message.ID}
	if raw, ok := message.Values["seq"].(string); ok {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("decode seq of %s: %w", message.ID, err)
		}
		entry.Seq = seq
	}
	raw, _ := message.Values["doc"].(string)
	if err := json.Unmarshal([]byte(raw), &entry.Doc); err != nil {
		return Entry{}, fmt.Errorf("decode doc of %s: %w", message.ID, err)
	}
	return entry, nil
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
