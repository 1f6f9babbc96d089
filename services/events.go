package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
	ActionCleared = "cleared"
)

// HistoryEvent tells sync clients that a visitor's history changed.
type HistoryEvent struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Namespace string `json:"namespace,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Publisher delivers history events. Delivery is best effort: a failed
// publish never fails the mutation that caused it.
type Publisher interface {
	Publish(ctx context.Context, ev HistoryEvent)
}

// HistoryChannel is the pub/sub channel carrying a namespace's events.
func HistoryChannel(namespace string) string {
	return "history:visitor:" + namespace
}

type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev HistoryEvent) {
	if p == nil || p.rdb == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[History] Encode event failed: %v", err)
		return
	}
	if err := p.rdb.Publish(ctx, HistoryChannel(ev.Namespace), data).Err(); err != nil {
		log.Printf("[History] Publish to %s failed: %v", HistoryChannel(ev.Namespace), err)
	}
}
