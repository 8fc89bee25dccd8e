package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Store is a cache-aside store. Read errors degrade to a miss; write
// and invalidation errors are the caller's to log, never to surface.
type Store interface {
	Get(ctx context.Context, key string, out interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix. Writers use
	// it for bulk invalidation after a committed write.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Key builders. The convention is <resource>:<id>[:<qualifier>] so
// related entries can be invalidated by prefix.

// RoomKey caches a single room.
func RoomKey(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

// UserRoomsKey caches a user's room list.
func UserRoomsKey(userID string) string {
	return fmt.Sprintf("rooms:user:%s", userID)
}

// RoomMessagesKey caches one page of a room's message list.
func RoomMessagesKey(roomID, cursor string, limit int) string {
	if cursor == "" {
		cursor = "start"
	}
	return fmt.Sprintf("messages:room:%s:%s:%d", roomID, cursor, limit)
}

// RoomMessagesPrefix is the invalidation prefix for all cached pages of
// a room's message list.
func RoomMessagesPrefix(roomID string) string {
	return fmt.Sprintf("messages:room:%s:", roomID)
}
