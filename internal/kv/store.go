// Package kv implements the shared key-value layer that is the single
// source of truth for container placement across orchestrator replicas.
//
// Layout (see SPEC_FULL.md §6):
//
//	workspace:container:{conversation_id}         hash, TTL = container TTL
//	workspace:container_reverse:{container_id}     string, same TTL
//	workspace:task:{container_id}                  string, remote backend only, same TTL
//	workspace:warm_pool                            list of container ids
//	workspace:warm_pool_info:{container_id}         hash, TTL = warm-pool TTL
//	workspace:lock:{conversation_id}               string lock token, TTL 600s
package kv

import (
	"context"
	"time"
)

// Store is the capability set the orchestrator, warm pool, and GC need from
// the shared KV. RedisStore backs production deployments; MemoryStore is a
// single-process fallback used in tests and when Redis is unreachable at
// boot (logged as a degraded-mode warning, never a fatal error).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	HGetAll(ctx context.Context, key string) (map[string]string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	LPush(ctx context.Context, key, value string) error
	LRem(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string) ([]string, error)

	// TryLock attempts to acquire a named lock for ttl, returning a token
	// that must be presented to Unlock. ok is false if already held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Unlock releases a lock only if token matches the current holder
	// (compare-and-delete), so a stale caller can never release a lock it
	// no longer holds.
	Unlock(ctx context.Context, key, token string) error

	// Expire refreshes the TTL on an existing key without altering its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Keys returns all keys with the given prefix, used by the garbage
	// collector's forward-key scan. Not used on any request hot path.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ContainerKeyPrefix is the forward-key prefix the GC scans.
func ContainerKeyPrefix() string { return "workspace:container:" }

// Key builders centralize the layout so callers never hand-format keys.

func ContainerKey(conversationID string) string        { return "workspace:container:" + conversationID }
func ContainerReverseKey(containerID string) string     { return "workspace:container_reverse:" + containerID }
func TaskKey(containerID string) string                 { return "workspace:task:" + containerID }
func LockKey(conversationID string) string              { return "workspace:lock:" + conversationID }
func WarmPoolKey() string                               { return "workspace:warm_pool" }
func WarmPoolInfoKey(containerID string) string         { return "workspace:warm_pool_info:" + containerID }
