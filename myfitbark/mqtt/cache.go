package mqtt

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-logr/logr"
)

// CachedMessage is the last payload published on a topic
type CachedMessage struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

// Cache remembers the last payload published per topic, so that unchanged values are not
// published again.
type Cache struct {
	cache *ristretto.Cache
	log   logr.Logger
}

// CacheConfig holds configuration for the cache
type CacheConfig struct {
	// MaxCost is the maximum cost of cache (in bytes)
	MaxCost int64
	// NumCounters is the number of keys to track frequency (10x expected items recommended)
	NumCounters int64
	// BufferItems is the number of keys per Get buffer
	BufferItems int64
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxCost:     1 << 20, // 1 MB
		NumCounters: 10000,
		BufferItems: 64,
	}
}

func NewCache(log logr.Logger, config CacheConfig) (*Cache, error) {
	log = log.WithName("mqtt.Cache")

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: config.NumCounters,
		MaxCost:     config.MaxCost,
		BufferItems: config.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	log.V(1).Info("Cache initialized", "max_cost_kb", config.MaxCost/(1<<10))
	return &Cache{cache: cache, log: log}, nil
}

// Unchanged tells whether payload is what was last stored for topic.
func (c *Cache) Unchanged(topic string, payload []byte) bool {
	msg, found := c.Get(topic)
	return found && bytes.Equal(msg.Payload, payload)
}

// Store remembers payload as the last value of topic.
func (c *Cache) Store(topic string, payload []byte) {
	msg := &CachedMessage{
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now(),
	}
	// Cost is the size of the payload plus overhead
	cost := int64(len(payload) + len(topic) + 100)
	if !c.cache.Set(topic, msg, cost) {
		c.log.V(1).Info("Failed to cache message (buffer full)", "topic", topic)
		return
	}
	// Sets are applied asynchronously
	c.cache.Wait()
}

func (c *Cache) Get(topic string) (*CachedMessage, bool) {
	value, found := c.cache.Get(topic)
	if !found {
		return nil, false
	}
	msg, ok := value.(*CachedMessage)
	if !ok {
		c.log.Error(nil, "Invalid cached message type", "topic", topic)
		return nil, false
	}
	return msg, true
}

func (c *Cache) Forget(topic string) {
	c.cache.Del(topic)
}

// Clear removes all cached messages
func (c *Cache) Clear() {
	c.log.Info("Clearing cache")
	c.cache.Clear()
}

func (c *Cache) Close() {
	c.cache.Close()
}

// Stats returns cache statistics
func (c *Cache) Stats() map[string]any {
	metrics := c.cache.Metrics
	return map[string]any{
		"hits":          metrics.Hits(),
		"misses":        metrics.Misses(),
		"keys_added":    metrics.KeysAdded(),
		"keys_updated":  metrics.KeysUpdated(),
		"keys_evicted":  metrics.KeysEvicted(),
		"sets_dropped":  metrics.SetsDropped(),
		"sets_rejected": metrics.SetsRejected(),
		"hit_ratio":     metrics.Ratio(),
	}
}
