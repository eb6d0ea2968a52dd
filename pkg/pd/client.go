// Package pd holds the placement-driver client surface the node
// consumes and the task type used to push read statistics to PD.
package pd

import (
	"sync"

	"github.com/pingcap/errors"
)

// Client is the subset of the placement driver the node talks to.
type Client interface {
	// GetUserKV reads a key from the PD user key-value store, returning
	// its revision and value.
	GetUserKV(key string) (uint64, string, error)
}

// FlowStatistics is per-region read flow pushed to PD.
type FlowStatistics struct {
	ReadKeys  uint64
	ReadBytes uint64
}

// Task is a unit of work for the PD pusher.
type Task struct {
	// ReadStats carries region read flow gathered by the endpoint's
	// thread-local metric flush.
	ReadStats map[uint64]FlowStatistics
}

// TaskSender accepts PD tasks. The endpoint never blocks on it.
type TaskSender interface {
	Schedule(task Task) error
}

// ErrNotFound is returned for missing user keys.
var ErrNotFound = errors.New("pd: key not found")

// MemClient is an in-memory PD client for wiring and tests.
type MemClient struct {
	mu   sync.RWMutex
	rev  uint64
	data map[string]string
}

// NewMemClient creates an empty in-memory client.
func NewMemClient() *MemClient {
	return &MemClient{data: make(map[string]string)}
}

// SetUserKV stores a key in the user key-value store.
func (c *MemClient) SetUserKV(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rev++
	c.data[key] = value
}

// GetUserKV implements Client.
func (c *MemClient) GetUserKV(key string) (uint64, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.data[key]
	if !ok {
		return c.rev, "", errors.Annotatef(ErrNotFound, "key %s", key)
	}
	return c.rev, value, nil
}
