package mail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"outlook-organiser/internal/graph"
)

const sentItemsFolder = "sentitems"

// SentCache holds the conversation ids the user has replied on recently.
// It is rebuilt once per triage cycle from the sent items folder, over a
// window twice the fetch lookback so replies to mail from the previous
// window are still visible.
type SentCache struct {
	client graph.Client
	logger *slog.Logger

	mu            sync.RWMutex
	window        time.Duration
	conversations map[string]bool
	refreshedAt   time.Time

	now func() time.Time
}

// NewSentCache creates a cache covering the given reply window.
func NewSentCache(client graph.Client, logger *slog.Logger, window time.Duration) *SentCache {
	return &SentCache{
		client:        client,
		logger:        logger,
		window:        window,
		conversations: make(map[string]bool),
		now:           time.Now,
	}
}

// SetWindow changes the reply window. The next Refresh uses it; config
// reloads call this so a wider lookback widens reply detection too.
func (c *SentCache) SetWindow(window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = window
}

// Refresh rebuilds the cache from sent items. On failure the previous
// snapshot is kept so reply detection degrades to stale rather than empty.
func (c *SentCache) Refresh(ctx context.Context) error {
	c.mu.RLock()
	window := c.window
	c.mu.RUnlock()

	since := c.now().Add(-window)
	messages, err := c.client.ListMessages(ctx, sentItemsFolder, graph.ListOptions{
		Filter:   fmt.Sprintf("sentDateTime ge %s", since.UTC().Format(time.RFC3339)),
		OrderBy:  "sentDateTime desc",
		MaxItems: 1000,
	})
	if err != nil {
		c.logger.Warn("sent items refresh failed, keeping previous snapshot", "error", err)
		return err
	}

	conversations := make(map[string]bool, len(messages))
	for _, m := range messages {
		if m.ConversationID != "" {
			conversations[m.ConversationID] = true
		}
	}

	c.mu.Lock()
	c.conversations = conversations
	c.refreshedAt = c.now()
	c.mu.Unlock()
	return nil
}

// HasReplied reports whether the user has sent a message on the
// conversation within the cached window.
func (c *SentCache) HasReplied(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversations[conversationID]
}

// Size returns the number of conversations in the current snapshot.
func (c *SentCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conversations)
}
