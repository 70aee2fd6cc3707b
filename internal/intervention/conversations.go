package intervention

import (
	"fmt"
	"sync"
)

// Conversations is the in-process legacy conversation registry: one
// buffered channel per conversation id, grounded on the teacher's
// internal/router/comms.go RegisterShutdownChannel/TriggerShutdown
// map[string]chan struct{} pattern, generalized to carry steering message
// text instead of a bare close signal.
type Conversations struct {
	mu      sync.RWMutex
	handles map[string]chan string
}

func NewConversations() *Conversations {
	return &Conversations{handles: make(map[string]chan string)}
}

// Register creates (or replaces) the channel backing conversationID,
// returning it for the in-process agent loop to read from.
func (c *Conversations) Register(conversationID string) <-chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan string, 32)
	c.handles[conversationID] = ch
	return ch
}

func (c *Conversations) Unregister(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.handles[conversationID]; ok {
		close(ch)
		delete(c.handles, conversationID)
	}
}

// Send delivers message to conversationID's channel, non-blocking.
func (c *Conversations) Send(conversationID, message string) error {
	c.mu.RLock()
	ch, ok := c.handles[conversationID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no in-process conversation handle for %s", conversationID)
	}
	select {
	case ch <- message:
		return nil
	default:
		return fmt.Errorf("conversation %s handle is full", conversationID)
	}
}
