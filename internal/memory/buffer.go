// Package memory keeps short-term conversation history for agent turns.
package memory

import (
	"sync"

	"github.com/haasonsaas/llmops/internal/memory/embeddings"
	"github.com/haasonsaas/llmops/pkg/models"
)

const (
	DefaultMaxTokens   = 2000
	DefaultMaxMessages = 10
)

// BufferConfig bounds the history handed to the model.
type BufferConfig struct {
	// MaxTokens caps the token count of the returned history.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
	// MaxMessages caps the number of user/assistant pairs.
	MaxMessages int `yaml:"max_messages" json:"max_messages"`
}

// TokenBufferMemory trims history to the most recent user/assistant pairs
// that fit the token budget. Pairs are dropped oldest first, and never
// split, so the result always has even length.
type TokenBufferMemory struct {
	maxTokens   int
	maxMessages int
	count       func(string) int
}

// NewTokenBufferMemory builds a buffer. A nil counter estimates four
// characters per token.
func NewTokenBufferMemory(cfg BufferConfig, counter func(string) int) *TokenBufferMemory {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if counter == nil {
		counter = embeddings.EstimateTokens
	}
	return &TokenBufferMemory{
		maxTokens:   cfg.MaxTokens,
		maxMessages: cfg.MaxMessages,
		count:       counter,
	}
}

// Trim returns the tail of history that fits. A trailing unpaired message
// is discarded.
func (m *TokenBufferMemory) Trim(history []models.Message) []models.Message {
	if len(history)%2 != 0 {
		history = history[:len(history)-1]
	}
	pairs := len(history) / 2
	start := 2 * max(pairs-m.maxMessages, 0)

	tokens := 0
	for _, msg := range history[start:] {
		tokens += m.count(msg.Content)
	}
	for start < len(history) && tokens > m.maxTokens {
		tokens -= m.count(history[start].Content) + m.count(history[start+1].Content)
		start += 2
	}

	out := make([]models.Message, len(history)-start)
	copy(out, history[start:])
	return out
}

// Conversations stores finished turns per conversation in memory.
type Conversations struct {
	mu     sync.RWMutex
	buffer *TokenBufferMemory
	turns  map[string][]models.Message
}

// NewConversations creates an empty store trimming with buffer.
func NewConversations(buffer *TokenBufferMemory) *Conversations {
	if buffer == nil {
		buffer = NewTokenBufferMemory(BufferConfig{}, nil)
	}
	return &Conversations{
		buffer: buffer,
		turns:  make(map[string][]models.Message),
	}
}

// Append records a completed exchange. Stored history is capped at twice
// the buffer's pair limit.
func (c *Conversations) Append(conversationID, query, answer string) {
	if conversationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := append(c.turns[conversationID], models.HumanMessage(query), models.AIMessage(answer))
	if limit := 4 * c.buffer.maxMessages; len(turns) > limit {
		turns = append([]models.Message(nil), turns[len(turns)-limit:]...)
	}
	c.turns[conversationID] = turns
}

// History returns the trimmed history of a conversation.
func (c *Conversations) History(conversationID string) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buffer.Trim(c.turns[conversationID])
}

// Forget drops a conversation.
func (c *Conversations) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.turns, conversationID)
}
