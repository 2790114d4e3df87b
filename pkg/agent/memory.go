package agent

import (
	"strings"
	"sync"
	"time"
)

// DefaultMemoryLimit bounds the transcript kept per session.
const DefaultMemoryLimit = 200

type MemoryEntry struct {
	Role    string
	Content string
	At      time.Time
}

// Memory is a bounded in-process transcript; the oldest entries fall off first.
type Memory struct {
	mu      sync.RWMutex
	limit   int
	entries []MemoryEntry
}

// NewMemory returns a transcript holding at most limit entries. A
// non-positive limit keeps everything.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Append(role string, content string) {
	role = strings.TrimSpace(role)
	content = strings.TrimSpace(content)
	if role == "" || content == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, MemoryEntry{
		Role:    role,
		Content: content,
		At:      time.Now().UTC(),
	})
	if m.limit > 0 && len(m.entries) > m.limit {
		m.entries = append(m.entries[:0:0], m.entries[len(m.entries)-m.limit:]...)
	}
}

func (m *Memory) List() []MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil
	}

	out := make([]MemoryEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
}
