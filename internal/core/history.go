package core

import (
	"github.com/puzpuzpuz/xsync/v3"
)

const defaultHistoryLimit = 100

// History keeps the most recent messages per key in memory. It is lost on
// restart like everything else in the process.
type History struct {
	limit int
	logs  *xsync.MapOf[string, []Message]
}

// NewHistory retains up to limit messages per key; zero selects the
// default.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{
		limit: limit,
		logs:  xsync.NewMapOf[string, []Message](),
	}
}

// Append records a copy of msg under key, dropping the oldest entry once
// the key is full.
func (h *History) Append(key string, msg *Message) {
	entry := *msg
	entry.Payload = append([]byte(nil), msg.Payload...)
	h.logs.Compute(key, func(cur []Message, _ bool) ([]Message, bool) {
		if len(cur) >= h.limit {
			cur = append([]Message(nil), cur[len(cur)-h.limit+1:]...)
		}
		return append(cur, entry), false
	})
}

// Recent returns up to n of the newest messages under key, oldest first.
// n <= 0 returns everything retained.
func (h *History) Recent(key string, n int) []Message {
	cur, ok := h.logs.Load(key)
	if !ok {
		return []Message{}
	}
	if n > 0 && len(cur) > n {
		cur = cur[len(cur)-n:]
	}
	return append([]Message(nil), cur...)
}

// Forget drops everything recorded under key.
func (h *History) Forget(key string) {
	h.logs.Delete(key)
}
