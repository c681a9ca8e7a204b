package rag

import (
	"sync"

	"github.com/datasage-io/datasage/pkg/llm"
)

// Sessions keeps a rolling window of chat history per (owner, session).
// Keys include the owner so one user's history can never replay into
// another's prompt.
type Sessions struct {
	mu    sync.Mutex
	limit int
	byKey map[string][]llm.Message
}

// NewSessions returns a session table keeping at most limit exchanges
// (a question and its answer) per session.
func NewSessions(limit int) *Sessions {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Sessions{limit: limit, byKey: make(map[string][]llm.Message)}
}

// History returns a copy of the stored messages for a session, oldest
// first. An empty session ID has no history.
func (s *Sessions) History(owner, sessionID string) []llm.Message {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.byKey[sessionKey(owner, sessionID)]
	if len(msgs) == 0 {
		return nil
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append records one exchange, evicting the oldest past the limit.
func (s *Sessions) Append(owner, sessionID, question, answer string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(owner, sessionID)
	msgs := append(s.byKey[key],
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: answer},
	)
	if keep := s.limit * 2; len(msgs) > keep {
		msgs = msgs[len(msgs)-keep:]
	}
	s.byKey[key] = msgs
}

func sessionKey(owner, sessionID string) string {
	return owner + "\x00" + sessionID
}
