// Package session keeps per-session conversation history in Redis so
// follow-up council queries carry earlier turns as prompt context.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	keyPrefix = "session:"

	// Providers tokenize English at roughly three words per four tokens.
	// The estimate here only bounds how much history enters a prompt, so
	// a rough ratio with a small per-message floor is enough.
	tokensPerMessageFloor = 4
)

// Turn is one message in a conversation, stored as JSON in a Redis list.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Config struct {
	TTL      time.Duration
	MaxTurns int
}

func (c Config) withDefaults() Config {
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = 200
	}
	return c
}

// Store reads and writes conversation history. Each session is one Redis
// list keyed by session id, trimmed to MaxTurns and expiring after TTL of
// inactivity.
type Store struct {
	client *redis.Client
	cfg    Config
	log    *logrus.Logger
}

func NewStore(client *redis.Client, cfg Config, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{client: client, cfg: cfg.withDefaults(), log: log}
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

// Append adds one turn to the session and refreshes its expiry.
func (s *Store) Append(ctx context.Context, sessionID string, turn Turn) error {
	if sessionID == "" {
		return fmt.Errorf("session: id is required")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("session: marshal turn: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key(sessionID), data)
	pipe.LTrim(ctx, key(sessionID), int64(-s.cfg.MaxTurns), -1)
	pipe.Expire(ctx, key(sessionID), s.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: append: %w", err)
	}
	return nil
}

// RecordExchange stores a completed query/answer pair as two turns.
func (s *Store) RecordExchange(ctx context.Context, sessionID, query, answer string) error {
	if err := s.Append(ctx, sessionID, Turn{Role: RoleUser, Content: query}); err != nil {
		return err
	}
	return s.Append(ctx, sessionID, Turn{Role: RoleAssistant, Content: answer})
}

// History returns the session's turns oldest first. A session that does not
// exist yields an empty history, not an error.
func (s *Store) History(ctx context.Context, sessionID string) ([]Turn, error) {
	raw, err := s.client.LRange(ctx, key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: history: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			// A corrupt entry loses one turn, not the whole session.
			s.log.WithError(err).WithField("session_id", sessionID).
				Warn("Skipping unreadable session turn")
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Clear deletes the session's history.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}

// ContextFor renders the most recent turns that fit within tokenBudget as a
// transcript, oldest first. Newer turns win when the budget is tight. An
// unknown session returns an empty string.
func (s *Store) ContextFor(ctx context.Context, sessionID string, tokenBudget int) (string, error) {
	turns, err := s.History(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 || tokenBudget <= 0 {
		return "", nil
	}

	start := len(turns)
	remaining := tokenBudget
	for i := len(turns) - 1; i >= 0; i-- {
		cost := estimateTokens(turns[i].Content)
		if cost > remaining {
			break
		}
		remaining -= cost
		start = i
	}
	if start == len(turns) {
		return "", nil
	}

	var b strings.Builder
	for i, turn := range turns[start:] {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
	}
	return b.String(), nil
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// estimateTokens approximates a message's token cost at four tokens per
// three words, with a floor covering role framing overhead.
func estimateTokens(content string) int {
	words := len(strings.Fields(content))
	est := (words*4 + 2) / 3
	if est < tokensPerMessageFloor {
		return tokensPerMessageFloor
	}
	return est
}
