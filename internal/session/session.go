// Package session persists sticky conversation bindings in the shared cache.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/model-router/internal/cache"
	"github.com/nulpointcorp/model-router/internal/routing"
)

// DefaultTTL is how long an untouched binding survives. Every bind and touch
// refreshes it.
const DefaultTTL = time.Hour

func sessionKey(conversationID string) string {
	return "routing:session:" + conversationID
}

// Store reads and writes sticky session bindings under
// routing:session:{conversation_id}.
type Store struct {
	cache cache.KeyedCache
	ttl   time.Duration
	log   *slog.Logger

	now func() time.Time
}

// NewStore creates a Store. ttl <= 0 selects DefaultTTL; log may be nil.
func NewStore(kc cache.KeyedCache, ttl time.Duration, log *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{cache: kc, ttl: ttl, log: log, now: time.Now}
}

// Get returns the binding for conversationID, or (nil, nil) when absent. A
// corrupt cache entry is dropped and treated as absent.
func (s *Store) Get(ctx context.Context, conversationID string) (*routing.Session, error) {
	if conversationID == "" {
		return nil, nil
	}
	raw, ok := s.cache.Get(ctx, sessionKey(conversationID))
	if !ok {
		return nil, nil
	}

	var sess routing.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		s.log.Warn("session_decode_error",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		_, _ = s.cache.Delete(ctx, sessionKey(conversationID))
		return nil, nil
	}
	return &sess, nil
}

// Bind records (provider, model) for the conversation and returns the stored
// binding. Rebinding an existing conversation keeps its created_at and
// message_count; only the target pair and last_used_at move.
func (s *Store) Bind(ctx context.Context, conversationID, logicalModel, providerID, modelID string) (*routing.Session, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("session: empty conversation id")
	}

	now := float64(s.now().UnixNano()) / float64(time.Second)

	sess := &routing.Session{
		ConversationID: conversationID,
		LogicalModel:   logicalModel,
		ProviderID:     providerID,
		ModelID:        modelID,
		CreatedAt:      now,
		LastAccessed:   now,
	}
	if prev, err := s.Get(ctx, conversationID); err == nil && prev != nil {
		sess.CreatedAt = prev.CreatedAt
		sess.MessageCount = prev.MessageCount
	}

	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Touch refreshes last_used_at, adds messageDelta to the message counter
// (never letting it go negative) and re-arms the TTL. Touching an unknown
// conversation is a no-op.
func (s *Store) Touch(ctx context.Context, conversationID string, messageDelta int) error {
	sess, err := s.Get(ctx, conversationID)
	if err != nil || sess == nil {
		return err
	}

	sess.LastAccessed = float64(s.now().UnixNano()) / float64(time.Second)
	sess.MessageCount += messageDelta
	if sess.MessageCount < 0 {
		sess.MessageCount = 0
	}
	return s.put(ctx, sess)
}

// Delete removes the binding and reports whether one existed. Existence
// comes from the cache's delete itself, so two concurrent deletes cannot
// both observe the entry.
func (s *Store) Delete(ctx context.Context, conversationID string) (bool, error) {
	if conversationID == "" {
		return false, nil
	}
	existed, err := s.cache.Delete(ctx, sessionKey(conversationID))
	if err != nil {
		return false, fmt.Errorf("session: delete %s: %w", conversationID, err)
	}
	return existed, nil
}

func (s *Store) put(ctx context.Context, sess *routing.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", sess.ConversationID, err)
	}
	if err := s.cache.Set(ctx, sessionKey(sess.ConversationID), raw, s.ttl); err != nil {
		return fmt.Errorf("session: store %s: %w", sess.ConversationID, err)
	}
	return nil
}
