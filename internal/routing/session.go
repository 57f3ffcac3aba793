package routing

import "encoding/json"

// Session is a conversation-scoped sticky binding: follow-up requests for the
// same conversation route to the same (provider, model) pair.
//
// The persisted JSON form uses the historical field name "last_used_at" for
// what the code calls LastAccessed; both spellings are accepted on read and
// the alias is emitted on write.
type Session struct {
	ConversationID string  `json:"conversation_id"`
	LogicalModel   string  `json:"logical_model"`
	ProviderID     string  `json:"provider_id"`
	ModelID        string  `json:"model_id"`
	CreatedAt      float64 `json:"created_at"`     // epoch seconds
	LastAccessed   float64 `json:"-"`              // epoch seconds, serialized as last_used_at
	MessageCount   int     `json:"message_count"`
}

type sessionWire struct {
	ConversationID string   `json:"conversation_id"`
	LogicalModel   string   `json:"logical_model"`
	ProviderID     string   `json:"provider_id"`
	ModelID        string   `json:"model_id"`
	CreatedAt      float64  `json:"created_at"`
	LastUsedAt     *float64 `json:"last_used_at,omitempty"`
	LastAccessed   *float64 `json:"last_accessed,omitempty"`
	MessageCount   int      `json:"message_count"`
}

// MarshalJSON emits the external form with the last_used_at alias.
func (s Session) MarshalJSON() ([]byte, error) {
	last := s.LastAccessed
	return json.Marshal(sessionWire{
		ConversationID: s.ConversationID,
		LogicalModel:   s.LogicalModel,
		ProviderID:     s.ProviderID,
		ModelID:        s.ModelID,
		CreatedAt:      s.CreatedAt,
		LastUsedAt:     &last,
		MessageCount:   s.MessageCount,
	})
}

// UnmarshalJSON accepts either last_used_at (external) or last_accessed
// (internal) for the same datum; last_used_at wins when both are present.
func (s *Session) UnmarshalJSON(data []byte) error {
	var w sessionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.ConversationID = w.ConversationID
	s.LogicalModel = w.LogicalModel
	s.ProviderID = w.ProviderID
	s.ModelID = w.ModelID
	s.CreatedAt = w.CreatedAt
	s.MessageCount = w.MessageCount
	switch {
	case w.LastUsedAt != nil:
		s.LastAccessed = *w.LastUsedAt
	case w.LastAccessed != nil:
		s.LastAccessed = *w.LastAccessed
	}
	if s.MessageCount < 0 {
		s.MessageCount = 0
	}
	return nil
}
