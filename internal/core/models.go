// Package core holds the domain types, interfaces, and error kinds shared
// across the prediction library: interaction records, component
// descriptors, action bindings, and the aggregate model state the
// prediction engine maintains.
package core

// InteractionRecord is a single user-originated event: the application
// fired actionType against componentId at timestamp (ms since epoch).
// The storage-assigned id is not part of this type — it is an
// implementation detail of the interaction store.
type InteractionRecord struct {
	ComponentID string `json:"componentId" validate:"required"`
	ActionType  string `json:"actionType" validate:"required"`
	Timestamp   int64  `json:"timestamp" validate:"required"`
}

// ComponentDescriptor is the in-memory record of a registered,
// preloadable UI unit.
type ComponentDescriptor struct {
	ID       string         `json:"id" validate:"required"`
	Type     string         `json:"type" validate:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Prediction is the result of a predict call: the most likely next
// action and the component it resolves to, or both empty when the
// engine has no basis for a guess.
type Prediction struct {
	Action      string `json:"action,omitempty"`
	ComponentID string `json:"componentId,omitempty"`
}

// IsEmpty reports whether the prediction is the "no guess" sentinel.
func (p Prediction) IsEmpty() bool {
	return p.Action == "" && p.ComponentID == ""
}

// GlobalModel is the server-aggregated cross-user model fetched by the
// remote sync client to seed cold-start predictions. Keys are plaintext
// action names after decryption.
type GlobalModel struct {
	GlobalActionCounter map[string]int64
	TimePatterns        map[string]map[int]int64 // action -> hour[0..23] -> count
}
