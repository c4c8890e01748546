package core

import "context"

// Crypto is the AES-GCM confidentiality/joinability service (C1).
type Crypto interface {
	// Encrypt seals plaintext with a fresh random 12-byte IV. Returns
	// base64 ciphertext and base64 IV.
	Encrypt(plaintext string) (ciphertext, iv string, err error)

	// EncryptDeterministic seals plaintext with a per-plaintext IV that
	// is stable across calls and sessions, so that repeated encryptions
	// of the same plaintext are bytewise identical ciphertexts.
	EncryptDeterministic(ctx context.Context, plaintext string) (ciphertext, iv string, err error)

	// Decrypt opens a ciphertext produced by either Encrypt or
	// EncryptDeterministic given its IV.
	Decrypt(ciphertext, iv string) (plaintext string, err error)
}

// KeyValueStore is the minimal durable key-value surface the crypto
// service and remote sync client need: the deterministic IV map and the
// app id are both single keys in this store.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Put(ctx context.Context, key, value string) error
}

// InteractionSubscriber receives a decrypted record immediately after
// its encrypted form commits to durable storage.
type InteractionSubscriber func(ctx context.Context, record InteractionRecord)

// InteractionStore is the durable, encrypted append-only interaction
// log (C2).
type InteractionStore interface {
	Save(ctx context.Context, record InteractionRecord) error
	List(ctx context.Context) ([]InteractionRecord, error)
	LookupByComponent(ctx context.Context, componentID string) (InteractionRecord, bool, error)
	Clear(ctx context.Context) error
	Subscribe(sub InteractionSubscriber)
	KeyValueStore
	Close() error
}

// ComponentRegistry is the process-wide resolver from action type to
// component id (C3).
type ComponentRegistry interface {
	TrackComponent(id, typ string, metadata map[string]any) error
	AssociateActionWithComponent(actionType, componentID string) error
	GetComponentByAction(actionType string) (componentID string, found bool)
	List() []ComponentDescriptor
}

// PredictionEngine maintains the per-user model and answers next-action
// queries (C4).
type PredictionEngine interface {
	// Update folds one confirmed interaction into the model. Must be
	// called in commit order; the caller (store notification) owns
	// serialization.
	Update(record InteractionRecord)

	// Predict computes the next-action distribution as of nowMs. Pure
	// function of current state and nowMs.
	Predict(nowMs int64) Prediction

	// MergeGlobalModel installs a server-supplied GlobalActionCounter
	// and TimePatterns when local history is too thin to predict alone.
	// TransitionMatrix is never seeded from the server.
	MergeGlobalModel(model GlobalModel)

	// HistoryLen reports the current bounded history length, used to
	// decide whether a global-model fetch is warranted.
	HistoryLen() int

	// HasTransitions reports whether any transition has been observed,
	// used by the global-model fetch-skip condition.
	HasTransitions() bool

	// RecentActionCounts returns a snapshot count of each action type
	// present in the current bounded history, used by the daily upload.
	RecentActionCounts() map[string]int64
}

// Fetcher performs the actual (out-of-scope) network fetch of a
// component's resources. Supplied by the embedding application.
type Fetcher interface {
	Fetch(ctx context.Context, componentID string) error
}

// Preloader is the idempotent preload dispatcher (C5).
type Preloader interface {
	Preload(ctx context.Context, componentID string) error
	PreloadNextPrediction(ctx context.Context, nowMs int64) error
}

// RemoteSync is the registration / upload / global-model client (C6).
type RemoteSync interface {
	AppID(ctx context.Context) (string, error)
	Upload(ctx context.Context) error
	FetchGlobalModel(ctx context.Context) (GlobalModel, error)
}
