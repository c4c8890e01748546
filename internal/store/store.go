// Package store implements the durable, encrypted, append-only
// interaction log plus the small key-value table the crypto service
// and remote sync client rely on. Writes are serialized through a
// single-goroutine command queue so callers observe each interaction
// in strict commit order.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/predictlib/corelib/internal/core"
)

// Store is the sqlite-backed InteractionStore (C2) and KeyValueStore.
type Store struct {
	db      *sql.DB
	crypto  core.Crypto
	log     *slog.Logger
	metrics *Metrics

	subMu sync.RWMutex
	subs  []core.InteractionSubscriber

	queue    chan saveCmd
	closeCh  chan struct{}
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	isClosed bool
}

type saveCmd struct {
	ctx    context.Context
	record core.InteractionRecord
	result chan error
}

const queueDepth = 256

// Open creates or opens the sqlite database at path, applies pending
// migrations, and starts the single-writer save queue. path must not
// contain ".." or point at a reserved system directory.
//
// The crypto service is wired in afterwards with SetCrypto, since the
// crypto service's deterministic-IV persistence itself depends on this
// Store's KeyValueStore methods — those work before SetCrypto is
// called, so the natural wiring order is Open, then construct Crypto
// against the Store, then SetCrypto.
func Open(ctx context.Context, path string, log *slog.Logger, metrics *Metrics) (*Store, error) {
	if path == "" {
		return nil, &core.ConfigurationError{Reason: "storage path cannot be empty"}
	}
	if strings.Contains(path, "..") {
		return nil, &core.ConfigurationError{Reason: fmt.Sprintf("storage path contains '..': %s", path)}
	}
	for _, prefix := range []string{"/etc", "/sys", "/proc", "/dev"} {
		if strings.HasPrefix(path, prefix) {
			return nil, &core.ConfigurationError{Reason: fmt.Sprintf("forbidden storage path prefix %s: %s", prefix, path)}
		}
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &core.ConfigurationError{Reason: "failed to create storage directory", Cause: err}
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "failed to open sqlite database", Cause: err}
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &core.ConfigurationError{Reason: "sqlite ping failed", Cause: err}
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, &core.ConfigurationError{Reason: "failed to apply migrations", Cause: err}
	}

	s := &Store{
		db:      db,
		log:     log,
		metrics: metrics,
		queue:   make(chan saveCmd, queueDepth),
		closeCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runQueue()
	return s, nil
}

// SetCrypto wires the crypto service used to seal and open interaction
// fields. Must be called before the first Save, List, or
// LookupByComponent call.
func (s *Store) SetCrypto(cr core.Crypto) {
	s.crypto = cr
}

func (s *Store) runQueue() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.queue:
			cmd.result <- s.saveOne(cmd.ctx, cmd.record)
		case <-s.closeCh:
			return
		}
	}
}

// Save encrypts record and persists it in one critical section: the
// componentId is sealed with a deterministic IV (see DESIGN.md for why),
// the actionType with a random IV. Subscribers are notified with the
// plaintext record only after the row has durably committed.
func (s *Store) Save(ctx context.Context, record core.InteractionRecord) error {
	result := make(chan error, 1)
	cmd := saveCmd{ctx: ctx, record: record, result: result}
	select {
	case s.queue <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) saveOne(ctx context.Context, record core.InteractionRecord) error {
	start := time.Now()
	err := s.saveOneInner(ctx, record)
	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.Errors.WithLabelValues("save").Inc()
	}
	s.metrics.Latency.WithLabelValues("save", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	s.subMu.RLock()
	subs := append([]core.InteractionSubscriber(nil), s.subs...)
	s.subMu.RUnlock()
	for _, sub := range subs {
		sub(ctx, record)
	}
	return nil
}

func (s *Store) saveOneInner(ctx context.Context, record core.InteractionRecord) error {
	componentCT, componentIV, err := s.crypto.EncryptDeterministic(ctx, record.ComponentID)
	if err != nil {
		return &core.StorageFailure{Op: "save.encrypt_component", Cause: err}
	}
	actionCT, actionIV, err := s.crypto.Encrypt(record.ActionType)
	if err != nil {
		return &core.StorageFailure{Op: "save.encrypt_action", Cause: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.StorageFailure{Op: "save.begin_tx", Cause: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO interactions (component_ct, component_iv, action_ct, action_iv, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		componentCT, componentIV, actionCT, actionIV, record.Timestamp,
	)
	if err != nil {
		return &core.StorageFailure{Op: "save.insert", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &core.StorageFailure{Op: "save.commit", Cause: err}
	}
	return nil
}

// List returns every interaction in timestamp order, decrypted.
func (s *Store) List(ctx context.Context) ([]core.InteractionRecord, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT component_ct, component_iv, action_ct, action_iv, occurred_at FROM interactions ORDER BY occurred_at ASC, id ASC`)
	if err != nil {
		s.metrics.Errors.WithLabelValues("list").Inc()
		return nil, &core.StorageFailure{Op: "list.query", Cause: err}
	}
	defer rows.Close()

	var records []core.InteractionRecord
	for rows.Next() {
		var componentCT, componentIV, actionCT, actionIV string
		var occurredAt int64
		if err := rows.Scan(&componentCT, &componentIV, &actionCT, &actionIV, &occurredAt); err != nil {
			s.metrics.Errors.WithLabelValues("list").Inc()
			return nil, &core.StorageFailure{Op: "list.scan", Cause: err}
		}
		rec, err := s.decryptRow(componentCT, componentIV, actionCT, actionIV, occurredAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StorageFailure{Op: "list.rows", Cause: err}
	}
	s.metrics.Latency.WithLabelValues("list", "ok").Observe(time.Since(start).Seconds())
	return records, nil
}

// LookupByComponent returns the most recent interaction recorded
// against componentID, if any, using the deterministic-IV index.
func (s *Store) LookupByComponent(ctx context.Context, componentID string) (core.InteractionRecord, bool, error) {
	start := time.Now()
	componentCT, _, err := s.crypto.EncryptDeterministic(ctx, componentID)
	if err != nil {
		return core.InteractionRecord{}, false, &core.StorageFailure{Op: "lookup.encrypt_component", Cause: err}
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT component_ct, component_iv, action_ct, action_iv, occurred_at FROM interactions WHERE component_ct = ? ORDER BY occurred_at DESC, id DESC LIMIT 1`,
		componentCT,
	)
	var storedCT, componentIV, actionCT, actionIV string
	var occurredAt int64
	if err := row.Scan(&storedCT, &componentIV, &actionCT, &actionIV, &occurredAt); err != nil {
		if err == sql.ErrNoRows {
			s.metrics.Latency.WithLabelValues("lookup", "miss").Observe(time.Since(start).Seconds())
			return core.InteractionRecord{}, false, nil
		}
		s.metrics.Errors.WithLabelValues("lookup").Inc()
		return core.InteractionRecord{}, false, &core.StorageFailure{Op: "lookup.scan", Cause: err}
	}

	rec, err := s.decryptRow(storedCT, componentIV, actionCT, actionIV, occurredAt)
	if err != nil {
		return core.InteractionRecord{}, false, err
	}
	s.metrics.Latency.WithLabelValues("lookup", "hit").Observe(time.Since(start).Seconds())
	return rec, true, nil
}

func (s *Store) decryptRow(componentCT, componentIV, actionCT, actionIV string, occurredAt int64) (core.InteractionRecord, error) {
	componentID, err := s.crypto.Decrypt(componentCT, componentIV)
	if err != nil {
		return core.InteractionRecord{}, &core.StorageFailure{Op: "decrypt.component", Cause: err}
	}
	actionType, err := s.crypto.Decrypt(actionCT, actionIV)
	if err != nil {
		return core.InteractionRecord{}, &core.StorageFailure{Op: "decrypt.action", Cause: err}
	}
	return core.InteractionRecord{
		ComponentID: componentID,
		ActionType:  actionType,
		Timestamp:   occurredAt,
	}, nil
}

// Clear deletes every interaction row. The kv_store table is untouched.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interactions`)
	if err != nil {
		s.metrics.Errors.WithLabelValues("clear").Inc()
		return &core.StorageFailure{Op: "clear", Cause: err}
	}
	return nil
}

// Subscribe registers sub to be called, in the save goroutine, after
// every successful Save commits.
func (s *Store) Subscribe(sub core.InteractionSubscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, sub)
}

// Get implements core.KeyValueStore against the kv_store table.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, &core.StorageFailure{Op: "kv.get", Cause: err}
	}
	return value, true, nil
}

// Put implements core.KeyValueStore against the kv_store table.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return &core.StorageFailure{Op: "kv.put", Cause: err}
	}
	return nil
}

// Close stops the save queue and closes the underlying database.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.isClosed {
		s.closeMu.Unlock()
		return nil
	}
	s.isClosed = true
	s.closeMu.Unlock()

	close(s.closeCh)
	s.wg.Wait()
	return s.db.Close()
}

var _ core.InteractionStore = (*Store)(nil)
