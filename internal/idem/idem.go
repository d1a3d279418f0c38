// Package idem prevents duplicate side effects from retried or racing
// requests. Every guarded write path acquires a dedupe key before executing;
// the key is a conditional insert into the shared entity store, so the loser
// of a race deterministically receives the stored first result rather than a
// transient error.
package idem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wallst/internal/store"
)

// ErrAlreadyProcessed reports that the dedupe key was acquired by an earlier
// request. Acquire returns the previously stored result alongside it.
var ErrAlreadyProcessed = errors.New("already processed")

type Layer struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

func New(st store.Store, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{store: st, log: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire claims key within scope, storing result for duplicate callers.
// Exactly one caller per distinct key is granted (nil error); every later or
// losing caller gets the first caller's serialized result together with
// ErrAlreadyProcessed. The validity window lives inside the key itself
// (e.g. "u1:2024-04-12"): a new window is a new key.
func (l *Layer) Acquire(ctx context.Context, scope, key string, result any) ([]byte, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal idem result %s/%s: %w", scope, key, err)
	}
	rec := store.IdemRecord{
		Scope:     scope,
		Key:       key,
		Result:    payload,
		CreatedAt: l.now(),
	}
	err = l.store.Create(ctx, rec)
	if err == nil {
		return payload, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, err
	}

	existing, err := l.store.Get(ctx, rec.PrimaryKey())
	if err != nil {
		return nil, fmt.Errorf("read stored idem result %s/%s: %w", scope, key, err)
	}
	stored, ok := existing.Entity.(store.IdemRecord)
	if !ok {
		return nil, fmt.Errorf("idem record %s/%s has kind %s", scope, key, existing.Kind)
	}
	l.log.Debug("duplicate write suppressed", "scope", scope, "key", key)
	return stored.Result, fmt.Errorf("%s/%s: %w", scope, key, ErrAlreadyProcessed)
}

// Stored unmarshals a stored result into out.
func Stored(result []byte, out any) error {
	if len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, out)
}
