package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitriver-ingest/internal/storage"
	"bitriver-ingest/internal/transcode"
)

// KeyValidator resolves the name presented in a publish command to the
// stream it authorizes.
type KeyValidator interface {
	Resolve(ctx context.Context, name string) (storage.StreamIdentity, error)
}

// StoreValidator resolves keys against a storage.KeyStore.
type StoreValidator struct {
	store   storage.KeyStore
	timeout time.Duration
}

// NewStoreValidator bounds each lookup by timeout; zero means no extra bound.
func NewStoreValidator(store storage.KeyStore, timeout time.Duration) *StoreValidator {
	return &StoreValidator{store: store, timeout: timeout}
}

func (v *StoreValidator) Resolve(ctx context.Context, name string) (storage.StreamIdentity, error) {
	key := NormalizeKey(name)
	if key == "" || !transcode.ValidKey(key) {
		return storage.StreamIdentity{}, ErrUnauthorized
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	identity, err := v.store.LookupKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return storage.StreamIdentity{}, ErrUnauthorized
		}
		return storage.StreamIdentity{}, fmt.Errorf("lookup stream key: %w", err)
	}
	if identity.Key == "" {
		identity.Key = key
	}
	return identity, nil
}

// NormalizeKey strips a query string, as some encoders append
// "?token=..." to the stream name, and surrounding whitespace.
func NormalizeKey(name string) string {
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}
