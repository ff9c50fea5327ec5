// Package deviceid manages the stable per-store identifier used for echo
// suppression and last-write-wins tiebreaking.
package deviceid

import (
	"fmt"

	"github.com/google/uuid"
)

// Store is the minimal persistence contract deviceid needs: a single
// namespaced key holding the device's UUID string.
type Store interface {
	GetMeta(key string) (string, bool, error)
	PutMeta(key, value string) error
}

const metaKey = "deviceId"

// Load returns the store's persisted device id, minting and persisting a
// fresh one on first use. The id never changes for the lifetime of the
// underlying local store.
func Load(store Store) (string, error) {
	if existing, ok, err := store.GetMeta(metaKey); err != nil {
		return "", fmt.Errorf("deviceid: reading persisted id: %w", err)
	} else if ok && existing != "" {
		return existing, nil
	}

	id := uuid.NewString()
	if err := store.PutMeta(metaKey, id); err != nil {
		return "", fmt.Errorf("deviceid: persisting new id: %w", err)
	}
	return id, nil
}
