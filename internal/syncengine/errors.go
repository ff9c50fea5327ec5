// Classification of adapter/push errors per spec.md §7, grounded on the
// teacher's call-site classification of storage backend errors (wrapped
// with fmt.Errorf("...: %w", err) and matched against sentinels at the
// point of use, e.g. internal/metadata's ErrNotFound/ErrConflict checks).
package syncengine

import (
	"context"
	"errors"
	"strings"

	"github.com/offlinesync/syncengine/internal/remote"
)

// Class enumerates the error taxonomy spec.md §7 names.
type Class string

const (
	ClassTransient    Class = "transient"
	ClassPersistent   Class = "persistent"
	ClassDuplicate    Class = "duplicate"
	ClassNotFound     Class = "not_found"
	ClassUnknown      Class = "unknown"
)

// transientMarkers are substrings an adapter's wrapped error text may carry
// identifying a retryable condition: network failure, DNS, timeouts, HTTP
// 429/5xx, "unavailable"/"temporarily".
var transientMarkers = []string{
	"timeout", "deadline exceeded", "connection refused", "connection reset",
	"no such host", "dns", "unavailable", "temporarily", "429", "500", "502",
	"503", "504", "network",
}

var persistentMarkers = []string{
	"unauthorized", "forbidden", "session expired", "revoked", "row-level",
	"row level", "rls", "auth",
}

var duplicateMarkers = []string{
	"unique constraint", "duplicate key", "already exists",
}

// Classify maps err to a Class, checking context deadline/cancellation and
// remote.ErrRowLevelAuthDenied as sentinels before falling back to
// substring matching on the wrapped message, since HTTPAdapter surfaces
// backend failures as plain wrapped errors rather than typed ones.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	if errors.Is(err, remote.ErrRowLevelAuthDenied) {
		return ClassPersistent
	}

	msg := strings.ToLower(err.Error())
	for _, m := range duplicateMarkers {
		if strings.Contains(msg, m) {
			return ClassDuplicate
		}
	}
	for _, m := range persistentMarkers {
		if strings.Contains(msg, m) {
			return ClassPersistent
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassUnknown
}

// IsTransient reports whether err should be retried via outbox backoff
// rather than surfaced immediately.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
