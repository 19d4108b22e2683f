package lookup

import (
	"context"
	"strings"
	"time"

	"spamguard/internal/metrics"
)

// Key identifies one remote lookup. Fingerprint carries the settings that
// change the remote answer (for example the geo provider), never thresholds
// that are applied after the lookup.
type Key struct {
	Detector    string
	IP          string
	Fingerprint string
}

func (k Key) String() string {
	parts := []string{k.Detector, k.IP}
	if k.Fingerprint != "" {
		parts = append(parts, k.Fingerprint)
	}
	return strings.Join(parts, "|")
}

type FetchFunc func(ctx context.Context) ([]byte, error)

// Cache memoizes raw remote payloads. A failed fetch is returned to the
// caller and never stored. Concurrent fetches for one key are allowed; the
// last successful write wins.
type Cache interface {
	GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) (value []byte, hit bool, err error)
	Close() error
}

func recordHit()   { metrics.IncLookupCache("hit") }
func recordMiss()  { metrics.IncLookupCache("miss") }
func recordError() { metrics.IncLookupCache("fetch_error") }
