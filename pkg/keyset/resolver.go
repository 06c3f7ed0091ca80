// Copyright © 2025 Basic Machines
//
// SPDX-License-Identifier: MIT

package keyset

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	autherrors "github.com/basicmachines-co/memoryguard/pkg/errors"
	"github.com/basicmachines-co/memoryguard/pkg/logging"
)

const (
	defaultCacheTTL           = 15 * time.Minute
	defaultMinRefreshInterval = 5 * time.Second
	fetchTimeout              = 10 * time.Second
	maxJWKSBody               = 1 << 20
	missTrackerSize           = 128
)

// Config controls JWKS retrieval and caching.
type Config struct {
	// JWKSURI is the HTTPS endpoint publishing the provider's key set.
	JWKSURI string
	// CacheTTL bounds how long a fetched key set is served without a
	// refresh. Defaults to 15 minutes.
	CacheTTL time.Duration
	// MinRefreshInterval bounds how often cache misses may force a
	// refresh, so a burst of tokens with unknown kids cannot cause a
	// fetch storm. Defaults to 5 seconds.
	MinRefreshInterval time.Duration
	// HTTPClient overrides the client used for fetches. Optional.
	HTTPClient *http.Client
}

// snapshot is one complete, immutable fetch of the provider's key set.
// Keys within a snapshot never change; rotation produces a new snapshot.
type snapshot struct {
	keys      map[string]any
	fetchedAt time.Time
}

func (s *snapshot) fresh(ttl time.Duration) bool {
	return time.Since(s.fetchedAt) < ttl
}

// Resolver maps key IDs to verification keys fetched from a JWKS endpoint.
//
// Reads are lock-free: resolution loads the current snapshot pointer and
// looks up the kid in it; a concurrent refresh installs a replacement
// snapshot without touching the one readers already hold. At most one fetch
// is in flight at a time; concurrent misses wait for its result.
type Resolver struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger

	current atomic.Pointer[snapshot]
	group   singleflight.Group

	mu          sync.Mutex
	lastAttempt time.Time
	misses      *lru.Cache[string, time.Time]
}

// NewResolver creates a Resolver for the configured JWKS endpoint. The cache
// starts empty and is populated lazily on the first resolution.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.JWKSURI == "" {
		return nil, autherrors.New(autherrors.KindKeyFetchFailed, "jwks uri is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.MinRefreshInterval == 0 {
		cfg.MinRefreshInterval = defaultMinRefreshInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}

	misses, err := lru.New[string, time.Time](missTrackerSize)
	if err != nil {
		return nil, autherrors.Wrap(err, autherrors.KindInternal, "creating miss tracker")
	}

	return &Resolver{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logging.GetLogger("keyset"),
		misses:     misses,
	}, nil
}

// Resolve returns the verification key for a kid. A hit in a fresh snapshot
// returns without network access. A miss forces at most one refresh, after
// which an absent kid is reported as UnknownSigningKey; a fetch failure is
// KeyFetchFailed and never falls back to accepting unverifiable tokens.
func (r *Resolver) Resolve(ctx context.Context, kid string) (any, error) {
	snap := r.current.Load()
	if snap != nil && snap.fresh(r.cfg.CacheTTL) {
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
		// Unknown kid in a fresh set: rotation may have introduced it,
		// so refresh, but not more often than the configured interval.
		if !r.allowForcedRefresh(kid) {
			return nil, autherrors.Newf(autherrors.KindUnknownSigningKey, "no key for kid %q", kid)
		}
	} else if !r.allowFetchAttempt() {
		// Empty or stale cache and the last fetch attempt completed
		// moments ago; it must have failed or the snapshot would be
		// fresh.
		return nil, autherrors.New(autherrors.KindKeyFetchFailed, "key set unavailable")
	}

	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}

	snap = r.current.Load()
	if snap == nil {
		return nil, autherrors.New(autherrors.KindKeyFetchFailed, "key set unavailable")
	}
	if key, ok := snap.keys[kid]; ok {
		r.mu.Lock()
		r.misses.Remove(kid)
		r.mu.Unlock()
		return key, nil
	}

	r.mu.Lock()
	r.misses.Add(kid, time.Now())
	r.mu.Unlock()
	return nil, autherrors.Newf(autherrors.KindUnknownSigningKey, "no key for kid %q after refresh", kid)
}

// Refresh fetches the full key set and atomically replaces the snapshot.
// Concurrent callers share a single fetch. The fetch itself is not tied to
// any one caller's context; cancellation only stops the wait, and the result
// still benefits other waiters.
func (r *Resolver) Refresh(ctx context.Context) error {
	ch := r.group.DoChan("jwks", func() (any, error) {
		return nil, r.fetch()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return autherrors.Wrap(ctx.Err(), autherrors.KindKeyFetchFailed, "key set refresh abandoned")
	}
}

// KeyCount reports the size of the current snapshot.
func (r *Resolver) KeyCount() int {
	if snap := r.current.Load(); snap != nil {
		return len(snap.keys)
	}
	return 0
}

func (r *Resolver) allowForcedRefresh(kid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if missedAt, ok := r.misses.Get(kid); ok && time.Since(missedAt) < r.cfg.MinRefreshInterval {
		return false
	}
	return time.Since(r.lastAttempt) >= r.cfg.MinRefreshInterval
}

func (r *Resolver) allowFetchAttempt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastAttempt) >= r.cfg.MinRefreshInterval
}

// fetch retrieves the JWKS document and installs a new snapshot. A failure
// leaves the current snapshot untouched. lastAttempt is recorded on
// completion, not initiation: callers arriving while a fetch is in flight
// must pass the rate-limit gate and join the shared fetch rather than fail
// fast.
func (r *Resolver) fetch() error {
	defer func() {
		r.mu.Lock()
		r.lastAttempt = time.Now()
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.JWKSURI, nil)
	if err != nil {
		return autherrors.Wrap(err, autherrors.KindKeyFetchFailed, "building jwks request")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn().Err(err).Msg("jwks fetch failed")
		return autherrors.Wrap(err, autherrors.KindKeyFetchFailed, "jwks endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Warn().Int("status", resp.StatusCode).Msg("jwks fetch failed")
		return autherrors.Newf(autherrors.KindKeyFetchFailed, "jwks endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return autherrors.Wrap(err, autherrors.KindKeyFetchFailed, "reading jwks response")
	}

	jwks, err := keyfunc.NewJSON(body)
	if err != nil {
		return autherrors.Wrap(err, autherrors.KindKeyFetchFailed, "parsing jwks document")
	}

	keys := make(map[string]any)
	for kid, key := range jwks.ReadOnlyKeys() {
		if key == nil {
			continue
		}
		keys[kid] = key
	}

	r.current.Store(&snapshot{keys: keys, fetchedAt: time.Now()})
	r.logger.Debug().Int("keys", len(keys)).Msg("jwks snapshot replaced")
	return nil
}
