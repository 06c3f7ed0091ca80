package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherrors "github.com/basicmachines-co/memoryguard/pkg/errors"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

// jwksJSON renders a JWKS document for the given kid/key pairs.
func jwksJSON(t *testing.T, keys map[string]*rsa.PublicKey) []byte {
	t.Helper()
	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Alg string `json:"alg"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	doc := struct {
		Keys []jwk `json:"keys"`
	}{}
	for kid, pub := range keys {
		doc.Keys = append(doc.Keys, jwk{
			Kty: "RSA",
			Kid: kid,
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	return body
}

func newTestResolver(t *testing.T, uri string, minInterval time.Duration) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		JWKSURI:            uri,
		CacheTTL:           time.Minute,
		MinRefreshInterval: minInterval,
	})
	require.NoError(t, err)
	return r
}

func TestResolveHit(t *testing.T) {
	key := testRSAKey(t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Second)

	got, err := r.Resolve(context.Background(), "key-1")
	require.NoError(t, err)
	pub, ok := got.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Zero(t, pub.N.Cmp(key.PublicKey.N))

	// Second resolution is served from the snapshot without a fetch.
	_, err = r.Resolve(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestResolveUnknownKidAfterRefresh(t *testing.T) {
	key := testRSAKey(t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Minute)

	_, err := r.Resolve(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, autherrors.KindUnknownSigningKey, autherrors.KindOf(err))
	assert.Equal(t, int32(1), fetches.Load())

	// The repeated miss is rate-limited: no second fetch.
	_, err = r.Resolve(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, autherrors.KindUnknownSigningKey, autherrors.KindOf(err))
	assert.Equal(t, int32(1), fetches.Load())
}

func TestResolveRotation(t *testing.T) {
	oldKey := testRSAKey(t)
	newKey := testRSAKey(t)

	var rotated atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rotated.Load() {
			w.Write(jwksJSON(t, map[string]*rsa.PublicKey{
				"key-old": &oldKey.PublicKey,
				"key-new": &newKey.PublicKey,
			}))
			return
		}
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"key-old": &oldKey.PublicKey}))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Millisecond)

	_, err := r.Resolve(context.Background(), "key-old")
	require.NoError(t, err)
	assert.Equal(t, 1, r.KeyCount())

	// Rotation publishes a new kid; the unknown kid forces a refresh.
	rotated.Store(true)
	time.Sleep(5 * time.Millisecond)

	got, err := r.Resolve(context.Background(), "key-new")
	require.NoError(t, err)
	pub, ok := got.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Zero(t, pub.N.Cmp(newKey.PublicKey.N))
	assert.Equal(t, 2, r.KeyCount())
}

func TestFetchFailureEmptyCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Minute)

	_, err := r.Resolve(context.Background(), "key-1")
	require.Error(t, err)
	assert.Equal(t, autherrors.KindKeyFetchFailed, autherrors.KindOf(err))
	// No partial cache is created from a failed fetch.
	assert.Zero(t, r.KeyCount())
}

func TestFetchFailureKeepsExistingSnapshot(t *testing.T) {
	key := testRSAKey(t)
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Millisecond)

	_, err := r.Resolve(context.Background(), "key-1")
	require.NoError(t, err)

	fail.Store(true)
	time.Sleep(5 * time.Millisecond)

	// A miss-driven refresh fails, but the existing snapshot stays intact
	// and known kids keep resolving.
	_, err = r.Resolve(context.Background(), "unknown")
	require.Error(t, err)
	assert.Equal(t, autherrors.KindKeyFetchFailed, autherrors.KindOf(err))

	_, err = r.Resolve(context.Background(), "key-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, r.KeyCount())
}

func TestConcurrentResolveSingleFlight(t *testing.T) {
	key := testRSAKey(t)
	var fetches atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-release
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Second)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve(context.Background(), "key-1")
		}(i)
	}

	// Let the workers pile up behind the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, int32(1), fetches.Load())
}

func TestResolveJoinsInFlightFetch(t *testing.T) {
	key := testRSAKey(t)
	var fetches atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) == 1 {
			close(started)
		}
		<-release
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"key-1": &key.PublicKey}))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Minute)

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "key-1")
		firstDone <- err
	}()

	// Wait until the first caller's fetch is in flight, then resolve
	// again on the still-cold cache. The late caller must wait on the
	// shared fetch and succeed, not be turned away by the rate limit.
	<-started
	lateDone := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "key-1")
		lateDone <- err
	}()

	select {
	case err := <-lateDone:
		t.Fatalf("late caller returned before the fetch completed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, <-firstDone)
	assert.NoError(t, <-lateDone)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	keyA := testRSAKey(t)
	keyB := testRSAKey(t)

	var serveB atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveB.Load() {
			w.Write(jwksJSON(t, map[string]*rsa.PublicKey{
				"key-a": &keyB.PublicKey,
				"key-b": &keyB.PublicKey,
			}))
			return
		}
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"key-a": &keyA.PublicKey}))
	}))
	defer srv.Close()

	r := newTestResolver(t, srv.URL, time.Nanosecond)
	require.NoError(t, r.Refresh(context.Background()))

	// Readers hammer the cache while refreshes swap snapshots underneath
	// them. Every successful resolution must come from a complete set:
	// key-b only ever exists alongside the second generation of key-a.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := r.Resolve(context.Background(), "key-a")
				if assert.NoError(t, err) {
					pub := got.(*rsa.PublicKey)
					generationA := pub.N.Cmp(keyA.PublicKey.N) == 0
					generationB := pub.N.Cmp(keyB.PublicKey.N) == 0
					assert.True(t, generationA || generationB)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		serveB.Store(i%2 == 1)
		require.NoError(t, r.Refresh(context.Background()))
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
}

func TestResolveUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	r := newTestResolver(t, srv.URL, time.Minute)

	_, err := r.Resolve(context.Background(), "key-1")
	require.Error(t, err)
	assert.Equal(t, autherrors.KindKeyFetchFailed, autherrors.KindOf(err))
}
