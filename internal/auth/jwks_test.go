package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/metrics"
	"github.com/alexjbarnes/gdelt-mcp/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, idp *testutil.IdP) *KeySetCache {
	t.Helper()

	return NewKeySetCache(KeySetOptions{
		URL:          idp.JWKSURL(),
		HTTPClient:   idp.Server.Client(),
		Logger:       testLogger(),
		TTL:          time.Hour,
		FetchTimeout: 2 * time.Second,
	})
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKeySetCache_FetchesOnFirstUse(t *testing.T) {
	idp := testutil.NewIdP(t)
	priv := idp.AddRSAKey("k1")
	c := newTestCache(t, idp)

	key, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	pub, ok := key.(*rsa.PublicKey)
	require.True(t, ok, "got %T", key)
	assert.Equal(t, priv.PublicKey.N, pub.N)
	assert.Equal(t, priv.PublicKey.E, pub.E)
	assert.Equal(t, 1, idp.Fetches())
}

func TestKeySetCache_ServesFromCache(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	c := newTestCache(t, idp)

	for i := 0; i < 5; i++ {
		_, err := c.Key(context.Background(), "k1")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, idp.Fetches())
}

func TestKeySetCache_UnknownKidRefetchesOnce(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	c := newTestCache(t, idp)

	_, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	_, err = c.Key(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnauthorized), "got %v", err)
	assert.False(t, errors.Is(err, errs.ErrVerifierUnavailable))
	assert.Equal(t, 2, idp.Fetches(), "one initial fetch plus exactly one refetch")
}

func TestKeySetCache_RotationPickedUpOnMiss(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("old")
	c := newTestCache(t, idp)

	_, err := c.Key(context.Background(), "old")
	require.NoError(t, err)

	idp.AddECKey("new")
	idp.RemoveKey("old")

	key, err := c.Key(context.Background(), "new")
	require.NoError(t, err)
	_, ok := key.(*ecdsa.PublicKey)
	assert.True(t, ok, "got %T", key)

	_, err = c.Key(context.Background(), "old")
	assert.True(t, errors.Is(err, errs.ErrUnauthorized), "rotated-out key must be gone after refresh")
}

func TestKeySetCache_EndpointErrorIsUnavailable(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	idp.FailWith(http.StatusBadGateway)
	c := newTestCache(t, idp)

	_, err := c.Key(context.Background(), "k1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrVerifierUnavailable), "got %v", err)
	assert.False(t, errors.Is(err, errs.ErrUnauthorized))
}

func TestKeySetCache_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/auth/v1/jwks"
	srv.Close()

	c := NewKeySetCache(KeySetOptions{URL: url, FetchTimeout: time.Second})

	_, err := c.Key(context.Background(), "k1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrVerifierUnavailable), "got %v", err)
}

func TestKeySetCache_MalformedDocumentIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"keys": not json`))
	}))
	t.Cleanup(srv.Close)

	c := NewKeySetCache(KeySetOptions{URL: srv.URL, HTTPClient: srv.Client()})

	_, err := c.Key(context.Background(), "k1")
	assert.True(t, errors.Is(err, errs.ErrVerifierUnavailable), "got %v", err)
}

func TestKeySetCache_SkipsUnusableKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"keys": [
			{"kid": "", "kty": "RSA", "n": "AQAB", "e": "AQAB"},
			{"kid": "enc", "kty": "RSA", "use": "enc", "n": "AQAB", "e": "AQAB"},
			{"kid": "bad-curve", "kty": "EC", "crv": "P-192", "x": "AA", "y": "AA"},
			{"kid": "short-ed", "kty": "OKP", "crv": "Ed25519", "x": "AAAA"},
			{"kid": "oct", "kty": "oct", "k": "c2VjcmV0"},
			{"kid": "ok", "kty": "OKP", "crv": "Ed25519", "x": "11qYAYKxCrfVS_7TyWQHOg7hcvPapiMlrwIaaPcHURo"}
		]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewKeySetCache(KeySetOptions{URL: srv.URL, HTTPClient: srv.Client(), Logger: testLogger()})

	key, err := c.Key(context.Background(), "ok")
	require.NoError(t, err)
	_, ok := key.(ed25519.PublicKey)
	assert.True(t, ok, "got %T", key)

	for _, kid := range []string{"enc", "bad-curve", "short-ed", "oct"} {
		_, err := c.Key(context.Background(), kid)
		assert.True(t, errors.Is(err, errs.ErrUnauthorized), "kid %q: got %v", kid, err)
	}
}

func TestKeySetCache_EmptySetIsUnavailable(t *testing.T) {
	idp := testutil.NewIdP(t)
	c := newTestCache(t, idp)

	_, err := c.Key(context.Background(), "k1")
	assert.True(t, errors.Is(err, errs.ErrVerifierUnavailable), "got %v", err)
}

func TestKeySetCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	release := idp.Hold()
	c := newTestCache(t, idp)

	const callers = 50

	var wg sync.WaitGroup

	errCh := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := c.Key(context.Background(), "k1")
			errCh <- err
		}()
	}

	require.Eventually(t, func() bool { return idp.Fetches() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give stragglers time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
	close(errCh)

	for err := range errCh {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, idp.Fetches(), "concurrent misses must coalesce into one fetch")
}

func TestKeySetCache_ConcurrentUnknownKidsShareOneRefetch(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	c := newTestCache(t, idp)

	_, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	release := idp.Hold()

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := c.Key(context.Background(), "rotated")
			assert.True(t, errors.Is(err, errs.ErrUnauthorized), "got %v", err)
		}()
	}

	require.Eventually(t, func() bool { return idp.Fetches() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 2, idp.Fetches())
}

func TestKeySetCache_CallerCancellationAbandonsWait(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	idp.Hold()
	c := newTestCache(t, idp)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		_, err := c.Key(ctx, "k1")
		done <- err
	}()

	require.Eventually(t, func() bool { return idp.Fetches() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errs.ErrVerifierUnavailable), "got %v", err)
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("Key did not return after caller cancellation")
	}
}

func TestKeySetCache_TTLExpiryRefreshes(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	c := newTestCache(t, idp)

	clock := &fakeClock{now: time.Now()}
	c.now = clock.Now

	_, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	_, err = c.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, idp.Fetches())

	clock.Advance(31 * time.Minute)
	_, err = c.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, idp.Fetches())
}

func TestKeySetCache_StaleKeyUsedWhenRefreshFails(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	c := newTestCache(t, idp)

	clock := &fakeClock{now: time.Now()}
	c.now = clock.Now

	_, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	idp.FailWith(http.StatusInternalServerError)

	_, err = c.Key(context.Background(), "k1")
	assert.NoError(t, err, "known key survives a failed refresh")

	_, err = c.Key(context.Background(), "k2")
	assert.True(t, errors.Is(err, errs.ErrVerifierUnavailable), "got %v", err)
}

func TestKeySetCache_MinRefreshIntervalSuppressesRefetch(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")

	c := NewKeySetCache(KeySetOptions{
		URL:                idp.JWKSURL(),
		HTTPClient:         idp.Server.Client(),
		MinRefreshInterval: time.Minute,
	})

	clock := &fakeClock{now: time.Now()}
	c.now = clock.Now

	_, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.Key(context.Background(), "garbage")
		assert.True(t, errors.Is(err, errs.ErrVerifierUnavailable), "got %v", err)
		assert.False(t, errors.Is(err, errs.ErrUnauthorized))
	}

	assert.Equal(t, 1, idp.Fetches())

	clock.Advance(2 * time.Minute)
	_, err = c.Key(context.Background(), "garbage")
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))
	assert.Equal(t, 2, idp.Fetches())
}

func TestKeySetCache_RotatedKeyInsideMinRefreshIsRetryable(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")

	c := NewKeySetCache(KeySetOptions{
		URL:                idp.JWKSURL(),
		HTTPClient:         idp.Server.Client(),
		MinRefreshInterval: 5 * time.Second,
	})

	clock := &fakeClock{now: time.Now()}
	c.now = clock.Now

	_, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	idp.AddRSAKey("k2")

	_, err = c.Key(context.Background(), "k2")
	require.True(t, errors.Is(err, errs.ErrVerifierUnavailable), "got %v", err)

	clock.Advance(6 * time.Second)
	k, err := c.Key(context.Background(), "k2")
	require.NoError(t, err)
	assert.NotNil(t, k)
	assert.Equal(t, 2, idp.Fetches())
}

func TestKeySetCache_ZeroMinRefreshRefetchesRotatedKey(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")
	c := NewKeySetCache(KeySetOptions{URL: idp.JWKSURL(), HTTPClient: idp.Server.Client()})

	_, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	idp.AddRSAKey("k2")

	_, err = c.Key(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, 2, idp.Fetches())
}

func TestKeySetCache_RecordsFetchMetrics(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.AddRSAKey("k1")

	m := metrics.New()
	c := NewKeySetCache(KeySetOptions{URL: idp.JWKSURL(), HTTPClient: idp.Server.Client(), Metrics: m})

	_, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)

	mfs, err := m.Registry().Gather()
	require.NoError(t, err)

	var fetched float64

	for _, mf := range mfs {
		if mf.GetName() != "gdelt_mcp_jwks_fetches_total" {
			continue
		}

		for _, metric := range mf.GetMetric() {
			fetched += metric.GetCounter().GetValue()
		}
	}

	assert.Equal(t, 1.0, fetched)
}

func TestParseRSAKey_RejectsBadExponent(t *testing.T) {
	_, err := parseRSAKey("AQAB", "AQ") // e = 1
	assert.Error(t, err)

	_, err = parseRSAKey("", "AQAB")
	assert.Error(t, err)

	_, err = parseRSAKey("!!", "AQAB")
	assert.Error(t, err)
}
