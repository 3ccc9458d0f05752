package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
)

func testKeySet(t *testing.T, keyIDs ...string) jose.JSONWebKeySet {
	t.Helper()
	var set jose.JSONWebKeySet
	for _, kid := range keyIDs {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generating RSA key: %v", err)
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return set
}

func TestStaticKeys_ResolveKey(t *testing.T) {
	ctx := context.Background()

	t.Run("matches key ID", func(t *testing.T) {
		keys := NewStaticKeys(testKeySet(t, "a", "b"))
		k, err := keys.ResolveKey(ctx, "b")
		if err != nil {
			t.Fatalf("ResolveKey() error = %v", err)
		}
		if k.KeyID != "b" {
			t.Errorf("KeyID = %q, want %q", k.KeyID, "b")
		}
	})

	t.Run("unknown key ID", func(t *testing.T) {
		keys := NewStaticKeys(testKeySet(t, "a"))
		_, err := keys.ResolveKey(ctx, "missing")
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("ResolveKey() error = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("empty key ID with a single key", func(t *testing.T) {
		keys := NewStaticKeys(testKeySet(t, "only"))
		k, err := keys.ResolveKey(ctx, "")
		if err != nil {
			t.Fatalf("ResolveKey() error = %v", err)
		}
		if k.KeyID != "only" {
			t.Errorf("KeyID = %q, want %q", k.KeyID, "only")
		}
	})

	t.Run("empty key ID is ambiguous with several keys", func(t *testing.T) {
		keys := NewStaticKeys(testKeySet(t, "a", "b"))
		if _, err := keys.ResolveKey(ctx, ""); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("ResolveKey() error = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("encryption keys are ignored", func(t *testing.T) {
		ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generating EC key: %v", err)
		}
		set := testKeySet(t, "sig-key")
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &ecKey.PublicKey, KeyID: "enc-key", Use: "enc"})

		keys := NewStaticKeys(set)
		if _, err := keys.ResolveKey(ctx, "enc-key"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("ResolveKey(enc-key) error = %v, want ErrKeyNotFound", err)
		}
	})
}

// jwksServer serves set and counts requests.
func jwksServer(t *testing.T, set *jose.JSONWebKeySet, mu *sync.Mutex) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	count := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv, count
}

func TestRemoteKeys_FetchesLazily(t *testing.T) {
	set := testKeySet(t, "a")
	var mu sync.Mutex
	srv, count := jwksServer(t, &set, &mu)

	keys := NewRemoteKeys(srv.URL, srv.Client())
	if got := count.Load(); got != 0 {
		t.Fatalf("requests before first resolve = %d, want 0", got)
	}

	for i := 0; i < 3; i++ {
		if _, err := keys.ResolveKey(context.Background(), "a"); err != nil {
			t.Fatalf("ResolveKey() error = %v", err)
		}
	}
	if got := count.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (cached after first fetch)", got)
	}
}

func TestRemoteKeys_RefetchesOnUnknownKeyID(t *testing.T) {
	set := testKeySet(t, "a")
	var mu sync.Mutex
	srv, count := jwksServer(t, &set, &mu)

	keys := NewRemoteKeys(srv.URL, srv.Client())
	if _, err := keys.ResolveKey(context.Background(), "a"); err != nil {
		t.Fatalf("ResolveKey(a) error = %v", err)
	}

	// Given: the issuer rotates in key "b"
	mu.Lock()
	set.Keys = append(set.Keys, testKeySet(t, "b").Keys...)
	mu.Unlock()

	// When: a token names key "b"
	k, err := keys.ResolveKey(context.Background(), "b")

	// Then: the set is fetched exactly once more
	if err != nil {
		t.Fatalf("ResolveKey(b) error = %v", err)
	}
	if k.KeyID != "b" {
		t.Errorf("KeyID = %q, want %q", k.KeyID, "b")
	}
	if got := count.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}

	// An ID that never appears costs one refetch per lookup.
	if _, err := keys.ResolveKey(context.Background(), "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("ResolveKey(missing) error = %v, want ErrKeyNotFound", err)
	}
	if got := count.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestRemoteKeys_ConcurrentResolve(t *testing.T) {
	set := testKeySet(t, "a")
	var mu sync.Mutex
	srv, count := jwksServer(t, &set, &mu)

	keys := NewRemoteKeys(srv.URL, srv.Client())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := keys.ResolveKey(context.Background(), "a"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("ResolveKey() error = %v", err)
	}
	if got := count.Load(); got < 1 || got > 16 {
		t.Errorf("requests = %d, want between 1 and 16", got)
	}
}

func TestRemoteKeys_CancelledCallerDoesNotFailOthers(t *testing.T) {
	set := testKeySet(t, "a")
	var mu sync.Mutex
	srv, count := jwksServer(t, &set, &mu)
	keys := NewRemoteKeys(srv.URL, srv.Client())

	// Given: the JWKS endpoint stalls until released
	mu.Lock()
	release := sync.OnceFunc(mu.Unlock)
	defer release()

	// When: the first caller starts the fetch and then gives up
	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := keys.ResolveKey(ctx, "a")
		first <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for count.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("JWKS request never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ResolveKey() error = %v, want context.Canceled", err)
	}

	// And: a second caller joins while the fetch is still in flight
	second := make(chan error, 1)
	go func() {
		_, err := keys.ResolveKey(context.Background(), "a")
		second <- err
	}()
	release()

	// Then: the shared fetch completes for the second caller
	if err := <-second; err != nil {
		t.Fatalf("ResolveKey() error = %v", err)
	}
	if got := count.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestRemoteKeys_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "invalid JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			keys := NewRemoteKeys(srv.URL, srv.Client())
			if _, err := keys.ResolveKey(context.Background(), "a"); err == nil {
				t.Error("ResolveKey() expected error, got nil")
			}
		})
	}
}
