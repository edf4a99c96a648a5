package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/cradle/pkg/logging"
)

var testKey = []byte("cluster-shared-key")

func TestSignVerify(t *testing.T) {
	env := &Envelope{
		SourceID:  "source-1",
		Origin:    "node-a",
		Timestamp: time.Now().UnixNano(),
		Nonce:     42,
	}
	env.Sign(testKey)

	if err := env.Verify(testKey, time.Minute); err != nil {
		t.Errorf("Expected signed envelope to verify, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	env := &Envelope{
		SourceID:  "source-1",
		Origin:    "node-a",
		Timestamp: time.Now().UnixNano(),
		Nonce:     42,
	}
	env.Sign(testKey)

	env.SourceID = "source-2"
	if err := env.Verify(testKey, 0); err != ErrBadSignature {
		t.Errorf("Expected ErrBadSignature after tampering, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	env := &Envelope{
		SourceID:  "source-1",
		Origin:    "node-a",
		Timestamp: time.Now().UnixNano(),
		Nonce:     1,
	}
	env.Sign(testKey)

	if err := env.Verify([]byte("other-key"), 0); err != ErrBadSignature {
		t.Errorf("Expected ErrBadSignature with wrong key, got %v", err)
	}
}

func TestVerifyRejectsSkew(t *testing.T) {
	env := &Envelope{
		SourceID:  "source-1",
		Origin:    "node-a",
		Timestamp: time.Now().Add(-time.Hour).UnixNano(),
		Nonce:     1,
	}
	env.Sign(testKey)

	if err := env.Verify(testKey, time.Minute); err == nil {
		t.Error("Expected skew error for hour-old envelope")
	}
}

func TestDedupCache(t *testing.T) {
	cache := NewDedupCache(time.Minute)
	env := &Envelope{SourceID: "source-1", Timestamp: 1000, Nonce: 1}

	if cache.Seen(env) {
		t.Error("Expected first observation to be new")
	}
	if !cache.Seen(env) {
		t.Error("Expected second observation to be a duplicate")
	}

	other := &Envelope{SourceID: "source-1", Timestamp: 1000, Nonce: 2}
	if cache.Seen(other) {
		t.Error("Expected distinct nonce to be new")
	}
}

func TestDedupCacheExpiry(t *testing.T) {
	cache := NewDedupCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	env := &Envelope{SourceID: "source-1", Timestamp: 1000, Nonce: 1}
	cache.Seen(env)

	now = now.Add(2 * time.Minute)
	if cache.Seen(env) {
		t.Error("Expected expired entry to be treated as new")
	}
}

func TestClientSendSignal(t *testing.T) {
	var mu sync.Mutex
	var received *Envelope

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/peer/signal" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.Errorf("Failed to decode envelope: %v", err)
		}
		mu.Lock()
		received = &env
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, "node-a", testKey)
	if err := client.SendSignal(context.Background(), "source-1", 7); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("Expected server to receive an envelope")
	}
	if received.SourceID != "source-1" || received.Origin != "node-a" || received.Nonce != 7 {
		t.Errorf("Unexpected envelope: %+v", received)
	}
	if err := received.Verify(testKey, time.Minute); err != nil {
		t.Errorf("Expected received envelope to verify, got %v", err)
	}
}

func TestBroadcastSurvivesPeerFailure(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()

	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer badServer.Close()

	var mu sync.Mutex
	failures := make(map[string]int)

	b := NewBroadcaster(logging.NewLogger(logging.ERROR, false), func(peer string, err error) {
		mu.Lock()
		failures[peer]++
		mu.Unlock()
	})
	b.AddPeer(okServer.URL, NewClient(okServer.URL, "node-a", testKey))
	b.AddPeer(badServer.URL, NewClient(badServer.URL, "node-a", testKey))

	b.Broadcast(context.Background(), "source-1")

	mu.Lock()
	defer mu.Unlock()
	if failures[badServer.URL] != 1 {
		t.Errorf("Expected 1 failure for bad peer, got %d", failures[badServer.URL])
	}
	if failures[okServer.URL] != 0 {
		t.Errorf("Expected no failures for healthy peer, got %d", failures[okServer.URL])
	}
}

func TestBroadcastNonceIncreases(t *testing.T) {
	var mu sync.Mutex
	var nonces []uint64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		nonces = append(nonces, env.Nonce)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	b := NewBroadcaster(logging.NewLogger(logging.ERROR, false), nil)
	b.AddPeer(server.URL, NewClient(server.URL, "node-a", testKey))

	b.Broadcast(context.Background(), "source-1")
	b.Broadcast(context.Background(), "source-1")

	mu.Lock()
	defer mu.Unlock()
	if len(nonces) != 2 {
		t.Fatalf("Expected 2 signals, got %d", len(nonces))
	}
	if nonces[1] <= nonces[0] {
		t.Errorf("Expected nonce to increase, got %d then %d", nonces[0], nonces[1])
	}
}
