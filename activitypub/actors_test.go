package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverFetchesAndCaches(t *testing.T) {
	store := setupStore(t)
	peer := newRemotePeer(t, testKeys(t, 1))
	metrics := NewMetrics(prometheus.NewRegistry())
	resolver := NewResolver(store, 24*time.Hour, 5*time.Second, nil, metrics)
	ctx := context.Background()

	actor, err := resolver.Resolve(ctx, peer.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, peer.ActorURI, actor.ActorURI)
	assert.Equal(t, "Person", actor.ActorType)
	assert.Equal(t, peer.Inbox, actor.InboxURL)
	assert.Equal(t, peer.SharedInbox, actor.SharedInboxURL)
	assert.Equal(t, "bob", actor.Username)
	assert.Equal(t, peer.keys.Public, actor.PublicKeyPem)
	assert.NotEmpty(t, actor.RawDocument)
	assert.False(t, actor.LastFetchedAt.IsZero())

	_, err = resolver.Resolve(ctx, peer.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peer.fetches.Load(), "second resolve should hit the cache")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActorCacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActorFetches))
}

func TestResolverRefetchesStaleActor(t *testing.T) {
	store := setupStore(t)
	peer := newRemotePeer(t, testKeys(t, 1))
	resolver := NewResolver(store, time.Hour, 5*time.Second, nil, nil)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, peer.ActorURI)
	require.NoError(t, err)

	resolver.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = resolver.Resolve(ctx, peer.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, int32(2), peer.fetches.Load())
}

func TestResolverErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		document map[string]any
		uri      func(server string) string
		expected error
	}{
		{name: "not found", status: http.StatusNotFound, expected: ErrActorNotFound},
		{name: "gone", status: http.StatusGone, expected: ErrActorNotFound},
		{name: "server error", status: http.StatusInternalServerError, expected: ErrActorUnavailable},
		{
			name:     "id mismatch",
			document: map[string]any{"id": "https://elsewhere.example/users/bob", "inbox": "https://elsewhere.example/inbox"},
			expected: ErrInvalidActorDocument,
		},
		{
			name:     "no inbox",
			document: map[string]any{"id": "SELF", "type": "Person"},
			expected: ErrInvalidActorDocument,
		},
		{
			name:     "not a url",
			uri:      func(string) string { return "acct:bob@remote.example" },
			expected: ErrInvalidActorDocument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
					return
				}
				doc := map[string]any{}
				for k, v := range tt.document {
					if v == "SELF" {
						v = "http://" + r.Host + r.URL.Path
					}
					doc[k] = v
				}
				json.NewEncoder(w).Encode(doc)
			}))
			defer server.Close()

			uri := server.URL + "/users/bob"
			if tt.uri != nil {
				uri = tt.uri(server.URL)
			}

			resolver := NewResolver(setupStore(t), time.Hour, 5*time.Second, nil, nil)
			_, err := resolver.Resolve(context.Background(), uri)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestResolverUnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	uri := server.URL + "/users/bob"
	server.Close()

	resolver := NewResolver(setupStore(t), time.Hour, time.Second, nil, nil)
	_, err := resolver.Resolve(context.Background(), uri)
	assert.ErrorIs(t, err, ErrActorUnavailable)
}

func TestResolverRefusesOversizedDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "http://" + r.Host + r.URL.Path,
			"type":    "Person",
			"inbox":   "http://" + r.Host + "/inbox",
			"summary": strings.Repeat("a", maxActorDocumentBytes),
		})
	}))
	defer server.Close()

	store := setupStore(t)
	resolver := NewResolver(store, time.Hour, 5*time.Second, nil, nil)
	_, err := resolver.Resolve(context.Background(), server.URL+"/users/bob")
	assert.ErrorIs(t, err, ErrActorUnavailable)

	_, err = store.ReadFederatedActorByURI(context.Background(), server.URL+"/users/bob")
	assert.Error(t, err, "an oversized document must not be cached")
}

func TestResolverKeepsFieldsMissingFromRefetch(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	var full atomic.Bool
	full.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host
		doc := map[string]any{
			"id":    base + "/users/bob",
			"type":  "Person",
			"inbox": base + "/users/bob/inbox",
		}
		if full.Load() {
			doc["endpoints"] = map[string]string{"sharedInbox": base + "/inbox"}
			doc["publicKey"] = []map[string]string{{"publicKeyPem": "PEM"}}
		}
		json.NewEncoder(w).Encode(doc)
	}))
	defer server.Close()

	resolver := NewResolver(store, time.Hour, 5*time.Second, nil, nil)
	first, err := resolver.Refresh(ctx, server.URL+"/users/bob")
	require.NoError(t, err)
	assert.Equal(t, "PEM", first.PublicKeyPem)

	full.Store(false)
	second, err := resolver.Refresh(ctx, server.URL+"/users/bob")
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, "PEM", second.PublicKeyPem)
	assert.Equal(t, server.URL+"/inbox", second.SharedInboxURL)
}

func TestRemoteActorPublicKeyShapes(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"object", `{"publicKeyPem":"A"}`, "A"},
		{"list", `[{"publicKeyPem":"B"},{"publicKeyPem":"C"}]`, "B"},
		{"empty list", `[]`, ""},
		{"absent", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := remoteActor{PublicKey: json.RawMessage(tt.raw)}
			assert.Equal(t, tt.expected, a.publicKeyPem())
		})
	}
}

func TestResolvedActorDeliveryInbox(t *testing.T) {
	store := setupStore(t)
	peer := newRemotePeer(t, testKeys(t, 1))
	resolver := NewResolver(store, time.Hour, 5*time.Second, nil, nil)

	actor, err := resolver.Resolve(context.Background(), peer.ActorURI)
	require.NoError(t, err)
	assert.Equal(t, peer.SharedInbox, actor.DeliveryInbox())
}
