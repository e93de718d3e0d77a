package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/websteadhq/webstead/db"
	"github.com/websteadhq/webstead/domain"
	"github.com/websteadhq/webstead/util"
)

const testBaseDomain = "webstead.test"

var (
	sharedKeysOnce sync.Once
	sharedKeys     [2]*util.RsaKeyPair
	sharedKeysErr  error
)

// testKeys returns one of two keypairs generated once per test run.
func testKeys(t *testing.T, n int) *util.RsaKeyPair {
	t.Helper()
	sharedKeysOnce.Do(func() {
		for i := range sharedKeys {
			sharedKeys[i], sharedKeysErr = util.GeneratePemKeypair(util.KeyBits)
			if sharedKeysErr != nil {
				return
			}
		}
	})
	require.NoError(t, sharedKeysErr)
	return sharedKeys[n]
}

func setupStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "federation.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// createWebstead stores a webstead with a pre-generated keypair.
func createWebstead(t *testing.T, store *db.DB, subdomain string) *domain.Webstead {
	t.Helper()
	ctx := context.Background()
	w := &domain.Webstead{
		Id:        uuid.New(),
		Subdomain: subdomain,
		Settings:  map[string]string{domain.SettingDisplayName: "Test " + subdomain},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateWebstead(ctx, w))

	keys := testKeys(t, 0)
	_, err := store.SetWebsteadKeysIfEmpty(ctx, w.Id, keys.Private, keys.Public)
	require.NoError(t, err)

	stored, err := store.ReadWebsteadById(ctx, w.Id)
	require.NoError(t, err)
	return stored
}

func createPost(t *testing.T, store *db.DB, w *domain.Webstead, title string, publishedAt *time.Time) *domain.Post {
	t.Helper()
	p := &domain.Post{
		Id:          uuid.New(),
		WebsteadId:  w.Id,
		Title:       title,
		Body:        "Body of " + title,
		PublishedAt: publishedAt,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreatePost(context.Background(), p))
	return p
}

// remotePeer is a fake remote server hosting one actor and a shared inbox.
type remotePeer struct {
	server      *httptest.Server
	keys        *util.RsaKeyPair
	ActorURI    string
	Inbox       string
	SharedInbox string

	actorStatus atomic.Int32 // non-zero overrides the actor response
	inboxStatus atomic.Int32 // non-zero overrides the inbox response
	fetches     atomic.Int32

	mu       sync.Mutex
	received []*http.Request
	bodies   [][]byte
}

func newRemotePeer(t *testing.T, keys *util.RsaKeyPair) *remotePeer {
	t.Helper()
	peer := &remotePeer{keys: keys}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/bob", func(w http.ResponseWriter, r *http.Request) {
		peer.fetches.Add(1)
		if status := peer.actorStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}
		w.Header().Set("Content-Type", ContentTypeActivity)
		json.NewEncoder(w).Encode(map[string]any{
			"@context":          []string{ContextActivityStreams, ContextSecurity},
			"id":                peer.ActorURI,
			"type":              "Person",
			"preferredUsername": "bob",
			"name":              "Bob",
			"inbox":             peer.Inbox,
			"endpoints":         map[string]string{"sharedInbox": peer.SharedInbox},
			"publicKey": map[string]string{
				"id":           peer.ActorURI + "#main-key",
				"owner":        peer.ActorURI,
				"publicKeyPem": peer.keys.Public,
			},
		})
	})
	receive := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		peer.mu.Lock()
		peer.received = append(peer.received, r)
		peer.bodies = append(peer.bodies, body)
		peer.mu.Unlock()
		if status := peer.inboxStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
	mux.HandleFunc("POST /inbox", receive)
	mux.HandleFunc("POST /users/bob/inbox", receive)

	peer.server = httptest.NewServer(mux)
	t.Cleanup(peer.server.Close)

	peer.ActorURI = peer.server.URL + "/users/bob"
	peer.Inbox = peer.ActorURI + "/inbox"
	peer.SharedInbox = peer.server.URL + "/inbox"
	return peer
}

func (p *remotePeer) Received() ([]*http.Request, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*http.Request(nil), p.received...), append([][]byte(nil), p.bodies...)
}

// followBody is a Follow from the peer addressed to target.
func (p *remotePeer) followBody(target string) []byte {
	return p.activityBody("Follow", target)
}

func (p *remotePeer) activityBody(activityType, object string) []byte {
	body, _ := json.Marshal(map[string]any{
		"@context": ContextActivityStreams,
		"id":       fmt.Sprintf("%s/activities/%s", p.ActorURI, uuid.NewString()),
		"type":     activityType,
		"actor":    p.ActorURI,
		"object":   object,
	})
	return body
}

// signedRequest builds an inbox request signed with the peer's key.
func (p *remotePeer) signedRequest(t *testing.T, w *domain.Webstead, body []byte) *InboundRequest {
	t.Helper()
	host := w.PrimaryDomain(testBaseDomain)
	path := "/actor/inbox"
	date := time.Now().UTC().Format(http.TimeFormat)
	digest := Digest(body)

	signature, err := Sign(BuildSigningString(http.MethodPost, path, host, date, digest), p.keys.Private, p.ActorURI+"#main-key", SignedHeaders)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Content-Type", ContentTypeActivity)
	header.Set("Date", date)
	header.Set("Digest", digest)
	header.Set("Signature", signature)

	return &InboundRequest{
		Method: http.MethodPost,
		Path:   path,
		Host:   host,
		Header: header,
		Body:   body,
	}
}
