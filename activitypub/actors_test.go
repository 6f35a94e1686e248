package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/db"
	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.MigrateUp())
	return database
}

// remotePeer serves actor documents for actors it hosts. Status overrides
// the response code once set.
type remotePeer struct {
	srv      *httptest.Server
	actors   map[string]*domain.Actor
	hits     int32
	status   int32
	lastSig  atomic.Value
	override func(a *ActorResponse)
}

func newRemotePeer(t *testing.T) *remotePeer {
	t.Helper()
	p := &remotePeer{actors: map[string]*domain.Actor{}}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *remotePeer) serve(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&p.hits, 1)
	p.lastSig.Store(r.Header.Get("Signature"))
	if status := atomic.LoadInt32(&p.status); status != 0 {
		w.WriteHeader(int(status))
		return
	}

	actor, ok := p.actors[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := NewActorResponse(actor)
	if p.override != nil {
		p.override(resp)
	}
	w.Header().Set("Content-Type", ContentTypeActivity)
	json.NewEncoder(w).Encode(resp)
}

// addActor creates an actor hosted by the peer and returns it with keys.
func (p *remotePeer) addActor(t *testing.T, username string) *domain.Actor {
	t.Helper()
	actor, err := NewLocalActor(NewKeyManager(testKeySize), p.srv.URL, username, domain.ActorPerson)
	require.NoError(t, err)
	p.actors["/accounts/"+username] = actor
	return actor
}

func (p *remotePeer) host() string {
	return strings.TrimPrefix(p.srv.URL, "http://")
}

func TestActorFetcherFetch(t *testing.T) {
	database := setupTestDB(t)
	peer := newRemotePeer(t)
	bob := peer.addActor(t, "bob")
	fetcher := NewActorFetcher(database, time.Second, 48*time.Hour, zaptest.NewLogger(t))

	actor, err := fetcher.GetOrFetch(context.Background(), bob.URL)
	require.NoError(t, err)

	assert.Equal(t, bob.URL, actor.URL)
	assert.Equal(t, bob.PublicKey, actor.PublicKey)
	assert.Equal(t, bob.SharedInboxURL, actor.SharedInboxURL)
	assert.Empty(t, actor.PrivateKey)
	assert.False(t, actor.IsLocal())

	server, err := database.LoadServerByHost(context.Background(), peer.host())
	require.NoError(t, err)
	assert.Equal(t, server.Id, *actor.ServerId)

	// fresh copies come from the store
	_, err = fetcher.GetOrFetch(context.Background(), bob.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peer.hits))
}

func TestActorFetcherRejectsForeignId(t *testing.T) {
	database := setupTestDB(t)
	peer := newRemotePeer(t)
	bob := peer.addActor(t, "bob")
	peer.override = func(a *ActorResponse) {
		a.ID = "https://evil.example/accounts/bob"
		a.PublicKey.Owner = a.ID
	}
	fetcher := NewActorFetcher(database, time.Second, 48*time.Hour, nil)

	_, err := fetcher.Fetch(context.Background(), bob.URL)
	assert.ErrorContains(t, err, "does not belong to host")

	_, err = database.LoadActorByUrl(context.Background(), "https://evil.example/accounts/bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestActorFetcherStaleFallback(t *testing.T) {
	database := setupTestDB(t)
	peer := newRemotePeer(t)
	bob := peer.addActor(t, "bob")
	fetcher := NewActorFetcher(database, time.Second, time.Hour, nil)

	_, err := fetcher.GetOrFetch(context.Background(), bob.URL)
	require.NoError(t, err)

	fetcher.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	atomic.StoreInt32(&peer.status, http.StatusBadGateway)

	actor, err := fetcher.GetOrFetch(context.Background(), bob.URL)
	require.NoError(t, err)
	assert.Equal(t, bob.PublicKey, actor.PublicKey)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peer.hits))

	_, err = fetcher.Refresh(context.Background(), bob.URL)
	assert.Error(t, err, "a forced refresh reports the failure")
}

func TestActorFetcherRefreshRotatedKey(t *testing.T) {
	database := setupTestDB(t)
	peer := newRemotePeer(t)
	bob := peer.addActor(t, "bob")
	fetcher := NewActorFetcher(database, time.Second, 48*time.Hour, nil)

	old, err := fetcher.PublicKey(context.Background(), bob.URL)
	require.NoError(t, err)

	pair, err := NewKeyManager(testKeySize).Generate()
	require.NoError(t, err)
	bob.PublicKey = pair.Public

	cached, err := fetcher.PublicKey(context.Background(), bob.URL)
	require.NoError(t, err)
	assert.Equal(t, old, cached)

	fetcher.now = func() time.Time { return time.Now().Add(2 * keyRefreshCooldown) }
	fresh, err := fetcher.RefreshPublicKey(context.Background(), bob.URL)
	require.NoError(t, err)
	assert.Equal(t, pair.Public, fresh)
}

func TestActorFetcherKeyRefreshCooldown(t *testing.T) {
	database := setupTestDB(t)
	peer := newRemotePeer(t)
	bob := peer.addActor(t, "bob")
	fetcher := NewActorFetcher(database, time.Second, 48*time.Hour, nil)

	old, err := fetcher.PublicKey(context.Background(), bob.URL)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&peer.hits))

	pair, err := NewKeyManager(testKeySize).Generate()
	require.NoError(t, err)
	bob.PublicKey = pair.Public

	for i := 0; i < 5; i++ {
		key, err := fetcher.RefreshPublicKey(context.Background(), bob.URL)
		require.NoError(t, err)
		assert.Equal(t, old, key)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peer.hits), "a recently fetched actor is not fetched again")

	fetcher.now = func() time.Time { return time.Now().Add(2 * keyRefreshCooldown) }
	key, err := fetcher.RefreshPublicKey(context.Background(), bob.URL)
	require.NoError(t, err)
	assert.Equal(t, pair.Public, key)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peer.hits))
}

func TestActorFetcherSignsFetches(t *testing.T) {
	database := setupTestDB(t)
	peer := newRemotePeer(t)
	bob := peer.addActor(t, "bob")
	instance := testActor(t, "a.example", "peertube")

	fetcher := NewActorFetcher(database, time.Second, 48*time.Hour, nil)
	fetcher.SignFetchesAs(NewHTTPSignatureCodec(testSignatureConfig()), instance)

	_, err := fetcher.Fetch(context.Background(), bob.URL)
	require.NoError(t, err)

	params, err := ParseSignatureHeader(peer.lastSig.Load().(string))
	require.NoError(t, err)
	assert.Equal(t, instance.KeyId(), params.KeyId)
}

func TestActorFetcherLocalActor(t *testing.T) {
	database := setupTestDB(t)
	alice := testActor(t, "a.example", "alice")
	require.NoError(t, database.CreateLocalActor(context.Background(), alice))
	fetcher := NewActorFetcher(database, time.Second, time.Nanosecond, nil)

	actor, err := fetcher.Refresh(context.Background(), alice.URL)
	require.NoError(t, err)
	assert.Equal(t, alice.Id, actor.Id)
}

func TestParseActor(t *testing.T) {
	bob := testActor(t, "b.example", "bob")
	valid := NewActorResponse(bob)

	tests := []struct {
		name   string
		mutate func(a *ActorResponse)
		ok     bool
	}{
		{"valid", func(a *ActorResponse) {}, true},
		{"group", func(a *ActorResponse) { a.Type = "Group" }, true},
		{"missing inbox", func(a *ActorResponse) { a.Inbox = "" }, false},
		{"unknown type", func(a *ActorResponse) { a.Type = "Note" }, false},
		{"key of someone else", func(a *ActorResponse) { a.PublicKey.Owner = "https://b.example/accounts/carol" }, false},
		{"garbage key", func(a *ActorResponse) { a.PublicKey.PublicKeyPem = "nope" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := *valid
			tt.mutate(&resp)
			body, err := json.Marshal(resp)
			require.NoError(t, err)

			actor, err := ParseActor(body)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, bob.URL, actor.URL)
			assert.Equal(t, bob.SharedInboxURL, actor.SharedInboxURL)
			assert.Equal(t, bob.FollowersURL, actor.FollowersURL)
		})
	}
}

func TestNewActorResponseHidesPrivateKey(t *testing.T) {
	alice := testActor(t, "a.example", "alice")

	body, err := json.Marshal(NewActorResponse(alice))
	require.NoError(t, err)
	assert.NotContains(t, string(body), "PRIVATE KEY")
	assert.Contains(t, string(body), `"sharedInbox":"https://a.example/inbox"`)
}
