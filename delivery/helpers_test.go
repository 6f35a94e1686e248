package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/activitypub"
	"github.com/Chocobozzz/PeerTube-sub005/db"
	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/follow"
	"github.com/Chocobozzz/PeerTube-sub005/reputation"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testKeySize = 1024

func testSignatureConfig() util.SignatureConfig {
	return util.SignatureConfig{
		Algorithm:          "rsa-sha256",
		HeadersWithBody:    []string{"(request-target)", "host", "date", "digest"},
		HeadersWithoutBody: []string{"(request-target)", "host", "date"},
		ClockSkew:          30 * time.Minute,
		KeySize:            testKeySize,
	}
}

func testOptions() Options {
	return Options{
		Jobs: map[domain.JobType]JobOptions{
			domain.JobBroadcast: {Attempts: 3, Concurrency: 1, TTL: 10 * time.Minute},
			domain.JobUnicast:   {Attempts: 5, Concurrency: 4, TTL: 10 * time.Minute},
			domain.JobFetch:     {Attempts: 2, Concurrency: 2, TTL: 10 * time.Hour},
			domain.JobFollow:    {Attempts: 5, Concurrency: 1, TTL: 10 * time.Minute},
			domain.JobRefresh:   {Attempts: 1, Concurrency: 1, TTL: 10 * time.Minute},
		},
		PollInterval: 10 * time.Millisecond,
	}
}

func testReputationConfig() util.ReputationConfig {
	return util.ReputationConfig{Bonus: 10, Penalty: 10, Base: 1000, Max: 10000, Interval: time.Hour}
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.MigrateUp())
	return database
}

// peer is a remote instance: it serves the actors it hosts and records the
// activities posted to its inboxes.
type peer struct {
	t       *testing.T
	srv     *httptest.Server
	codec   *activitypub.HTTPSignatureCodec
	signers map[string]string

	mu       sync.Mutex
	actors   map[string]*domain.Actor
	status   map[string]int
	hits     map[string]int
	bodies   map[string][][]byte
	verified int
	invalid  int
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{
		t:       t,
		codec:   activitypub.NewHTTPSignatureCodec(testSignatureConfig()),
		signers: map[string]string{},
		actors:  map[string]*domain.Actor{},
		status:  map[string]int{},
		hits:    map[string]int{},
		bodies:  map[string][][]byte{},
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.Method == http.MethodGet {
		actor, ok := p.actors[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", activitypub.ContentTypeActivity)
		json.NewEncoder(w).Encode(activitypub.NewActorResponse(actor))
		return
	}

	body, _ := io.ReadAll(r.Body)
	p.hits[r.URL.Path]++
	p.bodies[r.URL.Path] = append(p.bodies[r.URL.Path], body)

	if params, err := activitypub.ParseSignatureHeader(r.Header.Get("Signature")); err == nil {
		key, known := p.signers[activitypub.ActorURLFromKeyId(params.KeyId)]
		if known && p.codec.VerifySignature(r, key) == nil {
			p.verified++
		} else {
			p.invalid++
		}
	}

	if status, ok := p.status[r.URL.Path]; ok {
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// trust makes the peer accept signatures of actor.
func (p *peer) trust(actor *domain.Actor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signers[actor.URL] = actor.PublicKey
}

func (p *peer) respond(path string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[path] = status
}

func (p *peer) hitsOn(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

func (p *peer) signatures() (verified, invalid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verified, p.invalid
}

func (p *peer) received(path string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.bodies[path]...)
}

func (p *peer) addActor(t *testing.T, username string) *domain.Actor {
	t.Helper()
	actor, err := activitypub.NewLocalActor(activitypub.NewKeyManager(testKeySize), p.srv.URL, username, domain.ActorPerson)
	require.NoError(t, err)
	p.mu.Lock()
	p.actors["/accounts/"+username] = actor
	p.mu.Unlock()
	return actor
}

func (p *peer) url(path string) string {
	return p.srv.URL + path
}

func (p *peer) host() string {
	return strings.TrimPrefix(p.srv.URL, "http://")
}

// fixture wires a queue and a sender around a real database, with alice as
// the local actor.
type fixture struct {
	db         *db.DB
	queue      *Queue
	sender     *Sender
	reputation *reputation.Cache
	follows    *follow.Machine
	fetcher    *activitypub.ActorFetcher
	alice      *domain.Actor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	database := setupTestDB(t)
	logger := zaptest.NewLogger(t)

	alice, err := activitypub.CreateLocalActor(context.Background(), database,
		activitypub.NewKeyManager(testKeySize), "https://local.example", "alice", domain.ActorPerson)
	require.NoError(t, err)

	codec := activitypub.NewHTTPSignatureCodec(testSignatureConfig())
	fetcher := activitypub.NewActorFetcher(database, time.Second, 48*time.Hour, logger)
	follows := follow.NewMachine(database, 1000, logger)
	rep := reputation.New(database, testReputationConfig(), nil, logger)

	queue := NewQueue(database, opts, nil, logger)
	sender := NewSender(queue, database, SenderConfig{
		Transport:            NewTransport(codec, time.Second),
		Follows:              follows,
		Actors:               fetcher,
		Outcomes:             rep,
		BroadcastConcurrency: 4,
	}, logger)

	return &fixture{
		db:         database,
		queue:      queue,
		sender:     sender,
		reputation: rep,
		follows:    follows,
		fetcher:    fetcher,
		alice:      alice,
	}
}

// follower stores remote as a follower of alice in the given state.
func (f *fixture) follower(t *testing.T, p *peer, remote *domain.Actor, state domain.FollowState) {
	t.Helper()
	ctx := context.Background()
	stored, err := f.db.UpsertRemoteActor(ctx, remote, p.host())
	require.NoError(t, err)

	fw, err := f.follows.Request(ctx, stored.Id, f.alice.Id, remote.URL+"/follows/1")
	require.NoError(t, err)
	if state == domain.FollowAccepted {
		_, err = f.follows.Accept(ctx, fw.FollowerActorId, fw.TargetActorId)
		require.NoError(t, err)
	}
}

// drain runs ready jobs of type t until none is left to start.
func (f *fixture) drain(t *testing.T, jt domain.JobType) int {
	t.Helper()
	total := 0
	for i := 0; i < 20; i++ {
		n, err := f.queue.ProcessReady(context.Background(), jt)
		require.NoError(t, err)
		if n == 0 {
			return total
		}
		total += n
	}
	t.Fatalf("%s jobs still ready after 20 passes", jt)
	return total
}

func (f *fixture) job(t *testing.T, job *domain.DeliveryJob) *domain.DeliveryJob {
	t.Helper()
	stored, err := f.db.LoadJob(context.Background(), job.Id)
	require.NoError(t, err)
	return stored
}

func note(actor *domain.Actor) map[string]interface{} {
	return map[string]interface{}{
		"@context": []interface{}{activitypub.ActivityStreamsContext, activitypub.SecurityContext},
		"id":       activitypub.NewActivityID(actor, "Create"),
		"type":     "Create",
		"actor":    actor.URL,
		"object": map[string]interface{}{
			"type":    "Note",
			"content": "hello",
		},
	}
}
