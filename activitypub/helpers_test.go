package activitypub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/stretchr/testify/require"
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

// testActor builds an actor with fresh keys on host.
func testActor(t *testing.T, host, username string) *domain.Actor {
	t.Helper()
	actor, err := NewLocalActor(NewKeyManager(testKeySize), "https://"+host, username, domain.ActorPerson)
	require.NoError(t, err)
	return actor
}

func testResolver(t *testing.T) *ContextResolver {
	t.Helper()
	r, err := NewContextResolver(util.ContextsConfig{Capacity: 10, FetchTimeout: time.Second}, nil)
	require.NoError(t, err)
	return r
}

// fakeKeys resolves public keys from a map. Rotated keys are only handed
// out by RefreshPublicKey.
type fakeKeys struct {
	mu        sync.Mutex
	keys      map[string]string
	rotated   map[string]string
	refreshes int
}

func newFakeKeys(actors ...*domain.Actor) *fakeKeys {
	k := &fakeKeys{keys: map[string]string{}, rotated: map[string]string{}}
	for _, a := range actors {
		k.keys[a.URL] = a.PublicKey
	}
	return k
}

func (k *fakeKeys) PublicKey(_ context.Context, actorURL string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pem, ok := k.keys[actorURL]
	if !ok {
		return "", domain.ErrNotFound
	}
	return pem, nil
}

func (k *fakeKeys) RefreshPublicKey(_ context.Context, actorURL string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.refreshes++
	if pem, ok := k.rotated[actorURL]; ok {
		k.keys[actorURL] = pem
		return pem, nil
	}
	pem, ok := k.keys[actorURL]
	if !ok {
		return "", domain.ErrNotFound
	}
	return pem, nil
}

func newFollowDoc(follower *domain.Actor, targetURL string) map[string]interface{} {
	return NewFollow(follower, targetURL, NewActivityID(follower, "Follow"))
}
