package activitypub

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/google/uuid"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.]{1,50}$`)

type ActorCreator interface {
	CreateLocalActor(ctx context.Context, actor *domain.Actor) error
}

// NewLocalActor builds a local identity with fresh keys. URLs follow the
// /accounts/<name> layout with a shared inbox at the instance root.
func NewLocalActor(keys *KeyManager, baseURL, username string, actorType domain.ActorType) (*domain.Actor, error) {
	username = strings.ToLower(username)
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("invalid username %q", username)
	}

	pair, err := keys.Generate()
	if err != nil {
		return nil, err
	}

	actorURL := fmt.Sprintf("%s/accounts/%s", strings.TrimSuffix(baseURL, "/"), username)
	return &domain.Actor{
		Id:                uuid.New(),
		Type:              actorType,
		URL:               actorURL,
		PreferredUsername: username,
		PublicKey:         pair.Public,
		PrivateKey:        pair.Private,
		InboxURL:          actorURL + "/inbox",
		OutboxURL:         actorURL + "/outbox",
		FollowersURL:      actorURL + "/followers",
		FollowingURL:      actorURL + "/following",
		SharedInboxURL:    strings.TrimSuffix(baseURL, "/") + "/inbox",
		CreatedAt:         time.Now(),
	}, nil
}

// CreateLocalActor generates and stores a local identity. When key
// generation fails nothing is stored.
func CreateLocalActor(ctx context.Context, store ActorCreator, keys *KeyManager, baseURL, username string, actorType domain.ActorType) (*domain.Actor, error) {
	actor, err := NewLocalActor(keys, baseURL, username, actorType)
	if err != nil {
		return nil, err
	}
	if err := store.CreateLocalActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("failed to store actor %s: %w", username, err)
	}
	return actor, nil
}
