package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"go.uber.org/zap"
)

const (
	ContentTypeActivity = "application/activity+json"
	maxActorSize        = 1 << 20
	keyRefreshCooldown  = time.Minute
)

type ActorEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type ActorPublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{}     `json:"@context"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox,omitempty"`
	Followers         string          `json:"followers,omitempty"`
	Following         string          `json:"following,omitempty"`
	Endpoints         *ActorEndpoints `json:"endpoints,omitempty"`
	PublicKey         ActorPublicKey  `json:"publicKey"`
}

// NewActorResponse renders a local actor. The private key never leaves
// the domain type.
func NewActorResponse(actor *domain.Actor) *ActorResponse {
	resp := &ActorResponse{
		Context:           []interface{}{ActivityStreamsContext, SecurityContext},
		ID:                actor.URL,
		Type:              string(actor.Type),
		PreferredUsername: actor.PreferredUsername,
		Inbox:             actor.InboxURL,
		Outbox:            actor.OutboxURL,
		Followers:         actor.FollowersURL,
		Following:         actor.FollowingURL,
		PublicKey: ActorPublicKey{
			ID:           actor.KeyId(),
			Owner:        actor.URL,
			PublicKeyPem: actor.PublicKey,
		},
	}
	if actor.SharedInboxURL != "" {
		resp.Endpoints = &ActorEndpoints{SharedInbox: actor.SharedInboxURL}
	}
	return resp
}

var knownActorTypes = map[string]bool{
	string(domain.ActorPerson):       true,
	string(domain.ActorGroup):        true,
	string(domain.ActorApplication):  true,
	string(domain.ActorService):      true,
	string(domain.ActorOrganization): true,
}

type ActorStore interface {
	LoadActorByUrl(ctx context.Context, url string) (*domain.Actor, error)
	UpsertRemoteActor(ctx context.Context, actor *domain.Actor, host string) (*domain.Actor, error)
}

// ActorFetcher resolves remote actors, caching them in the store and
// refetching once they are older than maxAge.
type ActorFetcher struct {
	store   ActorStore
	client  *http.Client
	maxAge  time.Duration
	codec   *HTTPSignatureCodec
	fetchAs *domain.Actor
	now     func() time.Time
	logger  *zap.Logger
}

func NewActorFetcher(store ActorStore, timeout, maxAge time.Duration, logger *zap.Logger) *ActorFetcher {
	return &ActorFetcher{
		store:  store,
		client: &http.Client{Timeout: timeout},
		maxAge: maxAge,
		now:    time.Now,
		logger: util.OrNop(logger),
	}
}

// SignFetchesAs makes every actor fetch a signed GET on behalf of actor, for
// peers that require authorized fetch.
func (f *ActorFetcher) SignFetchesAs(codec *HTTPSignatureCodec, actor *domain.Actor) {
	f.codec = codec
	f.fetchAs = actor
}

// GetOrFetch returns the stored actor while it is fresh, fetching it otherwise.
func (f *ActorFetcher) GetOrFetch(ctx context.Context, actorURL string) (*domain.Actor, error) {
	cached, err := f.store.LoadActorByUrl(ctx, actorURL)
	if err == nil {
		if cached.IsLocal() || f.now().Sub(cached.LastFetchedAt) < f.maxAge {
			return cached, nil
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	fetched, err := f.Fetch(ctx, actorURL)
	if err != nil && cached != nil {
		f.logger.Warn("Actor refresh failed, using stale copy", zap.String("actor", actorURL), zap.Error(err))
		return cached, nil
	}
	return fetched, err
}

// Refresh refetches a remote actor regardless of its age.
func (f *ActorFetcher) Refresh(ctx context.Context, actorURL string) (*domain.Actor, error) {
	cached, err := f.store.LoadActorByUrl(ctx, actorURL)
	if err == nil && cached.IsLocal() {
		return cached, nil
	}
	return f.Fetch(ctx, actorURL)
}

func (f *ActorFetcher) PublicKey(ctx context.Context, actorURL string) (string, error) {
	actor, err := f.GetOrFetch(ctx, actorURL)
	if err != nil {
		return "", err
	}
	return actor.PublicKey, nil
}

// RefreshPublicKey refetches the key of an actor whose cached key failed a
// signature check. An actor fetched less than keyRefreshCooldown ago keeps
// its cached key, so failing requests cannot trigger a fetch each.
func (f *ActorFetcher) RefreshPublicKey(ctx context.Context, actorURL string) (string, error) {
	cached, err := f.store.LoadActorByUrl(ctx, actorURL)
	if err == nil && (cached.IsLocal() || f.now().Sub(cached.LastFetchedAt) < keyRefreshCooldown) {
		return cached.PublicKey, nil
	}

	actor, err := f.Refresh(ctx, actorURL)
	if err != nil {
		return "", err
	}
	return actor.PublicKey, nil
}

// Fetch downloads the actor document at actorURL and stores it.
func (f *ActorFetcher) Fetch(ctx context.Context, actorURL string) (*domain.Actor, error) {
	requested, err := url.Parse(actorURL)
	if err != nil || requested.Host == "" {
		return nil, fmt.Errorf("invalid actor URI %q", actorURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	if f.codec != nil && f.fetchAs != nil {
		if err := f.codec.SignRequest(req, nil, f.fetchAs); err != nil {
			return nil, fmt.Errorf("failed to sign actor fetch: %w", err)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	actor, err := ParseActor(body)
	if err != nil {
		return nil, err
	}

	// an actor document may only speak for its own host
	id, err := url.Parse(actor.URL)
	if err != nil || id.Host != requested.Host {
		return nil, fmt.Errorf("actor id %s does not belong to host %s", actor.URL, requested.Host)
	}

	actor.LastFetchedAt = f.now()
	stored, err := f.store.UpsertRemoteActor(ctx, actor, requested.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}

	f.logger.Debug("Fetched remote actor", zap.String("actor", stored.URL))
	return stored, nil
}

// ParseActor validates an actor document and maps it to the domain type.
func ParseActor(body []byte) (*domain.Actor, error) {
	var resp ActorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if resp.ID == "" || resp.Inbox == "" || resp.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}
	if !knownActorTypes[resp.Type] {
		return nil, fmt.Errorf("unsupported actor type %q", resp.Type)
	}
	if resp.PublicKey.Owner != "" && resp.PublicKey.Owner != resp.ID {
		return nil, fmt.Errorf("public key owner %s is not actor %s", resp.PublicKey.Owner, resp.ID)
	}
	if _, err := ParsePublicKey(resp.PublicKey.PublicKeyPem); err != nil {
		return nil, err
	}

	actor := &domain.Actor{
		Type:              domain.ActorType(resp.Type),
		URL:               resp.ID,
		PreferredUsername: resp.PreferredUsername,
		PublicKey:         resp.PublicKey.PublicKeyPem,
		InboxURL:          resp.Inbox,
		OutboxURL:         resp.Outbox,
		FollowersURL:      resp.Followers,
		FollowingURL:      resp.Following,
	}
	if resp.Endpoints != nil {
		actor.SharedInboxURL = resp.Endpoints.SharedInbox
	}
	return actor, nil
}
