package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/follow"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"go.uber.org/zap"
)

var ErrNotLocalActor = errors.New("not a local actor")

// Outbox sends the responses the inbox produces.
type Outbox interface {
	SendAccept(ctx context.Context, local, remote *domain.Actor, follow map[string]interface{}) error
}

// ActivityHandler takes verified activities the inbox does not handle itself.
type ActivityHandler interface {
	HandleActivity(ctx context.Context, activity *VerifiedActivity) error
}

type ActorResolver interface {
	GetOrFetch(ctx context.Context, actorURL string) (*domain.Actor, error)
}

type ActorLoader interface {
	LoadActorByUrl(ctx context.Context, url string) (*domain.Actor, error)
}

// Inbox authenticates inbound activities and applies the follow handshake.
type Inbox struct {
	verifier   *Verifier
	actors     ActorResolver
	known      ActorLoader
	follows    *follow.Machine
	outbox     Outbox
	handler    ActivityHandler
	autoAccept bool
	logger     *zap.Logger
}

func NewInbox(verifier *Verifier, actors ActorResolver, known ActorLoader, follows *follow.Machine, outbox Outbox, autoAccept bool, logger *zap.Logger) *Inbox {
	return &Inbox{
		verifier:   verifier,
		actors:     actors,
		known:      known,
		follows:    follows,
		outbox:     outbox,
		autoAccept: autoAccept,
		logger:     util.OrNop(logger),
	}
}

// SetHandler installs the handler for activity types other than the follow
// handshake. Without one they are dropped.
func (i *Inbox) SetHandler(h ActivityHandler) {
	i.handler = h
}

// Verify authenticates a raw inbound request.
func (i *Inbox) Verify(ctx context.Context, r *http.Request, body []byte) (*VerifiedActivity, error) {
	return i.verifier.VerifyRequest(ctx, r, body)
}

func (i *Inbox) Process(ctx context.Context, va *VerifiedActivity) error {
	a := va.Activity
	i.logger.Info("Inbox: received activity",
		zap.String("type", a.Type), zap.String("actor", a.ActorURL()), zap.String("scheme", va.Scheme))

	var err error
	switch a.Type {
	case "Follow":
		err = i.handleFollow(ctx, va)
	case "Accept":
		err = i.handleAccept(ctx, a)
	case "Reject":
		err = i.handleReject(ctx, a)
	case "Undo":
		if inner := a.InnerActivity(); inner != nil && inner.Type == "Follow" {
			err = i.handleUndoFollow(ctx, a)
			break
		}
		err = i.delegate(ctx, va)
	default:
		err = i.delegate(ctx, va)
	}

	if errors.Is(err, follow.ErrFollowNotFound) {
		i.logger.Info("Inbox: no matching follow", zap.String("type", a.Type), zap.String("actor", a.ActorURL()))
		return nil
	}
	return err
}

func (i *Inbox) delegate(ctx context.Context, va *VerifiedActivity) error {
	if i.handler == nil {
		i.logger.Debug("Inbox: unsupported activity type", zap.String("type", va.Activity.Type))
		return nil
	}
	return i.handler.HandleActivity(ctx, va)
}

func (i *Inbox) handleFollow(ctx context.Context, va *VerifiedActivity) error {
	a := va.Activity

	target, err := i.localActor(ctx, a.ObjectURL())
	if err != nil {
		return err
	}

	follower, err := i.actors.GetOrFetch(ctx, a.ActorURL())
	if err != nil {
		return fmt.Errorf("failed to resolve follower %s: %w", a.ActorURL(), err)
	}

	f, err := i.follows.Request(ctx, follower.Id, target.Id, a.ID)
	if err != nil {
		return err
	}

	if f.State == domain.FollowPending {
		if !i.autoAccept {
			return nil
		}
		if _, err := i.follows.Accept(ctx, follower.Id, target.Id); err != nil {
			return err
		}
	}

	// a repeated Follow of an accepted relationship gets a fresh Accept
	return i.outbox.SendAccept(ctx, target, follower, va.Document)
}

func (i *Inbox) handleAccept(ctx context.Context, a *Activity) error {
	f, remote, err := i.followAnsweredBy(ctx, a)
	if err != nil {
		return err
	}
	if f.TargetActorId != remote.Id {
		return fmt.Errorf("%s cannot accept a follow of another actor", remote.URL)
	}
	_, err = i.follows.Accept(ctx, f.FollowerActorId, f.TargetActorId)
	return err
}

func (i *Inbox) handleReject(ctx context.Context, a *Activity) error {
	f, remote, err := i.followAnsweredBy(ctx, a)
	if err != nil {
		return err
	}
	if f.TargetActorId != remote.Id {
		return fmt.Errorf("%s cannot reject a follow of another actor", remote.URL)
	}
	return i.follows.Reject(ctx, f.FollowerActorId, f.TargetActorId)
}

func (i *Inbox) handleUndoFollow(ctx context.Context, a *Activity) error {
	f, remote, err := i.followAnsweredBy(ctx, a)
	if err != nil {
		return err
	}
	if f.FollowerActorId != remote.Id {
		return fmt.Errorf("%s cannot undo a follow of another actor", remote.URL)
	}
	return i.follows.RemoveFollow(ctx, f)
}

// followAnsweredBy finds the follow referenced by the object of a, inlined
// or by URI, along with the stored actor who sent a.
func (i *Inbox) followAnsweredBy(ctx context.Context, a *Activity) (*domain.Follow, *domain.Actor, error) {
	remote, err := i.known.LoadActorByUrl(ctx, a.ActorURL())
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, follow.ErrFollowNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	inner := a.InnerActivity()
	if inner == nil || inner.ActorURL() == "" || inner.ObjectURL() == "" {
		f, err := i.follows.FindByURI(ctx, a.ObjectURL())
		return f, remote, err
	}

	follower, err := i.known.LoadActorByUrl(ctx, inner.ActorURL())
	if err != nil {
		return nil, nil, notFound(err)
	}
	target, err := i.known.LoadActorByUrl(ctx, inner.ObjectURL())
	if err != nil {
		return nil, nil, notFound(err)
	}

	f, err := i.follows.Find(ctx, follower.Id, target.Id)
	return f, remote, err
}

func (i *Inbox) localActor(ctx context.Context, actorURL string) (*domain.Actor, error) {
	actor, err := i.known.LoadActorByUrl(ctx, actorURL)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !actor.IsLocal()) {
		return nil, fmt.Errorf("%w: %s", ErrNotLocalActor, actorURL)
	}
	return actor, err
}

func notFound(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return follow.ErrFollowNotFound
	}
	return err
}
