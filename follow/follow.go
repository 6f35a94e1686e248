// Package follow holds the follow relationship lifecycle: a follow is
// requested as pending, becomes accepted, or is removed. Only accepted
// follows receive broadcasts.
package follow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrFollowNotFound    = errors.New("follow not found")
	ErrInvalidTransition = errors.New("invalid follow state transition")
)

type Store interface {
	LoadFollow(ctx context.Context, followerId, targetId uuid.UUID) (*domain.Follow, error)
	LoadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error)
	CreateFollow(ctx context.Context, f *domain.Follow) error
	UpdateFollowState(ctx context.Context, id uuid.UUID, state domain.FollowState) error
	DeleteFollow(ctx context.Context, id uuid.UUID) error
}

// Purpose is what a delivery to a follower is for.
type Purpose int

const (
	// Broadcast is regular fan-out of an actor's activities.
	Broadcast Purpose = iota
	// Handshake covers the Follow/Accept/Reject/Undo exchange itself.
	Handshake
)

// Eligible reports whether f may receive a delivery for purpose p. Pending
// follows only take part in the handshake.
func Eligible(f *domain.Follow, p Purpose) bool {
	switch f.State {
	case domain.FollowAccepted:
		return true
	case domain.FollowPending:
		return p == Handshake
	default:
		return false
	}
}

// CanTransition reports whether a follow may move from one state to another.
// Removal is not a state: any existing follow can be removed.
func CanTransition(from, to domain.FollowState) bool {
	return from == domain.FollowPending && to == domain.FollowAccepted
}

type Machine struct {
	store     Store
	baseScore int
	now       func() time.Time
	logger    *zap.Logger
}

func NewMachine(store Store, baseScore int, logger *zap.Logger) *Machine {
	return &Machine{
		store:     store,
		baseScore: baseScore,
		now:       time.Now,
		logger:    util.OrNop(logger),
	}
}

// Request records a pending follow. Requesting an existing relationship
// returns it unchanged, whatever its state.
func (m *Machine) Request(ctx context.Context, followerId, targetId uuid.UUID, uri string) (*domain.Follow, error) {
	existing, err := m.store.LoadFollow(ctx, followerId, targetId)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := m.now()
	f := &domain.Follow{
		Id:              uuid.New(),
		FollowerActorId: followerId,
		TargetActorId:   targetId,
		URI:             uri,
		State:           domain.FollowPending,
		Score:           m.baseScore,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateFollow(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to create follow: %w", err)
	}

	m.logger.Debug("Follow requested",
		zap.Stringer("follower", followerId), zap.Stringer("target", targetId))
	return f, nil
}

// Accept moves a pending follow to accepted. Accepting an accepted follow is
// a no-op.
func (m *Machine) Accept(ctx context.Context, followerId, targetId uuid.UUID) (*domain.Follow, error) {
	f, err := m.load(ctx, followerId, targetId)
	if err != nil {
		return nil, err
	}
	return m.accept(ctx, f)
}

// AcceptByURI accepts the follow created by the Follow activity uri.
func (m *Machine) AcceptByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	f, err := m.FindByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	return m.accept(ctx, f)
}

func (m *Machine) accept(ctx context.Context, f *domain.Follow) (*domain.Follow, error) {
	if f.State == domain.FollowAccepted {
		return f, nil
	}
	if !CanTransition(f.State, domain.FollowAccepted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.State, domain.FollowAccepted)
	}

	if err := m.store.UpdateFollowState(ctx, f.Id, domain.FollowAccepted); err != nil {
		return nil, fmt.Errorf("failed to accept follow: %w", err)
	}
	f.State = domain.FollowAccepted
	f.UpdatedAt = m.now()

	m.logger.Info("Follow accepted",
		zap.Stringer("follower", f.FollowerActorId), zap.Stringer("target", f.TargetActorId))
	return f, nil
}

// Reject removes a follow the target refused.
func (m *Machine) Reject(ctx context.Context, followerId, targetId uuid.UUID) error {
	f, err := m.load(ctx, followerId, targetId)
	if err != nil {
		return err
	}
	return m.remove(ctx, f, "rejected")
}

// Remove deletes a follow on Undo or local unfollow.
func (m *Machine) Remove(ctx context.Context, followerId, targetId uuid.UUID) error {
	f, err := m.load(ctx, followerId, targetId)
	if err != nil {
		return err
	}
	return m.remove(ctx, f, "removed")
}

func (m *Machine) RemoveFollow(ctx context.Context, f *domain.Follow) error {
	return m.remove(ctx, f, "removed")
}

func (m *Machine) remove(ctx context.Context, f *domain.Follow, reason string) error {
	if err := m.store.DeleteFollow(ctx, f.Id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrFollowNotFound
		}
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	m.logger.Info("Follow "+reason,
		zap.Stringer("follower", f.FollowerActorId), zap.Stringer("target", f.TargetActorId))
	return nil
}

func (m *Machine) Find(ctx context.Context, followerId, targetId uuid.UUID) (*domain.Follow, error) {
	return m.load(ctx, followerId, targetId)
}

func (m *Machine) FindByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	f, err := m.store.LoadFollowByURI(ctx, uri)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrFollowNotFound
	}
	return f, err
}

func (m *Machine) load(ctx context.Context, followerId, targetId uuid.UUID) (*domain.Follow, error) {
	f, err := m.store.LoadFollow(ctx, followerId, targetId)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrFollowNotFound
	}
	return f, err
}
