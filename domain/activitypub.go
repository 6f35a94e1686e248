package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type ActorType string

const (
	ActorPerson       ActorType = "Person"
	ActorGroup        ActorType = "Group"
	ActorApplication  ActorType = "Application"
	ActorService      ActorType = "Service"
	ActorOrganization ActorType = "Organization"
)

// Server is a remote host known to this instance.
type Server struct {
	Id        uuid.UUID
	Host      string
	CreatedAt time.Time
}

// Actor is a federated identity, either owned by this instance (PrivateKey set,
// ServerId nil) or cached from a remote host.
type Actor struct {
	Id                uuid.UUID
	Type              ActorType
	URL               string
	PreferredUsername string
	PublicKey         string
	PrivateKey        string `json:"-"`
	InboxURL          string
	OutboxURL         string
	SharedInboxURL    string
	FollowersURL      string
	FollowingURL      string
	ServerId          *uuid.UUID
	LastFetchedAt     time.Time
	CreatedAt         time.Time
}

func (a *Actor) IsLocal() bool {
	return a.ServerId == nil
}

// KeyId is the identifier remote peers use to look up this actor's public key.
func (a *Actor) KeyId() string {
	return a.URL + "#main-key"
}

// DeliveryInbox prefers the shared inbox so one request reaches every
// follower hosted on the same server.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tType: %s \n\tURL: %s \n\tInbox: %s", a.Id, a.Type, a.URL, a.InboxURL)
}

type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
)

// ScoreFloor is the score at or below which a follow is considered unhealthy.
const ScoreFloor = 0

// Follow is a directed follow relationship between two actors.
type Follow struct {
	Id              uuid.UUID
	FollowerActorId uuid.UUID
	TargetActorId   uuid.UUID
	URI             string
	State           FollowState
	Score           int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FollowScore is the projection the reputation cache works on: a follow, its
// current score and the server of the remote side of the relationship.
type FollowScore struct {
	FollowId uuid.UUID
	Score    int
	ServerId *uuid.UUID
}

// FollowerDelivery pairs a follow with the inbox its follower receives
// broadcasts on (shared inbox when advertised).
type FollowerDelivery struct {
	Follow Follow
	Inbox  string
}
