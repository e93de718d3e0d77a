package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// FederatedActor is a cached remote identity
type FederatedActor struct {
	Id             uuid.UUID
	ActorURI       string
	ActorType      string
	InboxURL       string
	SharedInboxURL string
	Username       string
	Domain         string
	DisplayName    string
	PublicKeyPem   string
	RawDocument    string // actor document as fetched
	LastFetchedAt  time.Time
	CreatedAt      time.Time
}

// DeliveryInbox prefers the shared inbox over the personal one.
func (a *FederatedActor) DeliveryInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

// IsFresh reports whether the cached document is younger than ttl.
func (a *FederatedActor) IsFresh(now time.Time, ttl time.Duration) bool {
	if a.LastFetchedAt.IsZero() {
		return false
	}
	return now.Sub(a.LastFetchedAt) < ttl
}

type FollowerStatus string

const (
	FollowerPending  FollowerStatus = "pending"
	FollowerAccepted FollowerStatus = "accepted"
	FollowerRejected FollowerStatus = "rejected"
)

var ErrInvalidTransition = errors.New("follower status transition not allowed")

// Follower is one remote actor following one webstead
type Follower struct {
	Id               uuid.UUID
	WebsteadId       uuid.UUID
	FederatedActorId uuid.UUID
	Status           FollowerStatus
	AcceptedAt       *time.Time
	// FollowActivity is the Follow as received, echoed back in the Accept.
	FollowActivity   []byte
	CreatedAt        time.Time
	Actor            *FederatedActor // populated by joined reads
}

// Accept moves a pending follower to accepted.
func (f *Follower) Accept(now time.Time) error {
	if f.Status != FollowerPending {
		return ErrInvalidTransition
	}
	f.Status = FollowerAccepted
	f.AcceptedAt = &now
	return nil
}

// Reject moves a pending follower to rejected.
func (f *Follower) Reject() error {
	if f.Status != FollowerPending {
		return ErrInvalidTransition
	}
	f.Status = FollowerRejected
	return nil
}

// DeliveryTask is one queued (activity, destination) pair. Payload holds the
// serialized activity and is reused byte for byte by every attempt.
type DeliveryTask struct {
	Id            uuid.UUID
	WebsteadId    uuid.UUID
	InboxURL      string
	KeyID         string
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}
