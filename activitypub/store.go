package activitypub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/websteadhq/webstead/domain"
)

// Store is the persistence the federation core needs. *db.DB implements it.
type Store interface {
	ReadWebsteadById(ctx context.Context, id uuid.UUID) (*domain.Webstead, error)
	ReadWebsteadBySubdomain(ctx context.Context, subdomain string) (*domain.Webstead, error)
	SetWebsteadKeysIfEmpty(ctx context.Context, id uuid.UUID, privateKeyPem, publicKeyPem string) (bool, error)

	CountPublishedPosts(ctx context.Context, websteadId uuid.UUID, now time.Time) (int, error)
	ReadPublishedPosts(ctx context.Context, websteadId uuid.UUID, now time.Time, limit, offset int) ([]domain.Post, error)
	ReadUnfederatedPosts(ctx context.Context, now time.Time, limit int) ([]domain.Post, error)
	ClaimPostFederation(ctx context.Context, p *domain.Post, now time.Time) (bool, error)
	ReleasePostFederation(ctx context.Context, postId uuid.UUID) error

	ReadFederatedActorByURI(ctx context.Context, uri string) (*domain.FederatedActor, error)
	UpsertFederatedActor(ctx context.Context, a *domain.FederatedActor) (*domain.FederatedActor, error)

	CreateFollower(ctx context.Context, websteadId uuid.UUID, actor *domain.FederatedActor, status domain.FollowerStatus, follow []byte, now time.Time) (*domain.Follower, bool, error)
	ReadFollowers(ctx context.Context, websteadId uuid.UUID, status domain.FollowerStatus) ([]domain.Follower, error)
	ReadFollowerByActor(ctx context.Context, websteadId uuid.UUID, actorURI string) (*domain.Follower, error)
	UpdateFollowerStatus(ctx context.Context, f *domain.Follower) error

	EnqueueDelivery(ctx context.Context, task *domain.DeliveryTask) error
	ReadDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error
	DeleteDelivery(ctx context.Context, id uuid.UUID) error
}
