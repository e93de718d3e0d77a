package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/websteadhq/webstead/db"
	"github.com/websteadhq/webstead/domain"
	"github.com/websteadhq/webstead/util"
	"go.uber.org/zap"
)

// remoteActor is the subset of a remote actor document we keep.
type remoteActor struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Inbox             string          `json:"inbox"`
	Endpoints         Endpoints       `json:"endpoints"`
	PublicKey         json.RawMessage `json:"publicKey"`
}

// publicKeyPem handles publicKey sent as an object or as a list of objects.
func (a *remoteActor) publicKeyPem() string {
	if len(a.PublicKey) == 0 {
		return ""
	}
	var single PublicKey
	if err := json.Unmarshal(a.PublicKey, &single); err == nil {
		return single.PublicKeyPem
	}
	var many []PublicKey
	if err := json.Unmarshal(a.PublicKey, &many); err == nil && len(many) > 0 {
		return many[0].PublicKeyPem
	}
	return ""
}

// maxActorDocumentBytes caps a fetched actor document.
const maxActorDocumentBytes = 1 << 20

// Resolver fetches remote actor documents and caches them in the store.
type Resolver struct {
	store   Store
	client  *resty.Client
	ttl     time.Duration
	now     func() time.Time
	log     *zap.Logger
	metrics *Metrics
}

func NewResolver(store Store, ttl, timeout time.Duration, logger *zap.Logger, metrics *Metrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(3)).
		SetResponseBodyLimit(maxActorDocumentBytes).
		SetHeader("Accept", AcceptHeader).
		SetHeader("User-Agent", util.UserAgent())

	return &Resolver{
		store:   store,
		client:  client,
		ttl:     ttl,
		now:     time.Now,
		log:     logger.Named("resolver"),
		metrics: metrics,
	}
}

// Resolve returns the cached actor when it is younger than the TTL and
// fetches it otherwise.
func (r *Resolver) Resolve(ctx context.Context, actorURI string) (*domain.FederatedActor, error) {
	actor, _, err := r.resolve(ctx, actorURI)
	return actor, err
}

func (r *Resolver) resolve(ctx context.Context, actorURI string) (*domain.FederatedActor, bool, error) {
	cached, err := r.store.ReadFederatedActorByURI(ctx, actorURI)
	switch {
	case err == nil && cached.IsFresh(r.now(), r.ttl):
		r.metrics.count(cacheHits, 1)
		return cached, true, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		r.log.Warn("Resolver: cache lookup failed", zap.String("actor", actorURI), zap.Error(err))
	}

	actor, err := r.Refresh(ctx, actorURI)
	return actor, false, err
}

// Refresh fetches the actor document regardless of the cache and stores it.
func (r *Resolver) Refresh(ctx context.Context, actorURI string) (*domain.FederatedActor, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: bad actor URI %q", ErrInvalidActorDocument, actorURI)
	}

	r.metrics.count(actorFetches, 1)
	resp, err := r.client.R().SetContext(ctx).Get(actorURI)
	if err != nil {
		r.metrics.count(actorFetchErrors, 1)
		r.log.Warn("Resolver: fetch failed", zap.String("actor", actorURI), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrActorUnavailable, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusNotFound || status == http.StatusGone:
		r.metrics.count(actorFetchErrors, 1)
		return nil, fmt.Errorf("%w: %s returned %d", ErrActorNotFound, actorURI, status)
	case !resp.IsSuccess():
		r.metrics.count(actorFetchErrors, 1)
		r.log.Warn("Resolver: unexpected status", zap.String("actor", actorURI), zap.Int("status", status))
		return nil, fmt.Errorf("%w: %s returned %d", ErrActorUnavailable, actorURI, status)
	}

	var doc remoteActor
	if err := json.Unmarshal(resp.Body(), &doc); err != nil {
		r.metrics.count(actorFetchErrors, 1)
		return nil, fmt.Errorf("%w: parsing actor document: %v", ErrActorUnavailable, err)
	}
	if doc.ID != actorURI {
		return nil, fmt.Errorf("%w: id %q does not match %q", ErrInvalidActorDocument, doc.ID, actorURI)
	}
	if doc.Inbox == "" {
		return nil, fmt.Errorf("%w: no inbox", ErrInvalidActorDocument)
	}

	actor := &domain.FederatedActor{
		ActorURI:       doc.ID,
		ActorType:      doc.Type,
		InboxURL:       doc.Inbox,
		SharedInboxURL: doc.Endpoints.SharedInbox,
		Username:       doc.PreferredUsername,
		Domain:         parsed.Host,
		DisplayName:    doc.Name,
		PublicKeyPem:   doc.publicKeyPem(),
		RawDocument:    string(resp.Body()),
		LastFetchedAt:  r.now(),
	}

	stored, err := r.store.UpsertFederatedActor(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("caching actor %s: %w", actorURI, err)
	}
	r.log.Debug("Resolver: fetched actor", zap.String("actor", actorURI), zap.String("inbox", stored.InboxURL))
	return stored, nil
}
