package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/websteadhq/webstead/domain"
	"go.uber.org/zap"
)

const publishBatchSize = 100

// PublicationWatcher fans out posts once they become published, including
// scheduled posts whose publish time has passed. Each post is claimed before
// fan-out so it is federated at most once.
type PublicationWatcher struct {
	store    Store
	fanout   *Fanout
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewPublicationWatcher(store Store, fanout *Fanout, interval time.Duration, logger *zap.Logger) *PublicationWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublicationWatcher{
		store:    store,
		fanout:   fanout,
		interval: interval,
		now:      time.Now,
		log:      logger.Named("publisher"),
	}
}

func (p *PublicationWatcher) Run(ctx context.Context) error {
	p.log.Info("Publisher: watching for published posts", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PublishPending(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("Publisher: pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PublishPending fans out every published post not yet federated and
// returns how many posts it fanned out. A post whose fan-out fails is
// released and retried on the next pass.
func (p *PublicationWatcher) PublishPending(ctx context.Context) (int, error) {
	now := p.now()
	posts, err := p.store.ReadUnfederatedPosts(ctx, now, publishBatchSize)
	if err != nil {
		return 0, fmt.Errorf("reading unfederated posts: %w", err)
	}

	websteads := map[uuid.UUID]*domain.Webstead{}
	claimed := 0
	for i := range posts {
		post := &posts[i]

		ok, err := p.store.ClaimPostFederation(ctx, post, now)
		if err != nil {
			p.log.Error("Publisher: failed to claim post", zap.String("post", post.Id.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		if err := p.publish(ctx, websteads, post); err != nil {
			p.log.Error("Publisher: fan-out failed, releasing post", zap.String("post", post.Id.String()), zap.Error(err))
			// Uses a fresh context so a cancelled pass does not strand the claim.
			if err := p.store.ReleasePostFederation(context.WithoutCancel(ctx), post.Id); err != nil {
				p.log.Error("Publisher: failed to release post", zap.String("post", post.Id.String()), zap.Error(err))
			}
			continue
		}
		claimed++
	}
	return claimed, nil
}

func (p *PublicationWatcher) publish(ctx context.Context, websteads map[uuid.UUID]*domain.Webstead, post *domain.Post) error {
	w, found := websteads[post.WebsteadId]
	if !found {
		var err error
		w, err = p.store.ReadWebsteadById(ctx, post.WebsteadId)
		if err != nil {
			return fmt.Errorf("loading webstead: %w", err)
		}
		websteads[post.WebsteadId] = w
	}
	_, err := p.fanout.Publish(ctx, w, post)
	return err
}
