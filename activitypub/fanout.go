package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/websteadhq/webstead/domain"
	"go.uber.org/zap"
)

// FanoutResult summarizes one publication. Failed destinations do not
// prevent the others from being queued.
type FanoutResult struct {
	Destinations int
	Queued       int
	Failed       int
}

// Fanout queues a Create for every distinct follower inbox of a webstead.
type Fanout struct {
	store      Store
	keys       *KeyManager
	queue      *Queue
	baseDomain string
	now        func() time.Time
	log        *zap.Logger
	metrics    *Metrics
}

func NewFanout(store Store, keys *KeyManager, queue *Queue, baseDomain string, logger *zap.Logger, metrics *Metrics) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		store:      store,
		keys:       keys,
		queue:      queue,
		baseDomain: baseDomain,
		now:        time.Now,
		log:        logger.Named("fanout"),
		metrics:    metrics,
	}
}

// Publish queues one delivery per destination inbox. Followers that share
// an inbox receive a single delivery.
func (f *Fanout) Publish(ctx context.Context, w *domain.Webstead, post *domain.Post) (FanoutResult, error) {
	var result FanoutResult
	if !post.IsPublished(f.now()) {
		return result, nil
	}

	followers, err := f.store.ReadFollowers(ctx, w.Id, domain.FollowerAccepted)
	if err != nil {
		return result, fmt.Errorf("loading followers of %s: %w", w.Subdomain, err)
	}
	destinations := Destinations(followers)
	if len(destinations) == 0 {
		f.log.Debug("Fanout: no followers", zap.String("webstead", w.Subdomain))
		return result, nil
	}

	payload, err := json.Marshal(BuildCreate(w, f.baseDomain, post, true))
	if err != nil {
		return result, fmt.Errorf("serializing post %s: %w", post.Id, err)
	}

	keyID := f.keys.KeyID(w)
	result.Destinations = len(destinations)
	for _, inbox := range destinations {
		if _, err := f.queue.Enqueue(ctx, w.Id, inbox, keyID, payload); err != nil {
			result.Failed++
			f.log.Error("Fanout: failed to queue delivery", zap.String("inbox", inbox), zap.Error(err))
			continue
		}
		result.Queued++
	}

	f.metrics.count(fanoutTargets, result.Destinations)
	f.metrics.count(fanoutFailures, result.Failed)
	f.log.Info("Fanout: post published",
		zap.String("webstead", w.Subdomain),
		zap.String("post", post.Id.String()),
		zap.Int("destinations", result.Destinations),
		zap.Int("queued", result.Queued),
		zap.Int("failed", result.Failed))
	return result, nil
}

// Destinations returns the distinct delivery inboxes of followers in
// first-seen order, preferring shared inboxes.
func Destinations(followers []domain.Follower) []string {
	seen := make(map[string]bool, len(followers))
	var inboxes []string
	for _, follower := range followers {
		if follower.Actor == nil {
			continue
		}
		inbox := follower.Actor.DeliveryInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}
	return inboxes
}
