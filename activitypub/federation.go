package activitypub

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/websteadhq/webstead/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Federation wires the federation components from configuration.
type Federation struct {
	Keys      *KeyManager
	Resolver  *Resolver
	Directory *Directory
	Inbox     *Inbox
	Outbox    *Outbox
	Queue     *Queue
	Worker    *Worker
	Fanout    *Fanout
	Publisher *PublicationWatcher
	Metrics   *Metrics
}

func New(store Store, conf *util.AppConfig, logger *zap.Logger, registry prometheus.Registerer) *Federation {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := conf.Conf
	metrics := NewMetrics(registry)

	keys := NewKeyManager(store, c.BaseDomain, logger)
	resolver := NewResolver(store, c.ActorCacheTTL, c.FetchTimeout, logger, metrics)
	queue := NewQueue(store, metrics)
	fanout := NewFanout(store, keys, queue, c.BaseDomain, logger, metrics)

	if conf.SignatureVerificationDisabled() {
		logger.Warn("Federation: inbox signature verification is disabled", zap.String("env", c.Env))
	}

	return &Federation{
		Keys:      keys,
		Resolver:  resolver,
		Directory: NewDirectory(store, c.BaseDomain),
		Inbox: NewInbox(store, resolver, keys, queue, InboxConfig{
			BaseDomain:                c.BaseDomain,
			SkipSignatureVerification: conf.SignatureVerificationDisabled(),
		}, logger, metrics),
		Outbox: NewOutbox(store, c.BaseDomain),
		Queue:  queue,
		Worker: NewWorker(store, keys, NewDispatcher(c.DeliveryTimeout, logger), WorkerConfig{
			Interval:    c.DeliveryInterval,
			RetryBase:   c.RetryBaseDelay,
			Concurrency: c.DeliveryConcurrency,
		}, logger, metrics),
		Fanout:    fanout,
		Publisher: NewPublicationWatcher(store, fanout, c.PublishInterval, logger),
		Metrics:   metrics,
	}
}

// Run starts the delivery worker and the publication watcher and blocks
// until ctx is cancelled.
func (f *Federation) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Worker.Run(ctx) })
	g.Go(func() error { return f.Publisher.Run(ctx) })
	return g.Wait()
}
