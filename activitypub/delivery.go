package activitypub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/websteadhq/webstead/domain"
	"github.com/websteadhq/webstead/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxDeliveryAttempts bounds how often one task is tried before it is
// abandoned.
const MaxDeliveryAttempts = 3

const deliveryBatchSize = 50

// DeliveryError is a non-2xx answer from a remote inbox.
type DeliveryError struct {
	InboxURL   string
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed with status %d", e.InboxURL, e.StatusCode)
}

// Deliverer performs one signed POST.
type Deliverer interface {
	Deliver(ctx context.Context, inboxURL string, payload []byte, privateKeyPem, keyID string) error
}

// Dispatcher signs and sends activities to remote inboxes.
type Dispatcher struct {
	client *resty.Client
	now    func() time.Time
	log    *zap.Logger
}

func NewDispatcher(timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", util.UserAgent())

	return &Dispatcher{
		client: client,
		now:    time.Now,
		log:    logger.Named("delivery"),
	}
}

// Deliver POSTs payload to inboxURL exactly as given, signed over
// (request-target) host date digest.
func (d *Dispatcher) Deliver(ctx context.Context, inboxURL string, payload []byte, privateKeyPem, keyID string) error {
	target, err := url.Parse(inboxURL)
	if err != nil || target.Host == "" {
		return fmt.Errorf("invalid inbox URL %q", inboxURL)
	}

	signed, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
	if err != nil {
		return fmt.Errorf("building delivery request: %w", err)
	}
	signed.Header.Set("Date", d.now().UTC().Format(http.TimeFormat))
	if err := SignRequest(signed, payload, privateKeyPem, keyID); err != nil {
		return fmt.Errorf("signing delivery: %w", err)
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", ContentTypeActivity).
		SetHeader("Accept", ContentTypeActivity).
		SetHeader("Date", signed.Header.Get("Date")).
		SetHeader("Digest", signed.Header.Get("Digest")).
		SetHeader("Signature", signed.Header.Get("Signature")).
		SetBody(payload).
		Post(inboxURL)
	if err != nil {
		return fmt.Errorf("delivering to %s: %w", inboxURL, err)
	}
	if !resp.IsSuccess() {
		body := resp.String()
		if len(body) > 256 {
			body = body[:256]
		}
		return &DeliveryError{InboxURL: inboxURL, StatusCode: resp.StatusCode(), Body: body}
	}

	d.log.Debug("Delivery: delivered", zap.String("inbox", inboxURL), zap.Int("status", resp.StatusCode()))
	return nil
}

// Queue persists delivery tasks. The payload is fixed when the task is
// created and every attempt sends the same bytes.
type Queue struct {
	store   Store
	now     func() time.Time
	metrics *Metrics
}

func NewQueue(store Store, metrics *Metrics) *Queue {
	return &Queue{store: store, now: time.Now, metrics: metrics}
}

func (q *Queue) Enqueue(ctx context.Context, websteadId uuid.UUID, inboxURL, keyID string, payload []byte) (*domain.DeliveryTask, error) {
	now := q.now()
	task := &domain.DeliveryTask{
		Id:            uuid.New(),
		WebsteadId:    websteadId,
		InboxURL:      inboxURL,
		KeyID:         keyID,
		Payload:       payload,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := q.store.EnqueueDelivery(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueueing delivery to %s: %w", inboxURL, err)
	}
	q.metrics.count(deliveriesEnqueued, 1)
	return task, nil
}

// Backoff is the wait before the next attempt after `attempts` failures:
// base * 2^(attempts-1).
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		return base
	}
	return base << (attempts - 1)
}

type WorkerConfig struct {
	Interval    time.Duration
	RetryBase   time.Duration
	Concurrency int
}

// Worker drains the delivery queue on a ticker.
type Worker struct {
	store      Store
	keys       *KeyManager
	dispatcher Deliverer
	conf       WorkerConfig
	now        func() time.Time
	log        *zap.Logger
	metrics    *Metrics
}

func NewWorker(store Store, keys *KeyManager, dispatcher Deliverer, conf WorkerConfig, logger *zap.Logger, metrics *Metrics) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.Concurrency < 1 {
		conf.Concurrency = 1
	}
	return &Worker{
		store:      store,
		keys:       keys,
		dispatcher: dispatcher,
		conf:       conf,
		now:        time.Now,
		log:        logger.Named("delivery"),
		metrics:    metrics,
	}
}

// Run processes due tasks every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Delivery: worker started", zap.Duration("interval", w.conf.Interval), zap.Int("concurrency", w.conf.Concurrency))

	ticker := time.NewTicker(w.conf.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("Delivery: failed to process queue", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.log.Info("Delivery: worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue attempts every due task once, concurrently, and returns how
// many were attempted.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	tasks, err := w.store.ReadDueDeliveries(ctx, w.now(), deliveryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("reading delivery queue: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	w.log.Debug("Delivery: processing due tasks", zap.Int("count", len(tasks)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.conf.Concurrency)
	for i := range tasks {
		task := &tasks[i]
		g.Go(func() error {
			w.attempt(gctx, task)
			return nil
		})
	}
	return len(tasks), g.Wait()
}

func (w *Worker) attempt(ctx context.Context, task *domain.DeliveryTask) {
	log := w.log.With(zap.String("task", task.Id.String()), zap.String("inbox", task.InboxURL))

	start := time.Now()
	err := w.send(ctx, task)
	w.metrics.observeDelivery(time.Since(start).Seconds())

	if err == nil {
		w.metrics.count(deliveriesOK, 1)
		if derr := w.store.DeleteDelivery(ctx, task.Id); derr != nil {
			log.Error("Delivery: failed to remove delivered task", zap.Error(derr))
		}
		log.Info("Delivery: delivered")
		return
	}

	attempts := task.Attempts + 1
	if attempts >= MaxDeliveryAttempts {
		w.metrics.count(deliveriesDropped, 1)
		if derr := w.store.DeleteDelivery(ctx, task.Id); derr != nil {
			log.Error("Delivery: failed to remove abandoned task", zap.Error(derr))
		}
		log.Error("Delivery: delivery abandoned", zap.Int("attempts", attempts), zap.Error(err))
		return
	}

	wait := Backoff(w.conf.RetryBase, attempts)
	w.metrics.count(deliveriesRetried, 1)
	if uerr := w.store.UpdateDeliveryAttempt(ctx, task.Id, attempts, w.now().Add(wait), err.Error()); uerr != nil {
		log.Error("Delivery: failed to record attempt", zap.Error(uerr))
	}
	log.Warn("Delivery: attempt failed, will retry", zap.Int("attempts", attempts), zap.Duration("retry_in", wait), zap.Error(err))
}

func (w *Worker) send(ctx context.Context, task *domain.DeliveryTask) error {
	privateKeyPem, err := w.keys.SigningKey(ctx, task.WebsteadId)
	if err != nil {
		return err
	}
	return w.dispatcher.Deliver(ctx, task.InboxURL, task.Payload, privateKeyPem, task.KeyID)
}
