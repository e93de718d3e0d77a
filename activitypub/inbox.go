package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/websteadhq/webstead/domain"
	"go.uber.org/zap"
)

// InboundRequest is the part of an inbox POST the processor needs. Path is
// the request URI as received, used for (request-target).
type InboundRequest struct {
	Method string
	Path   string
	Host   string
	Header http.Header
	Body   []byte
}

// FollowPolicy decides the initial status of a new follower.
type FollowPolicy func(ctx context.Context, w *domain.Webstead, actor *domain.FederatedActor) domain.FollowerStatus

// AutoAccept accepts every follow request.
func AutoAccept(context.Context, *domain.Webstead, *domain.FederatedActor) domain.FollowerStatus {
	return domain.FollowerAccepted
}

type activityHandler func(ctx context.Context, w *domain.Webstead, activity *Activity, raw []byte) error

type InboxConfig struct {
	BaseDomain string
	// SkipSignatureVerification must only be set outside production.
	SkipSignatureVerification bool
	Policy                    FollowPolicy
}

// Inbox processes signed activities addressed to local websteads.
type Inbox struct {
	store     Store
	directory *Directory
	resolver  *Resolver
	keys      *KeyManager
	queue     *Queue
	conf      InboxConfig
	handlers  map[string]activityHandler
	now       func() time.Time
	log       *zap.Logger
	metrics   *Metrics
}

func NewInbox(store Store, resolver *Resolver, keys *KeyManager, queue *Queue, conf InboxConfig, logger *zap.Logger, metrics *Metrics) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conf.Policy == nil {
		conf.Policy = AutoAccept
	}
	in := &Inbox{
		store:     store,
		directory: NewDirectory(store, conf.BaseDomain),
		resolver:  resolver,
		keys:      keys,
		queue:     queue,
		conf:      conf,
		now:       time.Now,
		log:       logger.Named("inbox"),
		metrics:   metrics,
	}
	in.handlers = map[string]activityHandler{
		"Follow": in.handleFollow,
	}
	return in
}

// Process runs the request through the signature, parse and authorization
// gates and dispatches it by activity type. A nil error means 202 Accepted;
// any error maps to a status with StatusOf.
func (in *Inbox) Process(ctx context.Context, handle string, req *InboundRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			in.log.Error("Inbox: panic while processing activity", zap.String("webstead", handle), zap.Any("panic", r), zap.Stack("stack"))
			err = processingError("Failed to process activity", fmt.Errorf("panic: %v", r))
			in.metrics.inboxRequest(strconv.Itoa(StatusOf(err)))
		}
	}()

	err = in.process(ctx, handle, req)

	status := http.StatusAccepted
	if err != nil {
		status = StatusOf(err)
		if status == http.StatusUnprocessableEntity {
			in.log.Error("Inbox: failed to process activity", zap.String("webstead", handle), zap.Error(err))
		} else {
			in.log.Info("Inbox: rejected activity", zap.String("webstead", handle), zap.Int("status", status), zap.Error(err))
		}
	}
	in.metrics.inboxRequest(strconv.Itoa(status))
	return err
}

func (in *Inbox) process(ctx context.Context, handle string, req *InboundRequest) error {
	var signer string
	if in.conf.SkipSignatureVerification {
		in.log.Warn("Inbox: signature verification disabled")
	} else {
		params, err := in.verifySignature(ctx, req)
		if err != nil {
			return err
		}
		signer = params.ActorURI()
	}

	activity, err := parseActivity(req.Body)
	if err != nil {
		return err
	}
	if signer != "" && signer != activity.Actor {
		return authError(http.StatusUnauthorized, "Signer does not match activity actor", nil)
	}

	w, err := in.directory.LookupWebstead(ctx, handle)
	if err != nil {
		return err
	}

	handler, ok := in.handlers[activity.Type]
	if !ok {
		return unsupportedError("Activity type not supported")
	}
	return handler(ctx, w, activity, req.Body)
}

// verifySignature checks the Signature header against the signer's cached
// public key. A key that fails verification is refetched once, which covers
// a remote key rotation within the cache TTL.
func (in *Inbox) verifySignature(ctx context.Context, req *InboundRequest) (*SignatureParams, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		return nil, authError(http.StatusBadRequest, "Missing Signature header", nil)
	}
	params, err := ParseSignatureHeader(header)
	if err != nil {
		return nil, authError(http.StatusBadRequest, "Malformed Signature header", err)
	}

	// Every declared header must be present before anything is compared.
	signingString, err := BuildSigningStringFor(params.Headers, req.Method, req.Path, req.Header, req.Host)
	if err != nil {
		return nil, authError(http.StatusBadRequest, "Malformed Signature header", err)
	}

	digest := req.Header.Get("Digest")
	if params.Covers("digest") || digest != "" {
		if !VerifyDigest(digest, req.Body) {
			return nil, authError(http.StatusUnauthorized, "Digest does not match body", nil)
		}
	}

	actor, fromCache, err := in.resolver.resolve(ctx, params.ActorURI())
	if err != nil {
		return nil, upstreamError("Failed to fetch actor", err)
	}
	if actor.PublicKeyPem == "" {
		return nil, clientError("No public key in actor document", nil)
	}

	err = VerifyRequest(req, actor.PublicKeyPem)
	if err != nil && fromCache {
		refreshed, refreshErr := in.resolver.Refresh(ctx, params.ActorURI())
		if refreshErr == nil {
			err = VerifyRequest(req, refreshed.PublicKeyPem)
		}
	}
	if err != nil {
		in.log.Debug("Inbox: signature mismatch",
			zap.String("keyId", params.KeyID),
			zap.String("signingString", signingString),
			zap.Error(err))
		return nil, authError(http.StatusUnauthorized, "Invalid signature", err)
	}
	return params, nil
}

var requiredActivityFields = []string{"@context", "type", "actor"}

func parseActivity(body []byte) (*Activity, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, clientError("Invalid JSON", err)
	}

	var missing []string
	for _, name := range requiredActivityFields {
		if v, ok := fields[name]; !ok || string(v) == "null" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, clientError("Missing required fields: "+strings.Join(missing, ", "), nil)
	}

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, clientError("Invalid JSON", err)
	}
	return &activity, nil
}

// handleFollow records the follower and answers with an Accept. Redelivery
// of the same Follow leaves the follower row untouched and sends the Accept
// again, so a peer that missed the first one still converges.
func (in *Inbox) handleFollow(ctx context.Context, w *domain.Webstead, activity *Activity, raw []byte) error {
	log := in.log.With(zap.String("webstead", w.Subdomain), zap.String("actor", activity.Actor))

	if activity.ObjectID() != w.ActorURI(in.conf.BaseDomain) {
		return clientError("Object URI does not match user", nil)
	}

	actor, err := in.resolver.Resolve(ctx, activity.Actor)
	if err != nil {
		return upstreamError("Failed to fetch follower actor", err)
	}

	follower, created, err := in.store.CreateFollower(ctx, w.Id, actor, in.conf.Policy(ctx, w, actor), raw, in.now())
	if err != nil {
		return processingError("Failed to process follow", err)
	}
	if !created {
		log.Info("Inbox: follow already recorded", zap.String("status", string(follower.Status)))
	}
	if follower.Status != domain.FollowerAccepted {
		log.Info("Inbox: follow awaiting approval")
		return nil
	}

	payload, err := json.Marshal(BuildAccept(w, in.conf.BaseDomain, json.RawMessage(raw)))
	if err != nil {
		return processingError("Failed to process follow", err)
	}
	if _, err := in.queue.Enqueue(ctx, w.Id, actor.DeliveryInbox(), in.keys.KeyID(w), payload); err != nil {
		return processingError("Failed to process follow", err)
	}

	log.Info("Inbox: follow accepted", zap.String("inbox", actor.DeliveryInbox()))
	return nil
}

// ApproveFollower accepts a pending follow request and queues the Accept,
// echoing the Follow stored when the request arrived.
func (in *Inbox) ApproveFollower(ctx context.Context, w *domain.Webstead, actorURI string) (*domain.Follower, error) {
	follower, err := in.store.ReadFollowerByActor(ctx, w.Id, actorURI)
	if err != nil {
		return nil, err
	}
	if err := follower.Accept(in.now()); err != nil {
		return nil, err
	}

	follow := follower.FollowActivity
	if len(follow) == 0 {
		// rows created before the Follow was kept
		follow, err = json.Marshal(map[string]string{"type": "Follow", "actor": actorURI, "object": w.ActorURI(in.conf.BaseDomain)})
		if err != nil {
			return nil, err
		}
	}
	payload, err := json.Marshal(BuildAccept(w, in.conf.BaseDomain, json.RawMessage(follow)))
	if err != nil {
		return nil, err
	}
	// Queued first so a failed status update can be retried without losing the Accept.
	if _, err := in.queue.Enqueue(ctx, w.Id, follower.Actor.DeliveryInbox(), in.keys.KeyID(w), payload); err != nil {
		return nil, fmt.Errorf("queueing accept: %w", err)
	}
	if err := in.store.UpdateFollowerStatus(ctx, follower); err != nil {
		return nil, err
	}

	in.log.Info("Inbox: follow approved", zap.String("webstead", w.Subdomain), zap.String("actor", actorURI))
	return follower, nil
}

// RejectFollower declines a pending follow request. Nothing is sent to the
// remote actor.
func (in *Inbox) RejectFollower(ctx context.Context, w *domain.Webstead, actorURI string) (*domain.Follower, error) {
	follower, err := in.store.ReadFollowerByActor(ctx, w.Id, actorURI)
	if err != nil {
		return nil, err
	}
	if err := follower.Reject(); err != nil {
		return nil, err
	}
	if err := in.store.UpdateFollowerStatus(ctx, follower); err != nil {
		return nil, err
	}

	in.log.Info("Inbox: follow rejected", zap.String("webstead", w.Subdomain), zap.String("actor", actorURI))
	return follower, nil
}
