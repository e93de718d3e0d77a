package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/websteadhq/webstead/domain"
)

// Federated actors
const (
	actorColumns = `id, actor_uri, actor_type, inbox_url, shared_inbox_url, username, domain, display_name, public_key_pem, raw_document, last_fetched_at, created_at`

	sqlSelectActorByURI = `SELECT ` + actorColumns + ` FROM federated_actors WHERE actor_uri = ?`

	// Empty incoming values never clear what is stored.
	sqlUpsertActor = `INSERT INTO federated_actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			actor_type = COALESCE(NULLIF(excluded.actor_type, ''), federated_actors.actor_type),
			inbox_url = COALESCE(NULLIF(excluded.inbox_url, ''), federated_actors.inbox_url),
			shared_inbox_url = COALESCE(NULLIF(excluded.shared_inbox_url, ''), federated_actors.shared_inbox_url),
			username = COALESCE(NULLIF(excluded.username, ''), federated_actors.username),
			domain = COALESCE(NULLIF(excluded.domain, ''), federated_actors.domain),
			display_name = COALESCE(NULLIF(excluded.display_name, ''), federated_actors.display_name),
			public_key_pem = COALESCE(NULLIF(excluded.public_key_pem, ''), federated_actors.public_key_pem),
			raw_document = COALESCE(NULLIF(excluded.raw_document, ''), federated_actors.raw_document),
			last_fetched_at = MAX(excluded.last_fetched_at, federated_actors.last_fetched_at)`
)

// Followers, always read joined with their actor
const (
	followerSelect = `SELECT f.id, f.webstead_id, f.federated_actor_id, f.status, f.accepted_at, f.follow_activity, f.created_at,
		a.id, a.actor_uri, a.actor_type, a.inbox_url, a.shared_inbox_url, a.username, a.domain,
		a.display_name, a.public_key_pem, a.raw_document, a.last_fetched_at, a.created_at
		FROM followers f INNER JOIN federated_actors a ON a.id = f.federated_actor_id`

	sqlSelectFollowerByPair   = followerSelect + ` WHERE f.webstead_id = ? AND f.federated_actor_id = ?`
	sqlSelectFollowerByActor  = followerSelect + ` WHERE f.webstead_id = ? AND a.actor_uri = ?`
	sqlSelectFollowersByState = followerSelect + ` WHERE f.webstead_id = ? AND f.status = ? ORDER BY f.created_at`
	sqlSelectAllFollowers     = followerSelect + ` WHERE f.webstead_id = ? ORDER BY f.created_at`

	sqlInsertFollower       = `INSERT INTO followers(id, webstead_id, federated_actor_id, status, accepted_at, follow_activity, created_at) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(webstead_id, federated_actor_id) DO NOTHING`
	sqlUpdateFollowerStatus = `UPDATE followers SET status = ?, accepted_at = ? WHERE id = ?`
)

// Delivery queue
const (
	deliveryColumns = `id, webstead_id, inbox_url, key_id, payload, attempts, next_attempt_at, last_error, created_at`

	sqlInsertDelivery    = `INSERT INTO delivery_queue(` + deliveryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDueDelivery = `SELECT ` + deliveryColumns + ` FROM delivery_queue WHERE next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`
	sqlSelectDeliveries  = `SELECT ` + deliveryColumns + ` FROM delivery_queue ORDER BY next_attempt_at LIMIT ?`
	sqlUpdateDelivery    = `UPDATE delivery_queue SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`
	sqlDeleteDelivery    = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries   = `SELECT COUNT(*) FROM delivery_queue`
)

func (db *DB) ReadFederatedActorByURI(ctx context.Context, uri string) (*domain.FederatedActor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, uri))
}

// UpsertFederatedActor inserts or refreshes the cache row keyed by actor URI
// and returns the stored record. Concurrent refreshes of the same actor
// converge on the unique actor_uri.
func (db *DB) UpsertFederatedActor(ctx context.Context, a *domain.FederatedActor) (*domain.FederatedActor, error) {
	var stored *domain.FederatedActor
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = upsertActor(ctx, tx, a)
		return err
	})
	return stored, err
}

func upsertActor(ctx context.Context, tx *sql.Tx, a *domain.FederatedActor) (*domain.FederatedActor, error) {
	id := a.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var lastFetched int64
	if !a.LastFetchedAt.IsZero() {
		lastFetched = toMillis(a.LastFetchedAt)
	}

	_, err := tx.ExecContext(ctx, sqlUpsertActor,
		id.String(),
		a.ActorURI,
		a.ActorType,
		a.InboxURL,
		a.SharedInboxURL,
		a.Username,
		a.Domain,
		a.DisplayName,
		a.PublicKeyPem,
		a.RawDocument,
		lastFetched,
		toMillis(createdAt),
	)
	if err != nil {
		return nil, err
	}
	return scanActor(tx.QueryRowContext(ctx, sqlSelectActorByURI, a.ActorURI))
}

// CreateFollower stores the actor and the follow relationship in one
// transaction, keeping the received Follow activity. An existing
// (webstead, actor) pair is left untouched and returned with created=false.
func (db *DB) CreateFollower(ctx context.Context, websteadId uuid.UUID, actor *domain.FederatedActor, status domain.FollowerStatus, follow []byte, now time.Time) (*domain.Follower, bool, error) {
	var (
		follower *domain.Follower
		created  bool
	)
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stored, err := upsertActor(ctx, tx, actor)
		if err != nil {
			return err
		}

		var acceptedAt *time.Time
		if status == domain.FollowerAccepted {
			acceptedAt = &now
		}
		res, err := tx.ExecContext(ctx, sqlInsertFollower,
			uuid.New().String(),
			websteadId.String(),
			stored.Id.String(),
			string(status),
			nullMillis(acceptedAt),
			follow,
			toMillis(now),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1

		follower, err = scanFollower(tx.QueryRowContext(ctx, sqlSelectFollowerByPair, websteadId.String(), stored.Id.String()))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return follower, created, nil
}

// ReadFollowers returns the followers of a webstead in the given status with
// their cached actor attached. An empty status returns every follower.
func (db *DB) ReadFollowers(ctx context.Context, websteadId uuid.UUID, status domain.FollowerStatus) ([]domain.Follower, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = db.db.QueryContext(ctx, sqlSelectAllFollowers, websteadId.String())
	} else {
		rows, err = db.db.QueryContext(ctx, sqlSelectFollowersByState, websteadId.String(), string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return followers, err
		}
		followers = append(followers, *f)
	}
	return followers, rows.Err()
}

// ReadFollowerByActor returns the follow relationship between a webstead and
// a remote actor.
func (db *DB) ReadFollowerByActor(ctx context.Context, websteadId uuid.UUID, actorURI string) (*domain.Follower, error) {
	return scanFollower(db.db.QueryRowContext(ctx, sqlSelectFollowerByActor, websteadId.String(), actorURI))
}

// UpdateFollowerStatus persists a transition made with Follower.Accept or
// Follower.Reject.
func (db *DB) UpdateFollowerStatus(ctx context.Context, f *domain.Follower) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateFollowerStatus, string(f.Status), nullMillis(f.AcceptedAt), f.Id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) EnqueueDelivery(ctx context.Context, task *domain.DeliveryTask) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDelivery,
			task.Id.String(),
			task.WebsteadId.String(),
			task.InboxURL,
			task.KeyID,
			task.Payload,
			task.Attempts,
			toMillis(task.NextAttemptAt),
			task.LastError,
			toMillis(task.CreatedAt),
		)
		return err
	})
}

// ReadDueDeliveries returns tasks whose next attempt is at or before now.
func (db *DB) ReadDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDueDelivery, toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	return collectDeliveries(rows)
}

// ReadDeliveries lists queued tasks by next attempt time.
func (db *DB) ReadDeliveries(ctx context.Context, limit int) ([]domain.DeliveryTask, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDeliveries, limit)
	if err != nil {
		return nil, err
	}
	return collectDeliveries(rows)
}

func (db *DB) CountDeliveries(ctx context.Context) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountDeliveries).Scan(&count)
	return count, err
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateDelivery, attempts, toMillis(nextAttempt), lastError, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteDelivery, id.String())
		return err
	})
}

func collectDeliveries(rows *sql.Rows) ([]domain.DeliveryTask, error) {
	defer rows.Close()

	var tasks []domain.DeliveryTask
	for rows.Next() {
		var (
			t           domain.DeliveryTask
			nextAttempt int64
			createdAt   int64
		)
		if err := rows.Scan(&t.Id, &t.WebsteadId, &t.InboxURL, &t.KeyID, &t.Payload, &t.Attempts, &nextAttempt, &t.LastError, &createdAt); err != nil {
			return tasks, err
		}
		t.NextAttemptAt = fromMillis(nextAttempt)
		t.CreatedAt = fromMillis(createdAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanActor(row rowScanner) (*domain.FederatedActor, error) {
	var (
		a           domain.FederatedActor
		lastFetched int64
		createdAt   int64
	)
	err := row.Scan(&a.Id, &a.ActorURI, &a.ActorType, &a.InboxURL, &a.SharedInboxURL, &a.Username, &a.Domain,
		&a.DisplayName, &a.PublicKeyPem, &a.RawDocument, &lastFetched, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastFetched > 0 {
		a.LastFetchedAt = fromMillis(lastFetched)
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

func scanFollower(row rowScanner) (*domain.Follower, error) {
	var (
		f                      domain.Follower
		a                      domain.FederatedActor
		status                 string
		acceptedAt             sql.NullInt64
		createdAt              int64
		lastFetched, actorSeen int64
	)
	err := row.Scan(&f.Id, &f.WebsteadId, &f.FederatedActorId, &status, &acceptedAt, &f.FollowActivity, &createdAt,
		&a.Id, &a.ActorURI, &a.ActorType, &a.InboxURL, &a.SharedInboxURL, &a.Username, &a.Domain,
		&a.DisplayName, &a.PublicKeyPem, &a.RawDocument, &lastFetched, &actorSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Status = domain.FollowerStatus(status)
	f.AcceptedAt = fromNullMillis(acceptedAt)
	f.CreatedAt = fromMillis(createdAt)
	if lastFetched > 0 {
		a.LastFetchedAt = fromMillis(lastFetched)
	}
	a.CreatedAt = fromMillis(actorSeen)
	f.Actor = &a
	return &f, nil
}
