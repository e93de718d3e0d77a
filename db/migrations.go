package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// Timestamps are INTEGER unix milliseconds throughout.
const (
	sqlCreateWebsteadsTable = `CREATE TABLE IF NOT EXISTS websteads (
		id TEXT NOT NULL PRIMARY KEY,
		subdomain TEXT UNIQUE NOT NULL,
		custom_domain TEXT UNIQUE,
		private_key_pem TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		webstead_id TEXT NOT NULL REFERENCES websteads(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		published_at INTEGER,
		created_at INTEGER NOT NULL
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_webstead_published ON posts(webstead_id, published_at DESC);
	`

	// Remote actor cache
	sqlCreateFederatedActorsTable = `CREATE TABLE IF NOT EXISTS federated_actors (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT UNIQUE NOT NULL,
		actor_type TEXT NOT NULL DEFAULT '',
		inbox_url TEXT NOT NULL DEFAULT '',
		shared_inbox_url TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		raw_document TEXT NOT NULL DEFAULT '',
		last_fetched_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`

	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		webstead_id TEXT NOT NULL REFERENCES websteads(id) ON DELETE CASCADE,
		federated_actor_id TEXT NOT NULL REFERENCES federated_actors(id),
		status TEXT NOT NULL DEFAULT 'pending',
		accepted_at INTEGER,
		follow_activity BLOB,
		created_at INTEGER NOT NULL,
		UNIQUE(webstead_id, federated_actor_id)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_webstead_status ON followers(webstead_id, status);
	`

	// One row per (activity, destination) pair
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		webstead_id TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		key_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_attempt ON delivery_queue(next_attempt_at);
	`

	// Marks posts whose Create has been fanned out
	sqlCreatePostFederationsTable = `CREATE TABLE IF NOT EXISTS post_federations (
		post_id TEXT NOT NULL PRIMARY KEY,
		webstead_id TEXT NOT NULL,
		federated_at INTEGER NOT NULL
	)`
)

// RunMigrations creates the schema. Every statement is idempotent so it runs
// on each start.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"websteads", sqlCreateWebsteadsTable},
			{"posts", sqlCreatePostsTable},
			{"federated_actors", sqlCreateFederatedActorsTable},
			{"followers", sqlCreateFollowersTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
			{"post_federations", sqlCreatePostFederationsTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}

		// Columns added after the first release; errors mean the column exists.
		tx.Exec(`ALTER TABLE followers ADD COLUMN follow_activity BLOB`)

		for name, indices := range map[string]string{
			"posts":          sqlCreatePostsIndices,
			"followers":      sqlCreateFollowersIndices,
			"delivery_queue": sqlCreateDeliveryQueueIndices,
		} {
			if _, err := tx.Exec(indices); err != nil {
				db.log.Warn("DB: failed to create indices", zap.String("table", name), zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		db.log.Error("DB: error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.log.Debug("DB: table created or already exists", zap.String("table", tableName))
	return nil
}
