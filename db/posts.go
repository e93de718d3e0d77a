package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/websteadhq/webstead/domain"
)

const (
	postColumns = `id, webstead_id, title, body, published_at, created_at`

	sqlInsertPost      = `INSERT INTO posts(id, webstead_id, title, body, published_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlCountPublished  = `SELECT COUNT(*) FROM posts WHERE webstead_id = ? AND published_at IS NOT NULL AND published_at <= ?`
	sqlSelectPublished = `SELECT ` + postColumns + ` FROM posts WHERE webstead_id = ? AND published_at IS NOT NULL AND published_at <= ? ORDER BY published_at DESC, id DESC LIMIT ? OFFSET ?`

	sqlSelectUnfederated = `SELECT p.id, p.webstead_id, p.title, p.body, p.published_at, p.created_at FROM posts p
		LEFT JOIN post_federations pf ON pf.post_id = p.id
		WHERE pf.post_id IS NULL AND p.published_at IS NOT NULL AND p.published_at <= ?
		ORDER BY p.published_at ASC LIMIT ?`

	sqlInsertPostFederation = `INSERT INTO post_federations(post_id, webstead_id, federated_at) VALUES (?, ?, ?) ON CONFLICT(post_id) DO NOTHING`
	sqlDeletePostFederation = `DELETE FROM post_federations WHERE post_id = ?`
)

func (db *DB) CreatePost(ctx context.Context, p *domain.Post) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertPost,
			p.Id.String(),
			p.WebsteadId.String(),
			p.Title,
			p.Body,
			nullMillis(p.PublishedAt),
			toMillis(p.CreatedAt),
		)
		return err
	})
}

// CountPublishedPosts counts posts whose publish time is at or before now.
func (db *DB) CountPublishedPosts(ctx context.Context, websteadId uuid.UUID, now time.Time) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountPublished, websteadId.String(), toMillis(now)).Scan(&count)
	return count, err
}

// ReadPublishedPosts returns published posts newest first.
func (db *DB) ReadPublishedPosts(ctx context.Context, websteadId uuid.UUID, now time.Time, limit, offset int) ([]domain.Post, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPublished, websteadId.String(), toMillis(now), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectPosts(rows)
}

// ReadUnfederatedPosts returns published posts that have not been claimed
// for fan-out yet, oldest first.
func (db *DB) ReadUnfederatedPosts(ctx context.Context, now time.Time, limit int) ([]domain.Post, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectUnfederated, toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	return collectPosts(rows)
}

// ClaimPostFederation records that a post is being fanned out. Only the
// first caller gets true.
func (db *DB) ClaimPostFederation(ctx context.Context, p *domain.Post, now time.Time) (bool, error) {
	var claimed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertPostFederation, p.Id.String(), p.WebsteadId.String(), toMillis(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// ReleasePostFederation drops a claim so the post is picked up again by the
// next fan-out pass.
func (db *DB) ReleasePostFederation(ctx context.Context, postId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeletePostFederation, postId.String())
		return err
	})
}

func collectPosts(rows *sql.Rows) ([]domain.Post, error) {
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return posts, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func scanPost(row rowScanner) (*domain.Post, error) {
	var (
		p           domain.Post
		publishedAt sql.NullInt64
		createdAt   int64
	)
	err := row.Scan(&p.Id, &p.WebsteadId, &p.Title, &p.Body, &publishedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PublishedAt = fromNullMillis(publishedAt)
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}
