package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/websteadhq/webstead/domain"
)

const (
	websteadColumns = `id, subdomain, custom_domain, private_key_pem, public_key_pem, settings, created_at`

	sqlInsertWebstead               = `INSERT INTO websteads(id, subdomain, custom_domain, private_key_pem, public_key_pem, settings, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectWebsteadById           = `SELECT ` + websteadColumns + ` FROM websteads WHERE id = ?`
	sqlSelectWebsteadBySubdomain    = `SELECT ` + websteadColumns + ` FROM websteads WHERE subdomain = ?`
	sqlSelectWebsteadByCustomDomain = `SELECT ` + websteadColumns + ` FROM websteads WHERE custom_domain = ?`
	sqlSelectAllWebsteads           = `SELECT ` + websteadColumns + ` FROM websteads ORDER BY subdomain`
	sqlUpdateWebsteadSettings       = `UPDATE websteads SET settings = ? WHERE id = ?`
	// Never overwrites an existing key.
	sqlUpdateWebsteadKeysIfEmpty = `UPDATE websteads SET private_key_pem = ?, public_key_pem = ? WHERE id = ? AND private_key_pem = ''`
)

// CreateWebstead inserts a new webstead. A taken subdomain or custom domain
// returns ErrConflict.
func (db *DB) CreateWebstead(ctx context.Context, w *domain.Webstead) error {
	settings, err := encodeSettings(w.Settings)
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertWebstead,
			w.Id.String(),
			w.Subdomain,
			nullString(w.CustomDomain),
			w.PrivateKeyPem,
			w.PublicKeyPem,
			settings,
			toMillis(w.CreatedAt),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("webstead %s: %w", w.Subdomain, ErrConflict)
		}
		return err
	})
}

func (db *DB) ReadWebsteadById(ctx context.Context, id uuid.UUID) (*domain.Webstead, error) {
	return scanWebstead(db.db.QueryRowContext(ctx, sqlSelectWebsteadById, id.String()))
}

func (db *DB) ReadWebsteadBySubdomain(ctx context.Context, subdomain string) (*domain.Webstead, error) {
	return scanWebstead(db.db.QueryRowContext(ctx, sqlSelectWebsteadBySubdomain, subdomain))
}

func (db *DB) ReadWebsteadByCustomDomain(ctx context.Context, host string) (*domain.Webstead, error) {
	return scanWebstead(db.db.QueryRowContext(ctx, sqlSelectWebsteadByCustomDomain, host))
}

func (db *DB) ReadAllWebsteads(ctx context.Context) ([]domain.Webstead, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAllWebsteads)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var websteads []domain.Webstead
	for rows.Next() {
		w, err := scanWebstead(rows)
		if err != nil {
			return websteads, err
		}
		websteads = append(websteads, *w)
	}
	return websteads, rows.Err()
}

// SetWebsteadKeysIfEmpty stores a keypair only when the webstead has none
// yet. It reports whether the row was updated.
func (db *DB) SetWebsteadKeysIfEmpty(ctx context.Context, id uuid.UUID, privateKeyPem, publicKeyPem string) (bool, error) {
	var updated bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateWebsteadKeysIfEmpty, privateKeyPem, publicKeyPem, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n == 1
		return nil
	})
	return updated, err
}

func (db *DB) UpdateWebsteadSettings(ctx context.Context, id uuid.UUID, settings map[string]string) error {
	encoded, err := encodeSettings(settings)
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateWebsteadSettings, encoded, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanWebstead(row rowScanner) (*domain.Webstead, error) {
	var (
		w            domain.Webstead
		customDomain sql.NullString
		settings     string
		createdAt    int64
	)
	err := row.Scan(&w.Id, &w.Subdomain, &customDomain, &w.PrivateKeyPem, &w.PublicKeyPem, &settings, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.CustomDomain = customDomain.String
	w.CreatedAt = fromMillis(createdAt)
	if err := json.Unmarshal([]byte(settings), &w.Settings); err != nil {
		return nil, fmt.Errorf("decoding settings of webstead %s: %w", w.Subdomain, err)
	}
	if w.Settings == nil {
		w.Settings = map[string]string{}
	}
	return &w, nil
}

func encodeSettings(settings map[string]string) (string, error) {
	if settings == nil {
		return "{}", nil
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("encoding settings: %w", err)
	}
	return string(b), nil
}
