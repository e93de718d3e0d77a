package web

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/websteadhq/webstead/db"
	"github.com/websteadhq/webstead/domain"
)

// Store is what the HTTP layer reads directly. *db.DB implements it.
type Store interface {
	ReadWebsteadBySubdomain(ctx context.Context, subdomain string) (*domain.Webstead, error)
	ReadWebsteadByCustomDomain(ctx context.Context, host string) (*domain.Webstead, error)
	ReadPublishedPosts(ctx context.Context, websteadId uuid.UUID, now time.Time, limit, offset int) ([]domain.Post, error)
	Ping(ctx context.Context) error
}

// resolveWebsteadByHost maps a request host to the webstead it serves: a
// custom domain match first, then {subdomain}.{baseDomain}. Reserved
// subdomains never resolve. A miss returns db.ErrNotFound.
func resolveWebsteadByHost(ctx context.Context, store Store, baseDomain, host string) (*domain.Webstead, error) {
	host = strings.ToLower(strings.TrimSuffix(stripPort(host), "."))
	if host == "" {
		return nil, db.ErrNotFound
	}

	w, err := store.ReadWebsteadByCustomDomain(ctx, host)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	sub, ok := strings.CutSuffix(host, "."+strings.ToLower(baseDomain))
	if !ok || sub == "" || strings.Contains(sub, ".") || slices.Contains(domain.ReservedSubdomains, sub) {
		return nil, db.ErrNotFound
	}
	return store.ReadWebsteadBySubdomain(ctx, sub)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
