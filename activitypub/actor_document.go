package activitypub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/websteadhq/webstead/db"
	"github.com/websteadhq/webstead/domain"
)

const ContentTypeJRD = "application/jrd+json"

var acctPattern = regexp.MustCompile(`^acct:([^@\s]+)@([^@\s]+)$`)

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDocument is the Person served for a webstead.
type ActorDocument struct {
	Context           []string   `json:"@context"`
	Type              string     `json:"type"`
	ID                string     `json:"id"`
	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	URL               string     `json:"url,omitempty"`
	Inbox             string     `json:"inbox,omitempty"`
	Outbox            string     `json:"outbox,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
}

// BuildActorDocument renders the local actor. Empty values are omitted.
func BuildActorDocument(w *domain.Webstead, baseDomain string) ActorDocument {
	actorURI := w.ActorURI(baseDomain)
	doc := ActorDocument{
		Context:           []string{ContextActivityStreams, ContextSecurity},
		Type:              "Person",
		ID:                actorURI,
		PreferredUsername: w.Handle(),
		Name:              w.DisplayName(),
		Summary:           w.Bio(),
		URL:               w.URL(baseDomain),
		Inbox:             actorURI + "/inbox",
		Outbox:            actorURI + "/outbox",
	}
	if w.PublicKeyPem != "" {
		doc.PublicKey = &PublicKey{
			ID:           actorURI + "#main-key",
			Owner:        actorURI,
			PublicKeyPem: w.PublicKeyPem,
		}
	}
	return doc
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebfingerDocument struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// Directory answers identity lookups for local websteads.
type Directory struct {
	store      Store
	baseDomain string
}

func NewDirectory(store Store, baseDomain string) *Directory {
	return &Directory{store: store, baseDomain: baseDomain}
}

// LookupWebstead finds a webstead by handle, mapping a miss to NotFound.
func (d *Directory) LookupWebstead(ctx context.Context, handle string) (*domain.Webstead, error) {
	w, err := d.store.ReadWebsteadBySubdomain(ctx, domain.NormalizeSubdomain(handle))
	if errors.Is(err, db.ErrNotFound) {
		return nil, notFoundError("Webstead not found")
	}
	if err != nil {
		return nil, processingError("Failed to load webstead", err)
	}
	return w, nil
}

// ResolveWebfinger maps acct:<handle>@<domain> to the actor URI. The domain
// must be the host the request was made to.
func (d *Directory) ResolveWebfinger(ctx context.Context, resource, requestHost string) (*WebfingerDocument, error) {
	if resource == "" {
		return nil, clientError("resource parameter is required", nil)
	}
	m := acctPattern.FindStringSubmatch(resource)
	if m == nil {
		return nil, clientError("Invalid resource format. Expected acct:username@domain", nil)
	}
	handle, acctDomain := m[1], m[2]

	if !strings.EqualFold(acctDomain, stripPort(requestHost)) {
		return nil, notFoundError("Domain mismatch")
	}

	w, err := d.LookupWebstead(ctx, handle)
	if StatusOf(err) == http.StatusNotFound {
		return nil, notFoundError("User not found")
	}
	if err != nil {
		return nil, err
	}

	actorURI := w.ActorURI(d.baseDomain)
	return &WebfingerDocument{
		Subject: resource,
		Aliases: []string{actorURI, w.URL(d.baseDomain)},
		Links: []WebfingerLink{
			{Rel: "self", Type: ContentTypeActivity, Href: actorURI},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: w.URL(d.baseDomain)},
		},
	}, nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
