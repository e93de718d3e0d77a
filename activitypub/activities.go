package activitypub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/websteadhq/webstead/domain"
	"github.com/websteadhq/webstead/util"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
	PublicCollection       = ContextActivityStreams + "#Public"

	ContentTypeActivity = "application/activity+json"
	ContentTypeLD       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	AcceptHeader        = "application/activity+json, application/ld+json"
)

// Activity is the envelope of an inbound activity. Object stays raw until
// a handler knows its shape.
type Activity struct {
	Context json.RawMessage `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
}

// ObjectID returns the object as a URI, whether it was sent as a string or
// as an embedded object with an id.
func (a *Activity) ObjectID() string {
	if len(a.Object) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return uri
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

type Note struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	Published    string   `json:"published"`
	URL          string   `json:"url"`
	To           []string `json:"to"`
	Cc           []string `json:"cc"`
	Tag          []any    `json:"tag"`
}

type CreateActivity struct {
	Context   string   `json:"@context,omitempty"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Published string   `json:"published"`
	To        []string `json:"to"`
	Cc        []string `json:"cc"`
	Object    Note     `json:"object"`
}

type AcceptActivityDocument struct {
	Context string          `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
}

func PostURL(w *domain.Webstead, baseDomain string, p *domain.Post) string {
	return w.URL(baseDomain) + "/posts/" + p.Id.String()
}

// BuildNote renders a published post as a Note.
func BuildNote(w *domain.Webstead, baseDomain string, p *domain.Post) Note {
	actorURI := w.ActorURI(baseDomain)
	postURL := PostURL(w, baseDomain, p)
	return Note{
		ID:           postURL,
		Type:         "Note",
		Name:         p.Title,
		AttributedTo: actorURI,
		Content:      util.RenderBody(p.Body),
		Published:    formatPublished(p),
		URL:          postURL,
		To:           []string{PublicCollection},
		Cc:           []string{actorURI + "/followers"},
		Tag:          []any{},
	}
}

// BuildCreate wraps the post's Note in a Create. The @context is only set
// for standalone documents, not for collection items.
func BuildCreate(w *domain.Webstead, baseDomain string, p *domain.Post, standalone bool) CreateActivity {
	note := BuildNote(w, baseDomain, p)
	create := CreateActivity{
		ID:        note.ID + "#activity",
		Type:      "Create",
		Actor:     note.AttributedTo,
		Published: note.Published,
		To:        note.To,
		Cc:        note.Cc,
		Object:    note,
	}
	if standalone {
		create.Context = ContextActivityStreams
	}
	return create
}

// BuildAccept answers a Follow. The original activity is embedded as sent.
func BuildAccept(w *domain.Webstead, baseDomain string, follow json.RawMessage) AcceptActivityDocument {
	return AcceptActivityDocument{
		Context: ContextActivityStreams,
		ID:      w.URL(baseDomain) + "/activities/" + uuid.New().String(),
		Type:    "Accept",
		Actor:   w.ActorURI(baseDomain),
		Object:  follow,
	}
}

func formatPublished(p *domain.Post) string {
	if p.PublishedAt == nil {
		return ""
	}
	return p.PublishedAt.UTC().Format(time.RFC3339)
}
