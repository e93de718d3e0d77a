package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/websteadhq/webstead/domain"
)

// PageSize is the number of items per outbox page.
const PageSize = 30

type OrderedCollection struct {
	Context    string `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first"`
	Last       string `json:"last"`
}

type OrderedCollectionPage struct {
	Context      string           `json:"@context"`
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	PartOf       string           `json:"partOf"`
	TotalItems   int              `json:"totalItems"`
	Next         string           `json:"next,omitempty"`
	Prev         string           `json:"prev,omitempty"`
	OrderedItems []CreateActivity `json:"orderedItems"`
}

// LastPage is the 1-indexed number of the last page. An empty outbox still
// has one (empty) page.
func LastPage(total int) int {
	if total <= 0 {
		return 1
	}
	return (total-1)/PageSize + 1
}

// Outbox serves the published posts of a webstead as an OrderedCollection.
type Outbox struct {
	store      Store
	baseDomain string
	now        func() time.Time
}

func NewOutbox(store Store, baseDomain string) *Outbox {
	return &Outbox{store: store, baseDomain: baseDomain, now: time.Now}
}

func (o *Outbox) collectionID(w *domain.Webstead) string {
	return w.ActorURI(o.baseDomain) + "/outbox"
}

func (o *Outbox) pageID(w *domain.Webstead, page int) string {
	return fmt.Sprintf("%s?page=%d", o.collectionID(w), page)
}

// Collection is the summary document with links to the first and last page.
func (o *Outbox) Collection(ctx context.Context, w *domain.Webstead) (*OrderedCollection, error) {
	total, err := o.store.CountPublishedPosts(ctx, w.Id, o.now())
	if err != nil {
		return nil, fmt.Errorf("counting posts of %s: %w", w.Subdomain, err)
	}

	return &OrderedCollection{
		Context:    ContextActivityStreams,
		ID:         o.collectionID(w),
		Type:       "OrderedCollection",
		TotalItems: total,
		First:      o.pageID(w, 1),
		Last:       o.pageID(w, LastPage(total)),
	}, nil
}

// Page renders one page, newest first. Pages below 1 are clamped to 1 and
// pages past the end are empty.
func (o *Outbox) Page(ctx context.Context, w *domain.Webstead, page int) (*OrderedCollectionPage, error) {
	if page < 1 {
		page = 1
	}
	now := o.now()

	total, err := o.store.CountPublishedPosts(ctx, w.Id, now)
	if err != nil {
		return nil, fmt.Errorf("counting posts of %s: %w", w.Subdomain, err)
	}
	posts, err := o.store.ReadPublishedPosts(ctx, w.Id, now, PageSize, (page-1)*PageSize)
	if err != nil {
		return nil, fmt.Errorf("reading posts of %s: %w", w.Subdomain, err)
	}

	items := make([]CreateActivity, 0, len(posts))
	for i := range posts {
		items = append(items, BuildCreate(w, o.baseDomain, &posts[i], false))
	}

	result := &OrderedCollectionPage{
		Context:      ContextActivityStreams,
		ID:           o.pageID(w, page),
		Type:         "OrderedCollectionPage",
		PartOf:       o.collectionID(w),
		TotalItems:   total,
		OrderedItems: items,
	}
	last := LastPage(total)
	if page < last {
		result.Next = o.pageID(w, page+1)
	}
	if page > 1 {
		result.Prev = o.pageID(w, page-1)
	}
	return result, nil
}
