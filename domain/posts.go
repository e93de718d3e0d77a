package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PublicationState string

const (
	PostDraft     PublicationState = "draft"
	PostScheduled PublicationState = "scheduled"
	PostPublished PublicationState = "published"
)

// Post is owned by the publishing side of the application; the federation
// core only reads published posts.
type Post struct {
	Id          uuid.UUID
	WebsteadId  uuid.UUID
	Title       string
	Body        string
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// State derives the publication state: published iff a publish timestamp
// exists and is not in the future.
func (p *Post) State(now time.Time) PublicationState {
	switch {
	case p.PublishedAt == nil:
		return PostDraft
	case p.PublishedAt.After(now):
		return PostScheduled
	default:
		return PostPublished
	}
}

func (p *Post) IsPublished(now time.Time) bool {
	return p.State(now) == PostPublished
}

func (p *Post) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tWebstead: %s \n\tTitle: %s \n\tPublishedAt: %v)", p.Id, p.WebsteadId, p.Title, p.PublishedAt)
}
