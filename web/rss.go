package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"github.com/websteadhq/webstead/activitypub"
	"github.com/websteadhq/webstead/domain"
	"github.com/websteadhq/webstead/util"
	"go.uber.org/zap"
)

func (h *Handler) HandleFeed(c *gin.Context) {
	w, ok := h.websteadForHandle(c, c.Param("handle"))
	if !ok {
		return
	}

	posts, err := h.store.ReadPublishedPosts(c.Request.Context(), w.Id, time.Now(), activitypub.PageSize, 0)
	if err != nil {
		h.log.Error("Web: failed to load posts for feed", zap.String("webstead", w.Subdomain), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load feed"})
		return
	}

	rss, err := GetRSS(w, h.conf.Conf.BaseDomain, posts)
	if err != nil {
		h.log.Error("Web: failed to render feed", zap.String("webstead", w.Subdomain), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load feed"})
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}

// GetRSS renders published posts as an RSS 2.0 feed, newest first.
func GetRSS(w *domain.Webstead, baseDomain string, posts []domain.Post) (string, error) {
	feed := &feeds.Feed{
		Title:       w.DisplayName(),
		Link:        &feeds.Link{Href: w.URL(baseDomain)},
		Description: w.Bio(),
		Author:      &feeds.Author{Name: w.DisplayName()},
		Created:     time.Now(),
	}

	for i := range posts {
		post := &posts[i]
		link := activitypub.PostURL(w, baseDomain, post)
		item := &feeds.Item{
			Id:          link,
			Title:       post.Title,
			Link:        &feeds.Link{Href: link},
			Description: util.PlainText(post.Body),
			Content:     util.RenderBody(post.Body),
			Author:      &feeds.Author{Name: w.DisplayName()},
			Created:     post.CreatedAt,
		}
		if post.PublishedAt != nil {
			item.Created = *post.PublishedAt
		}
		feed.Items = append(feed.Items, item)
	}
	if len(feed.Items) > 0 {
		feed.Updated = feed.Items[0].Created
	}

	return feed.ToRss()
}
