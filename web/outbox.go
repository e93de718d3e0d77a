package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/websteadhq/webstead/activitypub"
	"github.com/websteadhq/webstead/domain"
	"go.uber.org/zap"
)

func (h *Handler) HandleOutbox(c *gin.Context) {
	w, ok := h.websteadForHost(c)
	if !ok {
		return
	}
	h.writeOutbox(c, w)
}

func (h *Handler) HandleOutboxByHandle(c *gin.Context) {
	w, ok := h.websteadForHandle(c, c.Param("handle"))
	if !ok {
		return
	}
	h.writeOutbox(c, w)
}

// writeOutbox serves the collection summary, or one page when ?page is
// given. Unparsable page numbers are treated as page 1.
func (h *Handler) writeOutbox(c *gin.Context, w *domain.Webstead) {
	ctx := c.Request.Context()

	raw, paged := c.GetQuery("page")
	if !paged {
		collection, err := h.fed.Outbox.Collection(ctx, w)
		if err != nil {
			h.outboxFailed(c, w, err)
			return
		}
		writeDocument(c, activitypub.ContentTypeActivity, collection)
		return
	}

	page, err := strconv.Atoi(raw)
	if err != nil {
		page = 1
	}
	result, err := h.fed.Outbox.Page(ctx, w, page)
	if err != nil {
		h.outboxFailed(c, w, err)
		return
	}
	writeDocument(c, activitypub.ContentTypeActivity, result)
}

func (h *Handler) outboxFailed(c *gin.Context, w *domain.Webstead, err error) {
	h.log.Error("Web: failed to render outbox", zap.String("webstead", w.Subdomain), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load outbox"})
}
