package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/websteadhq/webstead/activitypub"
	"github.com/websteadhq/webstead/db"
	"github.com/websteadhq/webstead/domain"
	"go.uber.org/zap"
)

func (h *Handler) HandleActor(c *gin.Context) {
	w, ok := h.websteadForHost(c)
	if !ok {
		return
	}
	h.writeActor(c, w)
}

func (h *Handler) HandleActorByHandle(c *gin.Context) {
	w, ok := h.websteadForHandle(c, c.Param("handle"))
	if !ok {
		return
	}
	h.writeActor(c, w)
}

func (h *Handler) writeActor(c *gin.Context, w *domain.Webstead) {
	writeDocument(c, activitypub.ContentTypeLD, activitypub.BuildActorDocument(w, h.conf.Conf.BaseDomain))
}

func (h *Handler) HandleWebfinger(c *gin.Context) {
	doc, err := h.fed.Directory.ResolveWebfinger(c.Request.Context(), c.Query("resource"), c.Request.Host)
	if err != nil {
		writeError(c, err)
		return
	}
	writeDocument(c, activitypub.ContentTypeJRD, doc)
}

// websteadForHost resolves the webstead from the Host header and writes a
// 404 when there is none.
func (h *Handler) websteadForHost(c *gin.Context) (*domain.Webstead, bool) {
	w, err := resolveWebsteadByHost(c.Request.Context(), h.store, h.conf.Conf.BaseDomain, c.Request.Host)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webstead not found"})
		return nil, false
	}
	if err != nil {
		h.log.Error("Web: failed to resolve host", zap.String("host", c.Request.Host), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return nil, false
	}
	return w, true
}

func (h *Handler) websteadForHandle(c *gin.Context, handle string) (*domain.Webstead, bool) {
	w, err := h.fed.Directory.LookupWebstead(c.Request.Context(), handle)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return w, true
}

// writeDocument writes v as JSON with an exact content type; gin's JSON
// renderer would replace it with application/json.
func writeDocument(c *gin.Context, contentType string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.Data(http.StatusOK, contentType, body)
}

func writeError(c *gin.Context, err error) {
	c.JSON(activitypub.StatusOf(err), gin.H{"error": activitypub.MessageOf(err)})
}
