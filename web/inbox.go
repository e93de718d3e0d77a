package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/websteadhq/webstead/activitypub"
)

// HandleInbox serves the inbox advertised in the actor document,
// {actorURI}/inbox, for the webstead of the request host.
func (h *Handler) HandleInbox(c *gin.Context) {
	w, ok := h.websteadForHost(c)
	if !ok {
		return
	}
	h.processInbox(c, w.Handle())
}

func (h *Handler) HandleInboxByHandle(c *gin.Context) {
	h.processInbox(c, c.Param("handle"))
}

// processInbox answers 202 once the activity is recorded. Outbound
// deliveries it causes are queued, never sent inline.
func (h *Handler) processInbox(c *gin.Context, handle string) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	req := &activitypub.InboundRequest{
		Method: c.Request.Method,
		Path:   c.Request.URL.RequestURI(),
		Host:   c.Request.Host,
		Header: c.Request.Header,
		Body:   body,
	}
	if err := h.fed.Inbox.Process(c.Request.Context(), handle, req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
