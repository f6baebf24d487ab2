package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/api/warden"
)

// GetManifest handles GET /hosts/{vm_token}/manifest. The agent
// authenticates with the single-use token baked into its cloud-init,
// not a host ID.
func (h *Handlers) GetManifest(c *gin.Context) {
	manifest, err := h.sessions.Manifest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

// AgentStarted handles POST /hosts/{host_id}/started.
func (h *Handlers) AgentStarted(c *gin.Context) {
	var req warden.AgentStartedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fleet.Wrap(fleet.KindBadRequest, err, "malformed started callback"))
		return
	}
	ack, err := h.sessions.AgentStarted(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// AgentSaveEvent handles POST /hosts/{host_id}/save_event.
func (h *Handlers) AgentSaveEvent(c *gin.Context) {
	var req warden.AgentSaveEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fleet.Wrap(fleet.KindBadRequest, err, "malformed save event"))
		return
	}
	ack, err := h.sessions.AgentSaveEvent(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// AgentIdle handles POST /hosts/{host_id}/idle.
func (h *Handlers) AgentIdle(c *gin.Context) {
	var req warden.AgentIdleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fleet.Wrap(fleet.KindBadRequest, err, "malformed idle callback"))
		return
	}
	ack, err := h.sessions.AgentIdle(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// AgentEnded handles POST /hosts/{host_id}/ended.
func (h *Handlers) AgentEnded(c *gin.Context) {
	var req warden.AgentEndedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fleet.Wrap(fleet.KindBadRequest, err, "malformed ended callback"))
		return
	}
	ack, err := h.sessions.AgentEnded(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}
