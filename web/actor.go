package web

import (
	"net/http"

	"github.com/Chocobozzz/PeerTube-sub005/activitypub"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

// handleActor serves the actor document of a local account, public key
// included, so remote servers can verify its signatures.
func (rt *Router) handleActor(c *gin.Context) {
	actor, err := rt.actors.LoadLocalActorByUsername(c.Request.Context(), c.Param("name"))
	if err != nil {
		rt.notFoundOr(c, err)
		return
	}

	c.Header("Content-Type", activitypub.ContentTypeActivity+"; charset=utf-8")
	c.Render(http.StatusOK, render.JSON{Data: activitypub.NewActorResponse(actor)})
}
