package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Chocobozzz/PeerTube-sub005/activitypub"
	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

func NewWebfingerResponse(actor *domain.Actor, host string) *WebfingerResponse {
	return &WebfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", actor.PreferredUsername, host),
		Aliases: []string{actor.URL},
		Links: []WebfingerLink{{
			Rel:  "self",
			Type: activitypub.ContentTypeActivity,
			Href: actor.URL,
		}},
	}
}

// webfingerUsername extracts the local username from an acct: resource.
// Accounts of other hosts are not ours to answer for.
func webfingerUsername(resource, host string) (string, bool) {
	if !strings.HasPrefix(resource, "acct:") {
		return "", false
	}
	acct := strings.TrimPrefix(resource, "acct:")
	name, domainPart, found := strings.Cut(acct, "@")
	if name == "" || (found && !strings.EqualFold(domainPart, host)) {
		return "", false
	}
	return name, true
}

func (rt *Router) handleWebfinger(c *gin.Context) {
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")

	host := rt.conf.Conf.Domain
	name, ok := webfingerUsername(c.Query("resource"), host)
	if !ok {
		c.Render(http.StatusNotFound, render.JSON{Data: gin.H{"detail": "Not Found"}})
		return
	}

	actor, err := rt.actors.LoadLocalActorByUsername(c.Request.Context(), name)
	if err != nil {
		c.Render(http.StatusNotFound, render.JSON{Data: gin.H{"detail": "Not Found"}})
		return
	}
	c.Render(http.StatusOK, render.JSON{Data: NewWebfingerResponse(actor, host)})
}
