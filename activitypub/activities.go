package activitypub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/google/uuid"
)

const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

// Activity represents a generic ActivityPub activity
type Activity struct {
	Context interface{} `json:"@context"`
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Actor   interface{} `json:"actor"`
	Object  interface{} `json:"object"`
}

// ParseActivity decodes the envelope fields of an activity.
func ParseActivity(body []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if a.Type == "" || a.ActorURL() == "" {
		return nil, fmt.Errorf("%w: type and actor are required", ErrMalformedActivity)
	}
	return &a, nil
}

// ActorURL returns the actor id whether the actor is inlined or referenced.
func (a *Activity) ActorURL() string {
	return idOf(a.Actor)
}

// ObjectURL returns the object id whether the object is inlined or referenced.
func (a *Activity) ObjectURL() string {
	return idOf(a.Object)
}

// ObjectMap returns the inlined object, or nil for a bare reference.
func (a *Activity) ObjectMap() map[string]interface{} {
	m, _ := a.Object.(map[string]interface{})
	return m
}

// InnerActivity decodes an inlined object as an activity, as found in
// Accept, Reject and Undo.
func (a *Activity) InnerActivity() *Activity {
	m := a.ObjectMap()
	if m == nil {
		return nil
	}
	inner := &Activity{Actor: m["actor"], Object: m["object"], Context: m["@context"]}
	inner.ID, _ = m["id"].(string)
	inner.Type, _ = m["type"].(string)
	return inner
}

func idOf(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		id, _ := t["id"].(string)
		return id
	}
	return ""
}

// NewActivityID mints an activity URL under the actor's host.
func NewActivityID(actor *domain.Actor, kind string) string {
	base := actor.URL
	if i := strings.Index(base, "/accounts/"); i > 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s/activities/%s/%s", base, strings.ToLower(kind), uuid.New())
}

func NewFollow(follower *domain.Actor, targetURL, id string) map[string]interface{} {
	return map[string]interface{}{
		"@context": []interface{}{ActivityStreamsContext, SecurityContext},
		"id":       id,
		"type":     "Follow",
		"actor":    follower.URL,
		"object":   targetURL,
	}
}

// NewAccept wraps the Follow being answered. The follow is inlined so the
// receiver does not need to dereference it.
func NewAccept(actor *domain.Actor, follow map[string]interface{}) map[string]interface{} {
	return newResponse(actor, "Accept", follow)
}

func NewReject(actor *domain.Actor, follow map[string]interface{}) map[string]interface{} {
	return newResponse(actor, "Reject", follow)
}

func NewUndo(actor *domain.Actor, object map[string]interface{}) map[string]interface{} {
	return newResponse(actor, "Undo", object)
}

func newResponse(actor *domain.Actor, kind string, object map[string]interface{}) map[string]interface{} {
	inner := make(map[string]interface{}, len(object))
	for k, v := range object {
		if k == "@context" || k == "signature" {
			continue
		}
		inner[k] = v
	}
	return map[string]interface{}{
		"@context": []interface{}{ActivityStreamsContext, SecurityContext},
		"id":       NewActivityID(actor, kind),
		"type":     kind,
		"actor":    actor.URL,
		"object":   inner,
	}
}
