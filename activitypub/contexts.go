package activitypub

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/util"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/piprate/json-gold/ld"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"

	maxContextSize = 1 << 20
)

//go:embed contexts/*.json
var contextFiles embed.FS

var builtinContexts = map[string]string{
	ActivityStreamsContext:                         "contexts/activitystreams.json",
	"http://www.w3.org/ns/activitystreams":         "contexts/activitystreams.json",
	"https://www.w3.org/ns/activitystreams.jsonld": "contexts/activitystreams.json",
	SecurityContext:                                "contexts/security-v1.json",
	"http://w3id.org/security/v1":                  "contexts/security-v1.json",
}

// ContextResolver loads JSON-LD context documents for canonicalization. The
// well known contexts are served from memory; anything else is fetched once
// and kept in a small LRU cache.
type ContextResolver struct {
	cache   *lru.Cache[string, []byte]
	client  *http.Client
	timeout time.Duration
	group   singleflight.Group
	logger  *zap.Logger
}

func NewContextResolver(conf util.ContextsConfig, logger *zap.Logger) (*ContextResolver, error) {
	capacity := conf.Capacity
	if capacity <= 0 {
		capacity = 10
	}
	cache, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, err
	}

	timeout := conf.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &ContextResolver{
		cache:   cache,
		client:  &http.Client{},
		timeout: timeout,
		logger:  util.OrNop(logger),
	}, nil
}

// LoadDocument implements ld.DocumentLoader.
func (r *ContextResolver) LoadDocument(u string) (*ld.RemoteDocument, error) {
	return r.Resolve(context.Background(), u)
}

// Resolve returns the context document at u.
func (r *ContextResolver) Resolve(ctx context.Context, u string) (*ld.RemoteDocument, error) {
	raw, err := r.load(ctx, u)
	if err != nil {
		return nil, err
	}

	// Parse per call: the processor gets a document nobody else holds.
	doc, err := ld.DocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvedContext, u, err)
	}
	return &ld.RemoteDocument{DocumentURL: u, Document: doc}, nil
}

// Cached reports how many fetched contexts are held.
func (r *ContextResolver) Cached() int {
	return r.cache.Len()
}

func (r *ContextResolver) load(ctx context.Context, u string) ([]byte, error) {
	if file, ok := builtinContexts[u]; ok {
		return contextFiles.ReadFile(file)
	}

	if raw, ok := r.cache.Get(u); ok {
		return raw, nil
	}

	v, err, _ := r.group.Do(u, func() (interface{}, error) {
		raw, err := r.fetch(ctx, u)
		if err != nil {
			return nil, err
		}
		r.cache.Add(u, raw)
		return raw, nil
	})
	if err != nil {
		r.logger.Warn("Failed to resolve JSON-LD context", zap.String("url", u), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvedContext, u, err)
	}
	return v.([]byte), nil
}

func (r *ContextResolver) fetch(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/ld+json, application/json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxContextSize))
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("response is not JSON")
	}
	return raw, nil
}

// contextURLs lists the remote context references at the top of doc.
func contextURLs(doc map[string]interface{}) []string {
	var urls []string
	switch c := doc["@context"].(type) {
	case string:
		urls = append(urls, c)
	case []interface{}:
		for _, entry := range c {
			if s, ok := entry.(string); ok {
				urls = append(urls, s)
			}
		}
	}
	return urls
}
