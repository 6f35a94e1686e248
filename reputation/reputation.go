// Package reputation buffers delivery outcomes in memory and periodically
// folds them into the persisted follow scores. The buffer is not durable:
// deltas recorded since the last drain are lost on restart.
package reputation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Store is the persistence the cache drains into.
type Store interface {
	ListFollowsByFollowerInbox(ctx context.Context, inbox string) ([]domain.FollowScore, error)
	ListFollowsByTargetServers(ctx context.Context, serverIds []uuid.UUID) ([]domain.FollowScore, error)
	UpdateFollowScore(ctx context.Context, id uuid.UUID, score int) error
	RemoveBadFollows(ctx context.Context) (int64, error)
}

// DrainResult describes what one drain wrote.
type DrainResult struct {
	// Scores holds the new score of every follow updated.
	Scores map[uuid.UUID]int
	// BadServers lists the servers whose follows reached the score floor.
	BadServers []uuid.UUID
	Pruned     int64
}

type Cache struct {
	store   Store
	conf    util.ReputationConfig
	metrics *Metrics
	logger  *zap.Logger

	// drains are serialized; recording never waits on one
	drainMu sync.Mutex

	mu          sync.Mutex
	deltas      map[string]int
	goodServers map[uuid.UUID]struct{}
	badServers  map[uuid.UUID]struct{}
}

func New(store Store, conf util.ReputationConfig, metrics *Metrics, logger *zap.Logger) *Cache {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Cache{
		store:       store,
		conf:        conf,
		metrics:     metrics,
		logger:      util.OrNop(logger),
		deltas:      map[string]int{},
		goodServers: map[uuid.UUID]struct{}{},
		badServers:  map[uuid.UUID]struct{}{},
	}
}

// RecordOutcome buffers a bonus for every good inbox and a penalty for every
// bad one. Nothing is written to the store.
func (c *Cache) RecordOutcome(good, bad []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, inbox := range good {
		c.deltas[inbox] += c.conf.Bonus
	}
	for _, inbox := range bad {
		c.deltas[inbox] -= c.conf.Penalty
	}

	c.metrics.Outcomes.WithLabelValues("good").Add(float64(len(good)))
	c.metrics.Outcomes.WithLabelValues("bad").Add(float64(len(bad)))
	c.metrics.PendingInboxes.Set(float64(len(c.deltas)))
}

// RecordServerOutcome marks a server good or bad until the next drain.
func (c *Cache) RecordServerOutcome(serverId uuid.UUID, good bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if good {
		c.goodServers[serverId] = struct{}{}
		c.metrics.ServerOutcomes.WithLabelValues("good").Inc()
		return
	}
	c.badServers[serverId] = struct{}{}
	c.metrics.ServerOutcomes.WithLabelValues("bad").Inc()
}

// Pending returns the buffered delta of inbox.
func (c *Cache) Pending(inbox string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deltas[inbox]
}

// IsBadServer reports whether serverId is flagged bad for the current window.
func (c *Cache) IsBadServer(serverId uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, bad := c.badServers[serverId]
	return bad
}

type snapshot struct {
	deltas      map[string]int
	goodServers []uuid.UUID
	badServers  []uuid.UUID
}

func (c *Cache) takeSnapshot() snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := snapshot{deltas: c.deltas}
	for id := range c.goodServers {
		s.goodServers = append(s.goodServers, id)
	}
	for id := range c.badServers {
		s.badServers = append(s.badServers, id)
	}

	c.deltas = map[string]int{}
	c.goodServers = map[uuid.UUID]struct{}{}
	c.badServers = map[uuid.UUID]struct{}{}
	c.metrics.PendingInboxes.Set(0)
	return s
}

// restore puts back deltas a failed drain could not apply.
func (c *Cache) restore(deltas map[string]int) {
	if len(deltas) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for inbox, d := range deltas {
		c.deltas[inbox] += d
	}
	c.metrics.PendingInboxes.Set(float64(len(c.deltas)))
}

func (c *Cache) flagBad(serverId uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.badServers[serverId] = struct{}{}
}

type pendingScore struct {
	score    int
	delta    int
	serverId *uuid.UUID
}

// DrainAndApply takes and clears the buffers, then writes every follow
// touched by them with its score clamped to [0, Max]. A follow whose score
// lands on the floor flags its server bad for the next window. Calling it
// with empty buffers writes nothing.
func (c *Cache) DrainAndApply(ctx context.Context) (*DrainResult, error) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	s := c.takeSnapshot()
	c.metrics.Drains.Inc()

	result := &DrainResult{Scores: map[uuid.UUID]int{}}
	if len(s.deltas) == 0 && len(s.goodServers) == 0 && len(s.badServers) == 0 {
		return result, nil
	}

	pending := map[uuid.UUID]*pendingScore{}
	add := func(fs domain.FollowScore, delta int) {
		p, ok := pending[fs.FollowId]
		if !ok {
			p = &pendingScore{score: fs.Score, serverId: fs.ServerId}
			pending[fs.FollowId] = p
		}
		p.delta += delta
	}

	var errs error
	unapplied := map[string]int{}

	for inbox, delta := range s.deltas {
		if delta == 0 {
			continue
		}
		follows, err := c.store.ListFollowsByFollowerInbox(ctx, inbox)
		if err != nil {
			unapplied[inbox] = delta
			errs = multierr.Append(errs, fmt.Errorf("list follows of inbox %s: %w", inbox, err))
			continue
		}
		for _, fs := range follows {
			add(fs, delta)
		}
	}

	for _, servers := range []struct {
		ids   []uuid.UUID
		delta int
	}{{s.goodServers, c.conf.Bonus}, {s.badServers, -c.conf.Penalty}} {
		if len(servers.ids) == 0 {
			continue
		}
		follows, err := c.store.ListFollowsByTargetServers(ctx, servers.ids)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("list follows of servers: %w", err))
			continue
		}
		for _, fs := range follows {
			add(fs, servers.delta)
		}
	}

	c.restore(unapplied)

	badSeen := map[uuid.UUID]bool{}
	for id, p := range pending {
		score := Clamp(p.score+p.delta, domain.ScoreFloor, c.conf.Max)
		if score != p.score {
			if err := c.store.UpdateFollowScore(ctx, id, score); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("update score of follow %s: %w", id, err))
				continue
			}
			result.Scores[id] = score
			c.metrics.FollowsScored.Inc()
		}

		if score <= domain.ScoreFloor && p.serverId != nil && !badSeen[*p.serverId] {
			badSeen[*p.serverId] = true
			result.BadServers = append(result.BadServers, *p.serverId)
			c.flagBad(*p.serverId)
			c.metrics.BadServers.Inc()
		}
	}
	sort.Slice(result.BadServers, func(i, j int) bool {
		return result.BadServers[i].String() < result.BadServers[j].String()
	})

	if c.conf.PruneAtFloor {
		pruned, err := c.store.RemoveBadFollows(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove bad follows: %w", err))
		} else {
			result.Pruned = pruned
			c.metrics.FollowsPruned.Add(float64(pruned))
		}
	}

	if errs != nil {
		c.metrics.DrainFailures.Inc()
	}
	return result, errs
}

// Run drains the buffers every interval until ctx is done. Errors are
// logged; the next tick tries again.
func (c *Cache) Run(ctx context.Context) {
	interval := c.conf.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Reputation scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := c.DrainAndApply(ctx)
			if err != nil {
				c.logger.Error("Failed to apply follow scores", zap.Error(err))
			}
			if len(result.Scores) > 0 || result.Pruned > 0 {
				c.logger.Info("Applied follow scores",
					zap.Int("updated", len(result.Scores)),
					zap.Int("badServers", len(result.BadServers)),
					zap.Int64("pruned", result.Pruned))
			}
		}
	}
}

// Clamp bounds v to [min, max].
func Clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
