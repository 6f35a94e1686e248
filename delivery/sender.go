package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Chocobozzz/PeerTube-sub005/activitypub"
	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/follow"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ActorStore interface {
	LoadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error)
	ListFollowerDeliveries(ctx context.Context, targetId uuid.UUID) ([]domain.FollowerDelivery, error)
}

// Outcomes receives the result of every inbox delivery.
type Outcomes interface {
	RecordOutcome(good, bad []string)
}

type ActorFetcher interface {
	GetOrFetch(ctx context.Context, actorURL string) (*domain.Actor, error)
	Refresh(ctx context.Context, actorURL string) (*domain.Actor, error)
}

type Sender struct {
	queue       *Queue
	store       ActorStore
	transport   *Transport
	documents   *activitypub.DocumentSignatureCodec
	follows     *follow.Machine
	actors      ActorFetcher
	outcomes    Outcomes
	concurrency int
	logger      *zap.Logger
}

type SenderConfig struct {
	Transport *Transport
	// Documents signs outgoing activities with a linked-data signature when set.
	Documents *activitypub.DocumentSignatureCodec
	Follows   *follow.Machine
	Actors    ActorFetcher
	Outcomes  Outcomes
	// BroadcastConcurrency bounds the parallel requests of one broadcast.
	BroadcastConcurrency int
}

// NewSender wires the job handlers into queue.
func NewSender(queue *Queue, store ActorStore, conf SenderConfig, logger *zap.Logger) *Sender {
	s := &Sender{
		queue:       queue,
		store:       store,
		transport:   conf.Transport,
		documents:   conf.Documents,
		follows:     conf.Follows,
		actors:      conf.Actors,
		outcomes:    conf.Outcomes,
		concurrency: conf.BroadcastConcurrency,
		logger:      util.OrNop(logger),
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}

	queue.Register(domain.JobUnicast, HandlerFunc(s.handleUnicast))
	queue.Register(domain.JobBroadcast, HandlerFunc(s.handleBroadcast))
	queue.Register(domain.JobFollow, HandlerFunc(s.handleFollow))
	queue.Register(domain.JobFetch, HandlerFunc(s.handleFetch))
	queue.Register(domain.JobRefresh, HandlerFunc(s.handleRefresh))
	return s
}

// Broadcast sends activity to the inboxes of every accepted follower of
// actor, once per shared inbox. It returns nil when nobody is to be reached.
func (s *Sender) Broadcast(ctx context.Context, actor *domain.Actor, activity map[string]interface{}) (*domain.DeliveryJob, error) {
	inboxes, err := s.FollowerInboxes(ctx, actor)
	if err != nil {
		return nil, err
	}
	if len(inboxes) == 0 {
		s.logger.Debug("Broadcast has no recipients", zap.String("actor", actor.URL))
		return nil, nil
	}

	payload, err := s.payload(ctx, actor, activity)
	if err != nil {
		return nil, err
	}
	return s.queue.Enqueue(ctx, domain.JobBroadcast, payload, inboxes)
}

// FollowerInboxes lists the deduplicated inboxes of the followers eligible
// for broadcasts, in follow order.
func (s *Sender) FollowerInboxes(ctx context.Context, actor *domain.Actor) ([]string, error) {
	deliveries, err := s.store.ListFollowerDeliveries(ctx, actor.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers of %s: %w", actor.URL, err)
	}

	seen := map[string]bool{}
	var inboxes []string
	for _, d := range deliveries {
		if !follow.Eligible(&d.Follow, follow.Broadcast) || seen[d.Inbox] {
			continue
		}
		seen[d.Inbox] = true
		inboxes = append(inboxes, d.Inbox)
	}
	return inboxes, nil
}

// Unicast sends activity to a single inbox.
func (s *Sender) Unicast(ctx context.Context, actor *domain.Actor, inbox string, activity map[string]interface{}) (*domain.DeliveryJob, error) {
	payload, err := s.payload(ctx, actor, activity)
	if err != nil {
		return nil, err
	}
	return s.queue.Enqueue(ctx, domain.JobUnicast, payload, []string{inbox})
}

// SendAccept answers a Follow of local by remote.
func (s *Sender) SendAccept(ctx context.Context, local, remote *domain.Actor, followActivity map[string]interface{}) error {
	_, err := s.Unicast(ctx, local, remote.InboxURL, activitypub.NewAccept(local, followActivity))
	return err
}

// Follow makes local follow the actor at targetURL. The target is resolved
// and the pending follow recorded by the job, which then sends the Follow.
func (s *Sender) Follow(ctx context.Context, local *domain.Actor, targetURL string) (*domain.DeliveryJob, error) {
	id := local.Id
	payload := domain.JobPayload{
		SigningActorId: &id,
		FollowURI:      activitypub.NewActivityID(local, "Follow"),
	}
	return s.queue.Enqueue(ctx, domain.JobFollow, payload, []string{targetURL})
}

// Unfollow removes the follow of target by local and sends the Undo.
func (s *Sender) Unfollow(ctx context.Context, local, target *domain.Actor) error {
	f, err := s.follows.Find(ctx, local.Id, target.Id)
	if err != nil {
		return err
	}
	if err := s.follows.RemoveFollow(ctx, f); err != nil {
		return err
	}

	followActivity := activitypub.NewFollow(local, target.URL, f.URI)
	_, err = s.Unicast(ctx, local, target.InboxURL, activitypub.NewUndo(local, followActivity))
	return err
}

// FetchActors resolves remote actors in the background.
func (s *Sender) FetchActors(ctx context.Context, actorURLs []string) (*domain.DeliveryJob, error) {
	return s.queue.Enqueue(ctx, domain.JobFetch, domain.JobPayload{}, actorURLs)
}

// RefreshActors refetches remote actors in the background.
func (s *Sender) RefreshActors(ctx context.Context, actorURLs []string) (*domain.DeliveryJob, error) {
	return s.queue.Enqueue(ctx, domain.JobRefresh, domain.JobPayload{}, actorURLs)
}

func (s *Sender) payload(ctx context.Context, actor *domain.Actor, activity map[string]interface{}) (domain.JobPayload, error) {
	if s.documents != nil {
		signed, err := s.documents.Sign(ctx, activity, actor)
		if err != nil {
			return domain.JobPayload{}, fmt.Errorf("failed to sign activity: %w", err)
		}
		activity = signed
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return domain.JobPayload{}, fmt.Errorf("failed to marshal activity: %w", err)
	}

	id := actor.Id
	return domain.JobPayload{Body: body, SigningActorId: &id}, nil
}

func (s *Sender) signer(ctx context.Context, job *domain.DeliveryJob) (*domain.Actor, error) {
	if job.Payload.SigningActorId == nil {
		return nil, Permanent(errors.New("job has no signing actor"))
	}
	actor, err := s.store.LoadActorById(ctx, *job.Payload.SigningActorId)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, Permanent(fmt.Errorf("signing actor %s is gone", job.Payload.SigningActorId))
	}
	if err != nil {
		return nil, err
	}
	if !actor.IsLocal() {
		return nil, Permanent(fmt.Errorf("signing actor %s is not local", actor.URL))
	}
	return actor, nil
}

func (s *Sender) post(ctx context.Context, inbox string, body []byte, signer *domain.Actor) error {
	err := s.transport.Post(ctx, inbox, body, signer)
	s.queue.metrics.Requests.WithLabelValues(requestResult(err)).Inc()
	return err
}

func (s *Sender) handleUnicast(ctx context.Context, job *domain.DeliveryJob) error {
	signer, err := s.signer(ctx, job)
	if err != nil {
		return err
	}

	inbox := job.Targets[0]
	err = s.post(ctx, inbox, job.Payload.Body, signer)
	if isPermanent(err) {
		return err
	}
	if err != nil {
		s.outcomes.RecordOutcome(nil, []string{inbox})
		return err
	}
	s.outcomes.RecordOutcome([]string{inbox}, nil)
	return nil
}

// handleBroadcast posts to every remaining target in parallel. Targets that
// failed are kept on the job for the next attempt.
func (s *Sender) handleBroadcast(ctx context.Context, job *domain.DeliveryJob) error {
	signer, err := s.signer(ctx, job)
	if err != nil {
		return err
	}

	var (
		mu        sync.Mutex
		good, bad []string
		errs      error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, inbox := range job.Targets {
		g.Go(func() error {
			err := s.post(gctx, inbox, job.Payload.Body, signer)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				good = append(good, inbox)
			case isPermanent(err):
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", inbox, err))
			default:
				bad = append(bad, inbox)
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", inbox, err))
			}
			// one unreachable inbox must not cancel the others
			return nil
		})
	}
	_ = g.Wait()

	s.outcomes.RecordOutcome(good, bad)
	if errs == nil {
		return nil
	}

	s.logger.Info("Broadcast partially failed",
		zap.Stringer("job", job.Id), zap.Int("delivered", len(good)), zap.Int("failed", len(bad)))
	if len(bad) == 0 {
		return Permanent(errs)
	}
	job.Targets = s.ordered(job.Targets, bad)
	return errs
}

// ordered returns the members of subset in the order of all.
func (s *Sender) ordered(all, subset []string) []string {
	keep := map[string]bool{}
	for _, t := range subset {
		keep[t] = true
	}
	out := make([]string, 0, len(subset))
	for _, t := range all {
		if keep[t] {
			out = append(out, t)
		}
	}
	return out
}

// handleFollow resolves the target, records the pending follow and queues
// the Follow activity to the target's inbox.
func (s *Sender) handleFollow(ctx context.Context, job *domain.DeliveryJob) error {
	local, err := s.signer(ctx, job)
	if err != nil {
		return err
	}

	target, err := s.actors.GetOrFetch(ctx, job.Targets[0])
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", job.Targets[0], err)
	}
	if target.Id == local.Id {
		return Permanent(fmt.Errorf("%s cannot follow itself", local.URL))
	}

	f, err := s.follows.Request(ctx, local.Id, target.Id, job.Payload.FollowURI)
	if err != nil {
		return err
	}
	if f.State == domain.FollowAccepted {
		return nil
	}

	followActivity := activitypub.NewFollow(local, target.URL, f.URI)
	_, err = s.Unicast(ctx, local, target.InboxURL, followActivity)
	return err
}

func (s *Sender) handleFetch(ctx context.Context, job *domain.DeliveryJob) error {
	return s.eachActor(job, func(u string) error {
		_, err := s.actors.GetOrFetch(ctx, u)
		return err
	})
}

func (s *Sender) handleRefresh(ctx context.Context, job *domain.DeliveryJob) error {
	return s.eachActor(job, func(u string) error {
		_, err := s.actors.Refresh(ctx, u)
		return err
	})
}

// eachActor applies f to every target, keeping the failed ones on the job.
func (s *Sender) eachActor(job *domain.DeliveryJob, f func(actorURL string) error) error {
	var errs error
	var failed []string
	for _, u := range job.Targets {
		if err := f(u); err != nil {
			failed = append(failed, u)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", u, err))
		}
	}
	if errs != nil {
		job.Targets = failed
	}
	return errs
}
