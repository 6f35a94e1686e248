package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

const busyRetries = 3

// Open opens the SQLite database at path. Writers take the lock when their
// transaction begins and wait up to five seconds for it.
func Open(path string, logger *zap.Logger) (*DB, error) {
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	return &DB{db: sqlDB, logger: util.OrNop(logger)}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = db.runTransaction(ctx, f)
		if !isBusy(err) {
			return err
		}
		db.logger.Debug("Database busy, retrying transaction", zap.Int("attempt", attempt+1))
	}
	return err
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlitelib.SQLITE_BUSY
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Actor queries
const (
	sqlActorColumns = `id, type, url, preferred_username, public_key_pem, private_key_pem, inbox_url, outbox_url,
		shared_inbox_url, followers_url, following_url, server_id, last_fetched_at, created_at`

	sqlInsertActor = `INSERT INTO actors(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpsertRemoteActor = sqlInsertActor + ` ON CONFLICT(url) DO UPDATE SET
		type = excluded.type,
		preferred_username = excluded.preferred_username,
		public_key_pem = excluded.public_key_pem,
		inbox_url = excluded.inbox_url,
		outbox_url = excluded.outbox_url,
		shared_inbox_url = excluded.shared_inbox_url,
		followers_url = excluded.followers_url,
		following_url = excluded.following_url,
		server_id = excluded.server_id,
		last_fetched_at = excluded.last_fetched_at
		WHERE actors.server_id IS NOT NULL`

	sqlSelectActorById            = `SELECT ` + sqlActorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByUrl           = `SELECT ` + sqlActorColumns + ` FROM actors WHERE url = ?`
	sqlSelectLocalActorByUsername = `SELECT ` + sqlActorColumns + ` FROM actors WHERE preferred_username = ? AND server_id IS NULL`

	sqlInsertServer       = `INSERT INTO servers(id, host, created_at) VALUES (?, ?, ?) ON CONFLICT(host) DO NOTHING`
	sqlSelectServerByHost = `SELECT id, host, created_at FROM servers WHERE host = ?`
)

func scanActor(s scanner) (*domain.Actor, error) {
	var a domain.Actor
	var idStr, actorType string
	var privateKey, outbox, sharedInbox, followers, following, serverId sql.NullString
	var lastFetched, created int64

	err := s.Scan(&idStr, &actorType, &a.URL, &a.PreferredUsername, &a.PublicKey, &privateKey, &a.InboxURL,
		&outbox, &sharedInbox, &followers, &following, &serverId, &lastFetched, &created)
	if err != nil {
		return nil, notFound(err)
	}

	a.Id, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	a.Type = domain.ActorType(actorType)
	a.PrivateKey = privateKey.String
	a.OutboxURL = outbox.String
	a.SharedInboxURL = sharedInbox.String
	a.FollowersURL = followers.String
	a.FollowingURL = following.String
	a.LastFetchedAt = fromMillis(lastFetched)
	a.CreatedAt = fromMillis(created)

	if serverId.Valid {
		sid, err := uuid.Parse(serverId.String)
		if err != nil {
			return nil, err
		}
		a.ServerId = &sid
	}
	return &a, nil
}

func actorArgs(a *domain.Actor) []any {
	var serverId sql.NullString
	if a.ServerId != nil {
		serverId = nullString(a.ServerId.String())
	}
	return []any{
		a.Id.String(), string(a.Type), a.URL, a.PreferredUsername, a.PublicKey, nullString(a.PrivateKey), a.InboxURL,
		nullString(a.OutboxURL), nullString(a.SharedInboxURL), nullString(a.FollowersURL), nullString(a.FollowingURL),
		serverId, millis(a.LastFetchedAt), millis(a.CreatedAt),
	}
}

// CreateLocalActor stores an identity owned by this instance.
func (db *DB) CreateLocalActor(ctx context.Context, a *domain.Actor) error {
	if a.ServerId != nil {
		return fmt.Errorf("actor %s is not local", a.URL)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActor, actorArgs(a)...)
		return err
	})
}

// UpsertRemoteActor stores or refreshes a remote actor, registering its
// server by host. A URL owned by a local actor is never overwritten.
func (db *DB) UpsertRemoteActor(ctx context.Context, a *domain.Actor, host string) (*domain.Actor, error) {
	var stored *domain.Actor
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertServer, uuid.New().String(), host, millis(time.Now()))
		if err != nil {
			return err
		}

		var serverIdStr, serverHost string
		var serverCreated int64
		if err := tx.QueryRowContext(ctx, sqlSelectServerByHost, host).Scan(&serverIdStr, &serverHost, &serverCreated); err != nil {
			return err
		}
		serverId, err := uuid.Parse(serverIdStr)
		if err != nil {
			return err
		}

		row := *a
		if row.Id == uuid.Nil {
			row.Id = uuid.New()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now()
		}
		row.PrivateKey = ""
		row.ServerId = &serverId

		if _, err := tx.ExecContext(ctx, sqlUpsertRemoteActor, actorArgs(&row)...); err != nil {
			return err
		}

		stored, err = scanActor(tx.QueryRowContext(ctx, sqlSelectActorByUrl, a.URL))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (db *DB) LoadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorById, id.String()))
}

func (db *DB) LoadActorByUrl(ctx context.Context, url string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByUrl, url))
}

func (db *DB) LoadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByUsername, username))
}

func (db *DB) LoadServerByHost(ctx context.Context, host string) (*domain.Server, error) {
	var s domain.Server
	var idStr string
	var created int64
	err := db.db.QueryRowContext(ctx, sqlSelectServerByHost, host).Scan(&idStr, &s.Host, &created)
	if err != nil {
		return nil, notFound(err)
	}
	s.Id, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(created)
	return &s, nil
}

// Follow queries
const (
	sqlFollowColumns = `f.id, f.follower_actor_id, f.target_actor_id, f.uri, f.state, f.score, f.created_at, f.updated_at`

	sqlInsertFollow = `INSERT INTO follows(id, follower_actor_id, target_actor_id, uri, state, score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFollowByActors = `SELECT ` + sqlFollowColumns + ` FROM follows f WHERE f.follower_actor_id = ? AND f.target_actor_id = ?`
	sqlSelectFollowByURI    = `SELECT ` + sqlFollowColumns + ` FROM follows f WHERE f.uri = ?`
	sqlUpdateFollowState    = `UPDATE follows SET state = ?, updated_at = ? WHERE id = ?`
	sqlUpdateFollowScore    = `UPDATE follows SET score = ?, updated_at = ? WHERE id = ?`
	sqlDeleteFollow         = `DELETE FROM follows WHERE id = ?`
	sqlDeleteBadFollows     = `DELETE FROM follows WHERE score <= ?`

	sqlSelectFollowsByFollowerInbox = `SELECT f.id, f.score, a.server_id FROM follows f
		INNER JOIN actors a ON a.id = f.follower_actor_id
		WHERE a.inbox_url = ? OR a.shared_inbox_url = ?`

	// follows from local actors to remote actors on the given servers
	sqlSelectFollowsByTargetServers = `SELECT f.id, f.score, t.server_id FROM follows f
		INNER JOIN actors t ON t.id = f.target_actor_id
		INNER JOIN actors fo ON fo.id = f.follower_actor_id
		WHERE fo.server_id IS NULL AND t.server_id IN (%s)`

	sqlSelectFollowerDeliveries = `SELECT ` + sqlFollowColumns + `,
		COALESCE(NULLIF(a.shared_inbox_url, ''), a.inbox_url) FROM follows f
		INNER JOIN actors a ON a.id = f.follower_actor_id
		WHERE f.target_actor_id = ?
		ORDER BY f.created_at`
)

func scanFollow(s scanner, extra ...any) (*domain.Follow, error) {
	var f domain.Follow
	var idStr, followerStr, targetStr, state string
	var uri sql.NullString
	var created, updated int64

	dest := append([]any{&idStr, &followerStr, &targetStr, &uri, &state, &f.Score, &created, &updated}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, notFound(err)
	}

	var err error
	if f.Id, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if f.FollowerActorId, err = uuid.Parse(followerStr); err != nil {
		return nil, err
	}
	if f.TargetActorId, err = uuid.Parse(targetStr); err != nil {
		return nil, err
	}
	f.URI = uri.String
	f.State = domain.FollowState(state)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

func (db *DB) CreateFollow(ctx context.Context, f *domain.Follow) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertFollow,
			f.Id.String(),
			f.FollowerActorId.String(),
			f.TargetActorId.String(),
			nullString(f.URI),
			string(f.State),
			f.Score,
			millis(f.CreatedAt),
			millis(f.UpdatedAt),
		)
		return err
	})
}

func (db *DB) LoadFollow(ctx context.Context, followerId, targetId uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByActors, followerId.String(), targetId.String()))
}

func (db *DB) LoadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
}

func (db *DB) UpdateFollowState(ctx context.Context, id uuid.UUID, state domain.FollowState) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateFollowState, string(state), millis(time.Now()), id.String())
		if err != nil {
			return err
		}
		return expectRow(res)
	})
}

func (db *DB) UpdateFollowScore(ctx context.Context, id uuid.UUID, score int) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateFollowScore, score, millis(time.Now()), id.String())
		if err != nil {
			return err
		}
		return expectRow(res)
	})
}

func (db *DB) DeleteFollow(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollow, id.String())
		if err != nil {
			return err
		}
		return expectRow(res)
	})
}

// RemoveBadFollows deletes every follow whose score fell to the floor.
func (db *DB) RemoveBadFollows(ctx context.Context) (int64, error) {
	var removed int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteBadFollows, domain.ScoreFloor)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// ListFollowsByFollowerInbox returns the follows whose follower receives
// deliveries on inbox, directly or through its shared inbox.
func (db *DB) ListFollowsByFollowerInbox(ctx context.Context, inbox string) ([]domain.FollowScore, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowsByFollowerInbox, inbox, inbox)
	if err != nil {
		return nil, err
	}
	return scanFollowScores(rows)
}

// ListFollowsByTargetServers returns local actors' follows of actors hosted
// on the given servers.
func (db *DB) ListFollowsByTargetServers(ctx context.Context, serverIds []uuid.UUID) ([]domain.FollowScore, error) {
	if len(serverIds) == 0 {
		return nil, nil
	}

	args := make([]any, len(serverIds))
	for i, id := range serverIds {
		args[i] = id.String()
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(serverIds)), ",")

	rows, err := db.db.QueryContext(ctx, fmt.Sprintf(sqlSelectFollowsByTargetServers, placeholders), args...)
	if err != nil {
		return nil, err
	}
	return scanFollowScores(rows)
}

func scanFollowScores(rows *sql.Rows) ([]domain.FollowScore, error) {
	defer rows.Close()

	var scores []domain.FollowScore
	for rows.Next() {
		var fs domain.FollowScore
		var idStr string
		var serverId sql.NullString
		if err := rows.Scan(&idStr, &fs.Score, &serverId); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		fs.FollowId = id
		if serverId.Valid {
			sid, err := uuid.Parse(serverId.String)
			if err != nil {
				return nil, err
			}
			fs.ServerId = &sid
		}
		scores = append(scores, fs)
	}
	return scores, rows.Err()
}

// ListFollowerDeliveries returns every follow of targetId, pending ones
// included, with the inbox each follower receives broadcasts on.
func (db *DB) ListFollowerDeliveries(ctx context.Context, targetId uuid.UUID) ([]domain.FollowerDelivery, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerDeliveries, targetId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []domain.FollowerDelivery
	for rows.Next() {
		var inbox string
		f, err := scanFollow(rows, &inbox)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, domain.FollowerDelivery{Follow: *f, Inbox: inbox})
	}
	return deliveries, rows.Err()
}

// Delivery job queries
const (
	sqlJobColumns = `id, type, state, payload, targets, attempts, max_attempts, ttl_ms, created_at, next_attempt_at, last_error`

	sqlInsertJob     = `INSERT INTO delivery_jobs(` + sqlJobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectJobById = `SELECT ` + sqlJobColumns + ` FROM delivery_jobs WHERE id = ?`
	// A due job waits while an older unexpired job that shares a target has
	// not finished, unless that job is due itself and of the same type.
	sqlSelectReadyJob = `SELECT ` + sqlJobColumns + ` FROM delivery_jobs j
		WHERE j.type = ? AND j.state = 'enqueued' AND j.next_attempt_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM delivery_jobs w, json_each(w.targets) wt, json_each(j.targets) jt
			WHERE wt.value = jt.value
			AND w.state IN ('enqueued', 'active')
			AND (w.created_at < j.created_at OR (w.created_at = j.created_at AND w.rowid < j.rowid))
			AND (w.state = 'active' OR w.next_attempt_at > ? OR w.type <> j.type)
			AND (w.ttl_ms = 0 OR w.created_at + w.ttl_ms > ?))
		ORDER BY j.created_at, j.rowid
		LIMIT ?`
	sqlClaimJob = `UPDATE delivery_jobs SET state = 'active', attempts = attempts + 1
		WHERE id = ? AND state = 'enqueued'`
	sqlUpdateJob = `UPDATE delivery_jobs SET state = ?, targets = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`
	sqlResetActiveJobs  = `UPDATE delivery_jobs SET state = 'enqueued' WHERE state = 'active'`
	sqlCountJobsByState = `SELECT COUNT(*) FROM delivery_jobs WHERE type = ? AND state = ?`
	sqlPurgeJobs        = `DELETE FROM delivery_jobs WHERE state IN ('completed', 'failed') AND created_at < ?`
)

func scanJob(s scanner) (*domain.DeliveryJob, error) {
	var j domain.DeliveryJob
	var idStr, jobType, state, payload, targets string
	var lastError sql.NullString
	var ttl, created, next int64

	err := s.Scan(&idStr, &jobType, &state, &payload, &targets, &j.Attempts, &j.MaxAttempts, &ttl, &created, &next, &lastError)
	if err != nil {
		return nil, notFound(err)
	}

	if j.Id, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("job %s: bad payload: %w", idStr, err)
	}
	if err := json.Unmarshal([]byte(targets), &j.Targets); err != nil {
		return nil, fmt.Errorf("job %s: bad targets: %w", idStr, err)
	}
	j.Type = domain.JobType(jobType)
	j.State = domain.JobState(state)
	j.TTL = time.Duration(ttl) * time.Millisecond
	j.CreatedAt = fromMillis(created)
	j.NextAttemptAt = fromMillis(next)
	j.LastError = lastError.String
	return &j, nil
}

func (db *DB) InsertJob(ctx context.Context, j *domain.DeliveryJob) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return err
	}
	targets, err := json.Marshal(j.Targets)
	if err != nil {
		return err
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertJob,
			j.Id.String(),
			string(j.Type),
			string(j.State),
			string(payload),
			string(targets),
			j.Attempts,
			j.MaxAttempts,
			j.TTL.Milliseconds(),
			millis(j.CreatedAt),
			millis(j.NextAttemptAt),
			nullString(j.LastError),
		)
		return err
	})
}

func (db *DB) LoadJob(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	return scanJob(db.db.QueryRowContext(ctx, sqlSelectJobById, id.String()))
}

// ListReadyJobs returns enqueued jobs of jobType due at now, oldest first.
// Jobs queued behind an older unfinished job for the same target are left
// out until that job is done.
func (db *DB) ListReadyJobs(ctx context.Context, jobType domain.JobType, now time.Time, limit int) ([]*domain.DeliveryJob, error) {
	at := millis(now)
	rows, err := db.db.QueryContext(ctx, sqlSelectReadyJob, string(jobType), at, at, at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimJob marks an enqueued job active and counts the attempt. It reports
// false when the job was no longer enqueued.
func (db *DB) ClaimJob(ctx context.Context, id uuid.UUID) (bool, error) {
	claimed := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlClaimJob, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

func (db *DB) UpdateJob(ctx context.Context, j *domain.DeliveryJob) error {
	targets, err := json.Marshal(j.Targets)
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateJob,
			string(j.State),
			string(targets),
			j.Attempts,
			millis(j.NextAttemptAt),
			nullString(j.LastError),
			j.Id.String(),
		)
		if err != nil {
			return err
		}
		return expectRow(res)
	})
}

// ResetActiveJobs re-enqueues jobs left active by a previous process.
func (db *DB) ResetActiveJobs(ctx context.Context) (int64, error) {
	var reset int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlResetActiveJobs)
		if err != nil {
			return err
		}
		reset, err = res.RowsAffected()
		return err
	})
	return reset, err
}

func (db *DB) CountJobs(ctx context.Context, jobType domain.JobType, state domain.JobState) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountJobsByState, string(jobType), string(state)).Scan(&n)
	return n, err
}

// PurgeJobs deletes finished jobs created before cutoff.
func (db *DB) PurgeJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPurgeJobs, millis(cutoff))
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}
