// Package leaselock hands out expiring, renewable locks kept in a
// PostgreSQL table. The ingestion worker takes one lease per source id so
// two consumers never write the same document into the graph at once.
//
// A lease that is not renewed expires after its TTL, so a crashed holder
// never blocks a source for longer than that.
package leaselock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
)

var (
	// ErrBusy is returned when another holder owns an unexpired lease.
	ErrBusy = errors.New("leaselock: source is locked by another worker")
	// ErrLost cancels the lease context when a renewal finds the row gone
	// or taken over.
	ErrLost = errors.New("leaselock: lease lost")
)

const (
	DefaultTTL = 2 * time.Minute

	renewAttempts = 3
	renewTimeout  = 10 * time.Second
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Options struct {
	// TTL is how long a lease survives without renewal.
	TTL time.Duration
	// RenewEvery defaults to half the TTL.
	RenewEvery time.Duration
	// Owner prefixes every token, e.g. the worker host name.
	Owner string
}

// Locker acquires source leases on one connection pool.
type Locker struct {
	db         dbConn
	ttl        time.Duration
	renewEvery time.Duration
	owner      string
	newToken   func() (string, error)
}

func New(db dbConn, opts Options) *Locker {
	ttl := opts.TTL
	if ttl < time.Second {
		ttl = DefaultTTL
	}
	renew := opts.RenewEvery
	if renew <= 0 || renew >= ttl {
		renew = max(ttl/2, 500*time.Millisecond)
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner != "" {
		owner += "-"
	}
	return &Locker{
		db:         db,
		ttl:        ttl,
		renewEvery: renew,
		owner:      owner,
		newToken:   func() (string, error) { return gonanoid.New() },
	}
}

func (l *Locker) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leaselock: create table: %w", err)
	}
	return nil
}

// WithLease runs fn while holding the lease on key. fn receives a context
// that is cancelled with ErrLost if the lease cannot be renewed. The lease
// is released when fn returns, even if ctx is already done.
func (l *Locker) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renewTimeout)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}()

	if err := fn(lease.Context); err != nil {
		if cause := context.Cause(lease.Context); errors.Is(cause, ErrLost) {
			return fmt.Errorf("%w: %w", ErrLost, err)
		}
		return err
	}
	return nil
}

// Lease is a held lock. Context is done once the lease is released or lost.
type Lease struct {
	Key     string
	Token   string
	Context context.Context

	locker *Locker
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

// Acquire takes the lease on key or returns ErrBusy without waiting. An
// expired lease held by someone else is taken over.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	if key == "" {
		return nil, errors.New("leaselock: empty key")
	}
	id, err := l.newToken()
	if err != nil {
		return nil, fmt.Errorf("leaselock: token: %w", err)
	}
	token := l.owner + id

	var got string
	err = l.db.QueryRow(ctx, acquireSQL, key, token, l.ttl.Milliseconds()).Scan(&got)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrBusy
	case err != nil:
		return nil, fmt.Errorf("leaselock: acquire %s: %w", key, err)
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	lease := &Lease{
		Key:     key,
		Token:   token,
		Context: leaseCtx,
		locker:  l,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, nil
}

// Release stops renewal and deletes the row if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	le.once.Do(func() {
		close(le.done)
		le.cancel(context.Canceled)
	})
	if _, err := le.locker.db.Exec(ctx, releaseSQL, le.Key, le.Token); err != nil {
		return fmt.Errorf("leaselock: release %s: %w", le.Key, err)
	}
	return nil
}

func (le *Lease) keepAlive() {
	t := time.NewTicker(le.locker.renewEvery)
	defer t.Stop()
	for {
		select {
		case <-le.done:
			return
		case <-le.Context.Done():
			return
		case <-t.C:
			if err := le.renew(); err != nil {
				le.cancel(err)
				return
			}
		}
	}
}

func (le *Lease) renew() error {
	ttlMs := le.locker.ttl.Milliseconds()
	err := util.RetryErrWithContext(le.Context, renewAttempts, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, renewTimeout)
		defer cancel()
		var got string
		err := le.locker.db.QueryRow(rctx, renewSQL, le.Key, le.Token, ttlMs).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			return util.Permanent(ErrLost)
		}
		return err
	})
	if errors.Is(err, ErrLost) {
		return ErrLost
	}
	return err
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS ingest_leases (
	lease_key  TEXT PRIMARY KEY,
	holder     TEXT        NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

const acquireSQL = `
INSERT INTO ingest_leases (lease_key, holder, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lease_key) DO UPDATE
SET holder     = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at
WHERE ingest_leases.expires_at < now()
RETURNING lease_key`

const renewSQL = `
UPDATE ingest_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lease_key = $1 AND holder = $2
RETURNING lease_key`

const releaseSQL = `DELETE FROM ingest_leases WHERE lease_key = $1 AND holder = $2`
