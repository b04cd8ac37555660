package domain

import (
	"context"
	"time"
)

// UnitOfWork is an explicit handle on one open transaction against the
// relational store adapter. Unlike a framework-driven implicit
// transaction scope, every operation that needs to participate in the
// same atomic commit takes a UnitOfWork explicitly; nothing is inferred
// from call-stack position.
type UnitOfWork interface {
	// Commit makes every write issued through this UoW visible atomically.
	Commit(ctx context.Context) error
	// Rollback discards every write issued through this UoW. Safe to call
	// after Commit has already succeeded (becomes a no-op).
	Rollback(ctx context.Context) error
}

// Store is the relational store adapter. Every method either opens
// its own unit of work (Begin, ClaimPendingOutbox, FindByDeduplicationToken,
// GetAccount) or participates in one passed explicitly by the caller.
type Store interface {
	// Begin acquires a connection and opens a transaction at READ COMMITTED
	// isolation.
	Begin(ctx context.Context) (UnitOfWork, error)

	// LockAccount issues a blocking write lock on the account row
	// (SELECT ... FOR UPDATE equivalent) and returns the snapshot taken
	// after the lock is acquired. Blocks until any other holder commits
	// or rolls back. Returns ErrNotFound if the row does not exist.
	LockAccount(ctx context.Context, uow UnitOfWork, id AccountID) (Account, error)

	// SaveAccount persists balance and version. Fails with ErrStaleVersion
	// if the stored version does not match the version the caller last
	// observed — a belt-and-braces check; LockAccount's pessimistic lock is
	// the primary correctness guard.
	SaveAccount(ctx context.Context, uow UnitOfWork, account Account) error

	// InsertTransactionWithPostings appends the Transaction header and its
	// two Postings in one statement group. Fails with ErrAlreadyExists
	// (wrapping *AlreadyExistsError where the existing id is known) if the
	// deduplication token collides with the authoritative unique
	// constraint.
	InsertTransactionWithPostings(ctx context.Context, uow UnitOfWork, tx Transaction, postings []Posting) error

	// InsertOutbox stages an event record with status=PENDING, retry_count=0.
	InsertOutbox(ctx context.Context, uow UnitOfWork, record OutboxRecord) error

	// ClaimPendingOutbox opens its own unit of work, selects up to
	// batchSize eligible rows (PENDING and due, or PROCESSING and
	// abandoned past claimLease), atomically marks them PROCESSING with
	// claimed_at=now, and commits before returning. Never returns the same
	// row to two concurrent callers.
	ClaimPendingOutbox(ctx context.Context, batchSize int, claimLease time.Duration, now time.Time) ([]OutboxRecord, error)

	// MarkOutboxPublished transitions PROCESSING -> PUBLISHED (terminal).
	MarkOutboxPublished(ctx context.Context, id OutboxID, now time.Time) error

	// MarkOutboxRetry transitions PROCESSING -> PENDING, recording the new
	// retry count, the next eligible timestamp, and a truncated error.
	MarkOutboxRetry(ctx context.Context, id OutboxID, newRetryCount int, nextRetryAt time.Time, errMsg string) error

	// MarkOutboxFailed transitions PROCESSING -> FAILED (terminal).
	MarkOutboxFailed(ctx context.Context, id OutboxID, errMsg string) error

	// FindByDeduplicationToken is the fast idempotency pre-check. A
	// non-locking read; the authoritative guard remains the unique
	// constraint enforced by InsertTransactionWithPostings.
	FindByDeduplicationToken(ctx context.Context, token string) (Transaction, bool, error)

	// GetAccount is a non-locking read used by the balance-inquiry operation.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// OutboxBacklog reports how many outbox rows have not reached a
	// terminal state, and the creation time of the oldest such row (nil
	// when the backlog is empty). Feeds the publisher's backlog gauges.
	OutboxBacklog(ctx context.Context) (int64, *time.Time, error)

	// PurgePublishedBefore deletes PUBLISHED outbox rows older than the
	// given instant. A maintenance primitive; nothing in this repository
	// schedules it, since retention policy is explicitly optional.
	PurgePublishedBefore(ctx context.Context, before time.Time) (int64, error)

	// Ping performs a best-effort connectivity check against the store,
	// used by the readiness endpoint. Must not block indefinitely.
	Ping(ctx context.Context) error
}
