// Package postgres implements the relational store adapter against
// real PostgreSQL: row-level locking via SELECT ... FOR UPDATE, SKIP
// LOCKED claim semantics for the outbox, and optimistic-version UPDATEs
// as a belt-and-braces check alongside the pessimistic lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledger/internal/common/types"
	"ledger/internal/ledger/domain"
)

// Store is the Postgres-backed implementation of domain.Store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store over an already-configured connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// unitOfWork wraps one open pgx.Tx. It satisfies domain.UnitOfWork and
// also exposes the Executor the repository methods issue SQL through.
type unitOfWork struct {
	tx pgx.Tx
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", domain.ErrInternal)
	}
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	err := u.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rolling back transaction: %w", domain.ErrInternal)
	}
	return nil
}

// Begin acquires a connection and opens a transaction at READ COMMITTED
// isolation — pgx's default, made explicit here to match the contract.
func (s *Store) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", domain.ErrInternal)
	}
	return &unitOfWork{tx: tx}, nil
}

func executorFor(uow domain.UnitOfWork) (Executor, error) {
	u, ok := uow.(*unitOfWork)
	if !ok {
		return nil, fmt.Errorf("unexpected unit of work type: %w", domain.ErrInternal)
	}
	return u.tx, nil
}

// LockAccount issues SELECT ... FOR UPDATE, blocking until any other
// holder commits or rolls back, then returns the post-lock snapshot.
func (s *Store) LockAccount(ctx context.Context, uow domain.UnitOfWork, id domain.AccountID) (domain.Account, error) {
	ex, err := executorFor(uow)
	if err != nil {
		return domain.Account{}, err
	}

	var (
		accountID string
		ownerRef  string
		balance   pgtype.Numeric
		currency  string
		version   int64
	)
	row := ex.QueryRow(ctx, `
		SELECT id, user_id, balance, currency, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, id.String())
	if scanErr := row.Scan(&accountID, &ownerRef, &balance, &currency, &version); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("locking account %s: %w", id, domain.ErrInternal)
	}

	amount, err := numericToDecimal(balance)
	if err != nil {
		return domain.Account{}, fmt.Errorf("parsing balance for account %s: %w", id, domain.ErrInternal)
	}

	return domain.Account{
		ID:       domain.AccountID(accountID),
		OwnerRef: ownerRef,
		Balance:  types.NewMoney(amount, currency),
		Version:  version,
	}, nil
}

// SaveAccount updates balance and version with an optimistic-version
// WHERE clause; zero rows affected means the in-memory version didn't
// match the stored version.
func (s *Store) SaveAccount(ctx context.Context, uow domain.UnitOfWork, account domain.Account) error {
	ex, err := executorFor(uow)
	if err != nil {
		return err
	}

	tag, err := ex.Exec(ctx, `
		UPDATE accounts
		SET balance = $1, version = $2
		WHERE id = $3 AND version = $4`,
		decimalToNumeric(account.Balance.Amount), account.Version, account.ID.String(), account.Version-1,
	)
	if err != nil {
		return fmt.Errorf("saving account %s: %w", account.ID, domain.ErrInternal)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", account.ID, domain.ErrStaleVersion)
	}
	return nil
}

// InsertTransactionWithPostings appends the transaction header and its
// two postings. The deduplication token's unique constraint is the
// authoritative idempotency guard; a violation maps to ErrAlreadyExists.
func (s *Store) InsertTransactionWithPostings(ctx context.Context, uow domain.UnitOfWork, tx domain.Transaction, postings []domain.Posting) error {
	ex, err := executorFor(uow)
	if err != nil {
		return err
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO transactions (
			id, idempotency_key, reference_id, status, booked_at,
			source_account_id, destination_account_id, amount, currency
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tx.ID.String(), tx.DeduplicationToken, tx.ExternalReference, string(tx.Status), tx.BookedAt,
		tx.SourceAccountID.String(), tx.DestinationAccountID.String(), decimalToNumeric(tx.Amount.Amount), tx.Amount.Currency,
	)
	if err != nil {
		if isUniqueViolation(err, "transactions_idempotency_key_key") {
			// The failed INSERT aborts the open transaction, so the existing
			// id is looked up through the pool rather than the UoW.
			existing, findErr := s.findByTokenTx(ctx, s.pool, tx.DeduplicationToken)
			if findErr == nil {
				return fmt.Errorf("deduplication token reused: %w", domain.NewAlreadyExistsError(existing.ID))
			}
			return fmt.Errorf("deduplication token reused: %w", domain.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting transaction: %w", domain.ErrInternal)
	}

	for _, p := range postings {
		_, err = ex.Exec(ctx, `
			INSERT INTO transaction_entries (id, transaction_id, account_id, amount, direction)
			VALUES ($1, $2, $3, $4, $5)`,
			p.ID.String(), p.TransactionID.String(), p.AccountID.String(), decimalToNumeric(p.Amount.Amount), string(p.Direction),
		)
		if err != nil {
			return fmt.Errorf("inserting posting: %w", domain.ErrInternal)
		}
	}
	return nil
}

// InsertOutbox stages an event record with status=PENDING, retry_count=0.
func (s *Store) InsertOutbox(ctx context.Context, uow domain.UnitOfWork, record domain.OutboxRecord) error {
	ex, err := executorFor(uow)
	if err != nil {
		return err
	}
	_, err = ex.Exec(ctx, `
		INSERT INTO outbox_events (
			id, aggregate_id, aggregate_type, type, payload, topic,
			status, retry_count, max_retries, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		record.ID.String(), record.AggregateID, record.AggregateType, record.EventType,
		record.Payload, record.Topic, string(domain.OutboxPending), 0, record.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("inserting outbox record: %w", domain.ErrInternal)
	}
	return nil
}

// ClaimPendingOutbox selects up to batchSize eligible rows under a
// locking read that skips rows already locked by other workers
// (SKIP LOCKED), and atomically flips them to PROCESSING before
// committing — all inside its own unit of work, never the caller's.
func (s *Store) ClaimPendingOutbox(ctx context.Context, batchSize int, claimLease time.Duration, now time.Time) ([]domain.OutboxRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", domain.ErrInternal)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, type, payload, topic,
		       status, retry_count, max_retries, next_retry_at, processing_at,
		       published_at, last_error, created_at
		FROM outbox_events
		WHERE (status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= $1))
		   OR (status = 'PROCESSING' AND processing_at < $2)
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		now, now.Add(-claimLease), batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("querying claimable outbox rows: %w", domain.ErrInternal)
	}

	var claimed []domain.OutboxRecord
	for rows.Next() {
		rec, scanErr := scanOutboxRow(rows)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning outbox row: %w", domain.ErrInternal)
		}
		claimed = append(claimed, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", domain.ErrInternal)
	}

	for i := range claimed {
		claimed[i].Status = domain.OutboxProcessing
		claimed[i].ClaimedAt = &now
		_, err = tx.Exec(ctx, `
			UPDATE outbox_events SET status = 'PROCESSING', processing_at = $1 WHERE id = $2`,
			now, claimed[i].ID.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("claiming outbox row %s: %w", claimed[i].ID, domain.ErrInternal)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", domain.ErrInternal)
	}
	return claimed, nil
}

// MarkOutboxPublished transitions PROCESSING -> PUBLISHED.
func (s *Store) MarkOutboxPublished(ctx context.Context, id domain.OutboxID, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET status = 'PUBLISHED', published_at = $1 WHERE id = $2 AND status = 'PROCESSING'`,
		now, id.String(),
	)
	if err != nil {
		return fmt.Errorf("marking outbox %s published: %w", id, domain.ErrInternal)
	}
	return nil
}

// MarkOutboxRetry transitions PROCESSING -> PENDING with the next
// eligible timestamp and a truncated error message.
func (s *Store) MarkOutboxRetry(ctx context.Context, id domain.OutboxID, newRetryCount int, nextRetryAt time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', retry_count = $1, next_retry_at = $2, last_error = $3
		WHERE id = $4 AND status = 'PROCESSING'`,
		newRetryCount, nextRetryAt, errMsg, id.String(),
	)
	if err != nil {
		return fmt.Errorf("marking outbox %s retry: %w", id, domain.ErrInternal)
	}
	return nil
}

// MarkOutboxFailed transitions PROCESSING -> FAILED (terminal).
func (s *Store) MarkOutboxFailed(ctx context.Context, id domain.OutboxID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET status = 'FAILED', last_error = $1 WHERE id = $2 AND status = 'PROCESSING'`,
		errMsg, id.String(),
	)
	if err != nil {
		return fmt.Errorf("marking outbox %s failed: %w", id, domain.ErrInternal)
	}
	return nil
}

// FindByDeduplicationToken is the fast idempotency pre-check.
func (s *Store) FindByDeduplicationToken(ctx context.Context, token string) (domain.Transaction, bool, error) {
	tx, err := s.findByTokenTx(ctx, s.pool, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Transaction{}, false, nil
		}
		return domain.Transaction{}, false, err
	}
	return tx, true, nil
}

func (s *Store) findByTokenTx(ctx context.Context, ex Executor, token string) (domain.Transaction, error) {
	var (
		id, idempotencyKey, referenceID, status, sourceID, destID, currency string
		bookedAt                                                            time.Time
		amount                                                              pgtype.Numeric
	)
	row := ex.QueryRow(ctx, `
		SELECT id, idempotency_key, COALESCE(reference_id, ''), status, booked_at,
		       source_account_id, destination_account_id, amount, currency
		FROM transactions WHERE idempotency_key = $1`, token)
	if err := row.Scan(&id, &idempotencyKey, &referenceID, &status, &bookedAt, &sourceID, &destID, &amount, &currency); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transaction{}, fmt.Errorf("token %s: %w", token, domain.ErrNotFound)
		}
		return domain.Transaction{}, fmt.Errorf("finding transaction by token: %w", domain.ErrInternal)
	}
	parsedAmount, err := numericToDecimal(amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("parsing transaction amount: %w", domain.ErrInternal)
	}
	return domain.Transaction{
		ID:                   domain.TransactionID(id),
		DeduplicationToken:   idempotencyKey,
		ExternalReference:    referenceID,
		Status:               domain.TransactionStatus(status),
		BookedAt:             bookedAt,
		SourceAccountID:      domain.AccountID(sourceID),
		DestinationAccountID: domain.AccountID(destID),
		Amount:               types.NewMoney(parsedAmount, currency),
	}, nil
}

// GetAccount is a non-locking read used by the balance-inquiry operation.
func (s *Store) GetAccount(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	var (
		accountID, ownerRef, currency string
		balance                       pgtype.Numeric
		version                       int64
	)
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, balance, currency, version FROM accounts WHERE id = $1`, id.String())
	if err := row.Scan(&accountID, &ownerRef, &balance, &currency, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("getting account %s: %w", id, domain.ErrInternal)
	}
	amount, err := numericToDecimal(balance)
	if err != nil {
		return domain.Account{}, fmt.Errorf("parsing balance for account %s: %w", id, domain.ErrInternal)
	}
	return domain.Account{
		ID:       domain.AccountID(accountID),
		OwnerRef: ownerRef,
		Balance:  types.NewMoney(amount, currency),
		Version:  version,
	}, nil
}

// OutboxBacklog counts outbox rows not yet in a terminal state and finds
// the creation time of the oldest one.
func (s *Store) OutboxBacklog(ctx context.Context) (int64, *time.Time, error) {
	var (
		count  int64
		oldest *time.Time
	)
	row := s.pool.QueryRow(ctx, `
		SELECT count(*), min(created_at)
		FROM outbox_events
		WHERE status IN ('PENDING', 'PROCESSING')`)
	if err := row.Scan(&count, &oldest); err != nil {
		return 0, nil, fmt.Errorf("counting outbox backlog: %w", domain.ErrInternal)
	}
	return count, oldest, nil
}

// PurgePublishedBefore deletes PUBLISHED outbox rows older than before.
// A maintenance primitive; nothing in this repository schedules it.
func (s *Store) PurgePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events WHERE status = 'PUBLISHED' AND published_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purging published outbox rows: %w", domain.ErrInternal)
	}
	return tag.RowsAffected(), nil
}

// Ping checks out a connection from the pool and pings it, used by the
// readiness endpoint. Bounded entirely by ctx's deadline.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", domain.ErrInternal)
	}
	return nil
}

var _ domain.Store = (*Store)(nil)
