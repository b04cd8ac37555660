// Package memory provides an in-process implementation of domain.Store,
// used for fast unit tests and BDD acceptance scenarios that don't need
// a real Postgres instance. It mirrors the staged-transaction snapshot
// commit pattern used by the Postgres-backed store: every write inside a
// unit of work is buffered and only becomes visible to other readers on
// Commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledger/internal/ledger/domain"
)

// Store is an in-memory, mutex-guarded implementation of domain.Store.
type Store struct {
	mu sync.Mutex

	accounts     map[domain.AccountID]domain.Account
	transactions map[domain.TransactionID]domain.Transaction
	postings     map[domain.TransactionID][]domain.Posting
	byToken      map[string]domain.TransactionID
	outbox       map[domain.OutboxID]domain.OutboxRecord

	// pendingTokens reserves deduplication tokens staged by open units of
	// work, reproducing the unique index's insert-time conflict: a second
	// concurrent inserter sees the reservation before the first commits.
	pendingTokens map[string]domain.TransactionID

	// locks tracks which accounts are currently held by an open UoW, so a
	// second LockAccount call on the same id blocks until the holder
	// commits or rolls back — reproducing SELECT ... FOR UPDATE semantics
	// without a real database.
	locks map[domain.AccountID]*sync.Mutex
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		accounts:      make(map[domain.AccountID]domain.Account),
		transactions:  make(map[domain.TransactionID]domain.Transaction),
		postings:      make(map[domain.TransactionID][]domain.Posting),
		byToken:       make(map[string]domain.TransactionID),
		outbox:        make(map[domain.OutboxID]domain.OutboxRecord),
		pendingTokens: make(map[string]domain.TransactionID),
		locks:         make(map[domain.AccountID]*sync.Mutex),
	}
}

// SeedAccount installs an account directly, bypassing any unit of work.
// Used by tests to establish starting balances.
func (s *Store) SeedAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

// unitOfWork is the in-memory UoW: a set of staged writes plus the list
// of per-account locks it currently holds, released on commit/rollback.
type unitOfWork struct {
	store *Store

	stagedAccounts     map[domain.AccountID]domain.Account
	stagedTransactions []stagedTransaction
	stagedOutbox       []domain.OutboxRecord
	reservedTokens     []string

	heldLocks []domain.AccountID
	done      bool
	mu        sync.Mutex
}

type stagedTransaction struct {
	tx       domain.Transaction
	postings []domain.Posting
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.store.mu.Lock()
	for id, acct := range u.stagedAccounts {
		u.store.accounts[id] = acct
	}
	for _, st := range u.stagedTransactions {
		u.store.transactions[st.tx.ID] = st.tx
		u.store.postings[st.tx.ID] = st.postings
		u.store.byToken[st.tx.DeduplicationToken] = st.tx.ID
	}
	for _, rec := range u.stagedOutbox {
		u.store.outbox[rec.ID] = rec
	}
	for _, token := range u.reservedTokens {
		delete(u.store.pendingTokens, token)
	}
	u.store.mu.Unlock()

	u.releaseLocks()
	u.done = true
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.store.mu.Lock()
	for _, token := range u.reservedTokens {
		delete(u.store.pendingTokens, token)
	}
	u.store.mu.Unlock()
	u.releaseLocks()
	u.done = true
	return nil
}

// releaseLocks unlocks every per-account mutex this UoW acquired, in the
// reverse order they were taken.
func (u *unitOfWork) releaseLocks() {
	for i := len(u.heldLocks) - 1; i >= 0; i-- {
		id := u.heldLocks[i]
		u.store.mu.Lock()
		l := u.store.locks[id]
		u.store.mu.Unlock()
		if l != nil {
			l.Unlock()
		}
	}
	u.heldLocks = nil
}

func (s *Store) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	return &unitOfWork{
		store:          s,
		stagedAccounts: make(map[domain.AccountID]domain.Account),
	}, nil
}

func (s *Store) lockFor(id domain.AccountID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) LockAccount(ctx context.Context, uowHandle domain.UnitOfWork, id domain.AccountID) (domain.Account, error) {
	u, ok := uowHandle.(*unitOfWork)
	if !ok {
		return domain.Account{}, fmt.Errorf("unexpected unit of work type: %w", domain.ErrInternal)
	}

	l := s.lockFor(id)
	lockAcquired := make(chan struct{})
	go func() {
		l.Lock()
		close(lockAcquired)
	}()
	select {
	case <-lockAcquired:
	case <-ctx.Done():
		// The acquiring goroutine may still win the mutex later; release
		// it as soon as it does so the account is not stranded.
		go func() {
			<-lockAcquired
			l.Unlock()
		}()
		return domain.Account{}, fmt.Errorf("locking account: %w", domain.ErrDeadlineExceeded)
	}
	u.heldLocks = append(u.heldLocks, id)

	s.mu.Lock()
	acct, found := s.accounts[id]
	if staged, ok := u.stagedAccounts[id]; ok {
		acct = staged
		found = true
	}
	s.mu.Unlock()

	if !found {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) SaveAccount(ctx context.Context, uowHandle domain.UnitOfWork, account domain.Account) error {
	u, ok := uowHandle.(*unitOfWork)
	if !ok {
		return fmt.Errorf("unexpected unit of work type: %w", domain.ErrInternal)
	}

	s.mu.Lock()
	current, found := s.accounts[account.ID]
	s.mu.Unlock()
	if found && current.Version != account.Version-1 {
		return fmt.Errorf("account %s version mismatch: %w", account.ID, domain.ErrStaleVersion)
	}

	u.stagedAccounts[account.ID] = account
	return nil
}

func (s *Store) InsertTransactionWithPostings(ctx context.Context, uowHandle domain.UnitOfWork, tx domain.Transaction, postings []domain.Posting) error {
	u, ok := uowHandle.(*unitOfWork)
	if !ok {
		return fmt.Errorf("unexpected unit of work type: %w", domain.ErrInternal)
	}

	s.mu.Lock()
	if existingID, exists := s.byToken[tx.DeduplicationToken]; exists {
		s.mu.Unlock()
		return fmt.Errorf("deduplication token reused: %w", domain.NewAlreadyExistsError(existingID))
	}
	if pendingID, reserved := s.pendingTokens[tx.DeduplicationToken]; reserved {
		s.mu.Unlock()
		return fmt.Errorf("deduplication token reused: %w", domain.NewAlreadyExistsError(pendingID))
	}
	s.pendingTokens[tx.DeduplicationToken] = tx.ID
	s.mu.Unlock()

	u.reservedTokens = append(u.reservedTokens, tx.DeduplicationToken)
	u.stagedTransactions = append(u.stagedTransactions, stagedTransaction{tx: tx, postings: postings})
	return nil
}

func (s *Store) InsertOutbox(ctx context.Context, uowHandle domain.UnitOfWork, record domain.OutboxRecord) error {
	u, ok := uowHandle.(*unitOfWork)
	if !ok {
		return fmt.Errorf("unexpected unit of work type: %w", domain.ErrInternal)
	}
	record.CreatedAt = time.Now().UTC()
	u.stagedOutbox = append(u.stagedOutbox, record)
	return nil
}

func (s *Store) ClaimPendingOutbox(ctx context.Context, batchSize int, claimLease time.Duration, now time.Time) ([]domain.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []domain.OutboxRecord
	for _, rec := range s.outbox {
		switch {
		case rec.Status == domain.OutboxPending && (rec.NextRetryAt == nil || !rec.NextRetryAt.After(now)):
			eligible = append(eligible, rec)
		case rec.Status == domain.OutboxProcessing && rec.ClaimedAt != nil && rec.ClaimedAt.Add(claimLease).Before(now):
			eligible = append(eligible, rec)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimedAt := now
	for i := range eligible {
		eligible[i].Status = domain.OutboxProcessing
		eligible[i].ClaimedAt = &claimedAt
		s.outbox[eligible[i].ID] = eligible[i]
	}
	return eligible, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id domain.OutboxID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox record %s: %w", id, domain.ErrNotFound)
	}
	rec.Status = domain.OutboxPublished
	rec.PublishedAt = &now
	s.outbox[id] = rec
	return nil
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id domain.OutboxID, newRetryCount int, nextRetryAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox record %s: %w", id, domain.ErrNotFound)
	}
	rec.Status = domain.OutboxPending
	rec.RetryCount = newRetryCount
	rec.NextRetryAt = &nextRetryAt
	rec.LastError = domain.FormatLastError(fmt.Errorf("%s", errMsg))
	s.outbox[id] = rec
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id domain.OutboxID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox record %s: %w", id, domain.ErrNotFound)
	}
	rec.Status = domain.OutboxFailed
	rec.LastError = domain.FormatLastError(fmt.Errorf("%s", errMsg))
	s.outbox[id] = rec
	return nil
}

func (s *Store) FindByDeduplicationToken(ctx context.Context, token string) (domain.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return domain.Transaction{}, false, nil
	}
	return s.transactions[id], true, nil
}

func (s *Store) GetAccount(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) OutboxBacklog(ctx context.Context) (int64, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		count  int64
		oldest *time.Time
	)
	for _, rec := range s.outbox {
		if rec.Status != domain.OutboxPending && rec.Status != domain.OutboxProcessing {
			continue
		}
		count++
		created := rec.CreatedAt
		if oldest == nil || created.Before(*oldest) {
			oldest = &created
		}
	}
	return count, oldest, nil
}

func (s *Store) PurgePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, rec := range s.outbox {
		if rec.Status == domain.OutboxPublished && rec.PublishedAt != nil && rec.PublishedAt.Before(before) {
			delete(s.outbox, id)
			purged++
		}
	}
	return purged, nil
}

// OutboxByID exposes a direct snapshot read for tests asserting on the
// state machine.
func (s *Store) OutboxByID(id domain.OutboxID) (domain.OutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[id]
	return rec, ok
}

// Ping always succeeds: the in-memory store has no connection to lose.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// OutboxByAggregate exposes a non-mutating snapshot read of the outbox
// record staged for a given aggregate id, for test assertions that must
// not disturb the claim state machine.
func (s *Store) OutboxByAggregate(aggregateID string) (domain.OutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.outbox {
		if rec.AggregateID == aggregateID {
			return rec, true
		}
	}
	return domain.OutboxRecord{}, false
}

// PostingsFor exposes the postings of a transaction for test assertions.
func (s *Store) PostingsFor(id domain.TransactionID) []domain.Posting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Posting(nil), s.postings[id]...)
}

var _ domain.Store = (*Store)(nil)
