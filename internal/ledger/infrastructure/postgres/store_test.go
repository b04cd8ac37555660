package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ledger/internal/common/types"
	"ledger/internal/ledger/domain"
	"ledger/internal/ledger/infrastructure/postgres"
)

// StoreSuite exercises domain.Store against real Postgres.
//
// Row locking, SKIP LOCKED claim semantics, and unique-constraint
// conflict detection can't be verified against a fake — they depend on
// MVCC and lock-queue behavior only a real server provides.
type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *postgres.Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(truncateTables(s.ctx, getTestPool()))
	s.store = postgres.NewStore(getTestPool())
}

func (s *StoreSuite) insertAccount(balance string) domain.Account {
	id := domain.NewAccountID()
	money, err := types.NewMoneyFromString(balance, types.CurrencyUSD)
	s.Require().NoError(err)
	_, err = getTestPool().Exec(s.ctx, `
		INSERT INTO accounts (id, user_id, balance, currency, version) VALUES ($1, $2, $3::numeric, $4, $5)`,
		id.String(), "owner", money.Amount.String(), money.Currency, 0,
	)
	s.Require().NoError(err)
	return domain.Account{ID: id, OwnerRef: "owner", Balance: money, Version: 0}
}

func (s *StoreSuite) TestLockAccountAndSave() {
	account := s.insertAccount("1000.0000")

	uow, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)

	locked, err := s.store.LockAccount(s.ctx, uow, account.ID)
	s.Require().NoError(err)
	s.Equal(int64(0), locked.Version)

	credited, err := locked.Credit(mustMoney(s, "50.0000"))
	s.Require().NoError(err)

	s.Require().NoError(s.store.SaveAccount(s.ctx, uow, credited))
	s.Require().NoError(uow.Commit(s.ctx))

	fresh, err := s.store.GetAccount(s.ctx, account.ID)
	s.Require().NoError(err)
	s.True(fresh.Balance.Equal(mustMoney(s, "1050.0000")))
	s.Equal(int64(1), fresh.Version)
}

func (s *StoreSuite) TestSaveAccountStaleVersionConflict() {
	account := s.insertAccount("1000.0000")

	uow, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	defer uow.Rollback(s.ctx)

	stale := account
	stale.Version = 5

	err = s.store.SaveAccount(s.ctx, uow, stale)
	s.Require().ErrorIs(err, domain.ErrStaleVersion)
}

// TestLockAccountBlocksConcurrentHolder verifies that a second LockAccount
// on the same row genuinely blocks until the first unit of work commits,
// proving the pessimistic guard is real and not merely advisory.
func (s *StoreSuite) TestLockAccountBlocksConcurrentHolder() {
	account := s.insertAccount("1000.0000")

	uow1, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	_, err = s.store.LockAccount(s.ctx, uow1, account.ID)
	s.Require().NoError(err)

	unblocked := make(chan struct{})
	go func() {
		uow2, err := s.store.Begin(s.ctx)
		s.Require().NoError(err)
		defer uow2.Rollback(s.ctx)
		_, err = s.store.LockAccount(s.ctx, uow2, account.ID)
		s.Require().NoError(err)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		s.Fail("second LockAccount should not proceed while the first holds the row lock")
	case <-time.After(200 * time.Millisecond):
	}

	s.Require().NoError(uow1.Commit(s.ctx))

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		s.Fail("second LockAccount should proceed once the first unit of work commits")
	}
}

func (s *StoreSuite) TestInsertTransactionWithPostingsIdempotency() {
	a := s.insertAccount("1000.0000")
	b := s.insertAccount("500.0000")

	uow, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)

	txID := domain.NewTransactionID()
	tx := domain.Transaction{
		ID:                   txID,
		DeduplicationToken:   "dup-token",
		Status:               domain.StatusPosted,
		BookedAt:             time.Now().UTC(),
		SourceAccountID:      a.ID,
		DestinationAccountID: b.ID,
		Amount:               mustMoney(s, "10.0000"),
	}
	debit, credit := domain.NewPostingPair(txID, a.ID, b.ID, tx.Amount)

	s.Require().NoError(s.store.InsertTransactionWithPostings(s.ctx, uow, tx, []domain.Posting{debit, credit}))
	s.Require().NoError(uow.Commit(s.ctx))

	uow2, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	defer uow2.Rollback(s.ctx)

	dup := tx
	dup.ID = domain.NewTransactionID()
	err = s.store.InsertTransactionWithPostings(s.ctx, uow2, dup, nil)

	var alreadyExists *domain.AlreadyExistsError
	s.Require().ErrorAs(err, &alreadyExists)
	s.Equal(txID, alreadyExists.ExistingTransactionID)
}

func (s *StoreSuite) TestClaimPendingOutboxSkipsLockedRows() {
	uow, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	txID := domain.NewTransactionID()
	record := domain.NewTransactionOutboxRecord(txID, "transaction-events", []byte(`{}`), 5)
	s.Require().NoError(s.store.InsertOutbox(s.ctx, uow, record))
	s.Require().NoError(uow.Commit(s.ctx))

	var wg sync.WaitGroup
	results := make([][]domain.OutboxRecord, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			claimed, err := s.store.ClaimPendingOutbox(s.ctx, 10, time.Minute, time.Now())
			s.Require().NoError(err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	total := len(results[0]) + len(results[1])
	s.Equal(1, total, "SKIP LOCKED must hand the single pending row to exactly one claimant")
}

func (s *StoreSuite) TestClaimReclaimsStuckProcessingRow() {
	uow, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	txID := domain.NewTransactionID()
	record := domain.NewTransactionOutboxRecord(txID, "transaction-events", []byte(`{}`), 5)
	s.Require().NoError(s.store.InsertOutbox(s.ctx, uow, record))
	s.Require().NoError(uow.Commit(s.ctx))

	first, err := s.store.ClaimPendingOutbox(s.ctx, 10, time.Hour, time.Now())
	s.Require().NoError(err)
	s.Require().Len(first, 1)

	reclaimed, err := s.store.ClaimPendingOutbox(s.ctx, 10, 0, time.Now().Add(time.Millisecond))
	s.Require().NoError(err)
	s.Require().Len(reclaimed, 1)
	s.Equal(first[0].ID, reclaimed[0].ID)
}

func (s *StoreSuite) TestMarkOutboxLifecycle() {
	uow, err := s.store.Begin(s.ctx)
	s.Require().NoError(err)
	txID := domain.NewTransactionID()
	record := domain.NewTransactionOutboxRecord(txID, "transaction-events", []byte(`{}`), 5)
	s.Require().NoError(s.store.InsertOutbox(s.ctx, uow, record))
	s.Require().NoError(uow.Commit(s.ctx))

	claimed, err := s.store.ClaimPendingOutbox(s.ctx, 10, time.Hour, time.Now())
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	s.Require().NoError(s.store.MarkOutboxRetry(s.ctx, claimed[0].ID, 1, time.Now().Add(time.Hour), "boom"))

	reclaimedTooEarly, err := s.store.ClaimPendingOutbox(s.ctx, 10, time.Hour, time.Now())
	s.Require().NoError(err)
	s.Empty(reclaimedTooEarly)

	claimedAgain, err := s.store.ClaimPendingOutbox(s.ctx, 10, time.Hour, time.Now().Add(2*time.Hour))
	s.Require().NoError(err)
	s.Require().Len(claimedAgain, 1)

	s.Require().NoError(s.store.MarkOutboxPublished(s.ctx, claimedAgain[0].ID, time.Now()))

	count, oldest, err := s.store.OutboxBacklog(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), count)
	s.Nil(oldest)

	purged, err := s.store.PurgePublishedBefore(s.ctx, time.Now().Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), purged)
}

func mustMoney(s *StoreSuite, amount string) types.Money {
	m, err := types.NewMoneyFromString(amount, types.CurrencyUSD)
	s.Require().NoError(err)
	return m
}
