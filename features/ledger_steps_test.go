package features

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cucumber/godog"

	"ledger/internal/common/types"
	"ledger/internal/ledger/domain"
	"ledger/internal/ledger/engine"
	"ledger/internal/ledger/infrastructure/memory"
	"ledger/internal/ledger/outbox"
	"ledger/internal/ledger/transport"
)

const featureTopic = "transaction-events"

// ledgerState holds everything one scenario needs: a fresh in-memory
// store, engine, bus, and publisher, plus the bookkeeping steps use to
// refer back to accounts and transactions by their feature-file aliases.
type ledgerState struct {
	ctx   context.Context
	store *memory.Store
	bus   *transport.MemoryBus
	eng   *engine.Engine
	pub   *outbox.Publisher

	accounts map[string]domain.AccountID
	txIDs    map[string]domain.TransactionID
	lastErr  error

	firstResult  engine.CreateTransferResult
	secondResult engine.CreateTransferResult

	concurrentErrs []error
}

func (s *ledgerState) reset() {
	s.ctx = context.Background()
	s.store = memory.NewStore()
	s.bus = transport.NewMemoryBus()
	s.eng = engine.New(s.store, featureTopic)

	cfg := outbox.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.ClaimLease = time.Minute
	cfg.Retry.InitialInterval = 0
	cfg.Retry.Jitter = 0
	s.pub = outbox.New(s.store, s.bus, cfg)

	s.accounts = make(map[string]domain.AccountID)
	s.txIDs = make(map[string]domain.TransactionID)
	s.lastErr = nil
	s.concurrentErrs = nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	state := &ledgerState{}

	ctx.Before(func(gctx context.Context, sc *godog.Scenario) (context.Context, error) {
		state.reset()
		return gctx, nil
	})

	ctx.Step(`^account "([^"]*)" with balance "([^"]*)" USD$`, state.accountWithBalance)
	ctx.Step(`^I create a transfer "([^"]*)" from "([^"]*)" to "([^"]*)" of "([^"]*)" USD$`, state.createTransfer)
	ctx.Step(`^I create a transfer "([^"]*)" from "([^"]*)" to "([^"]*)" of "([^"]*)" USD again$`, state.createTransferAgain)
	ctx.Step(`^the transfer is posted$`, state.theTransferIsPosted)
	ctx.Step(`^the transfer fails with "([^"]*)"$`, state.theTransferFailsWith)
	ctx.Step(`^account "([^"]*)" has balance "([^"]*)" USD$`, state.accountHasBalance)
	ctx.Step(`^there is exactly (\d+) transaction(?:s)? with (\d+) postings$`, state.thereIsExactlyTransactionsWithPostings)
	ctx.Step(`^there is exactly (\d+) outbox record(?:s)?$`, state.thereIsExactlyOutboxRecords)
	ctx.Step(`^both calls return the same transaction id$`, state.bothCallsReturnTheSameTransactionID)
	ctx.Step(`^(\d+) concurrent transfers of "([^"]*)" USD from "([^"]*)" to "([^"]*)" each run with a distinct token$`, state.concurrentUnidirectionalTransfers)
	ctx.Step(`^all (\d+) transfers succeed$`, state.allTransfersSucceed)
	ctx.Step(`^(\d+) concurrent bidirectional transfers of "([^"]*)" USD between "([^"]*)" and "([^"]*)" run with distinct tokens$`, state.concurrentBidirectionalTransfers)
	ctx.Step(`^the combined balance of "([^"]*)" and "([^"]*)" is "([^"]*)" USD$`, state.combinedBalanceIs)
	ctx.Step(`^the event bus is unreachable$`, state.theEventBusIsUnreachable)
	ctx.Step(`^the event bus becomes reachable$`, state.theEventBusBecomesReachable)
	ctx.Step(`^the outbox record for "([^"]*)" is "([^"]*)"$`, state.theOutboxRecordForIs)
	ctx.Step(`^the publisher runs until the outbox for "([^"]*)" settles$`, state.thePublisherRunsUntilSettles)
	ctx.Step(`^the publisher runs (\d+) times immediately$`, state.thePublisherRunsNTimes)
	ctx.Step(`^the event bus has received a message keyed by the transaction id for "([^"]*)"$`, state.theEventBusHasReceivedAMessageFor)
}

func (s *ledgerState) accountWithBalance(alias, balance string) error {
	money, err := types.NewMoneyFromString(balance, types.CurrencyUSD)
	if err != nil {
		return err
	}
	id := domain.NewAccountID()
	s.store.SeedAccount(domain.Account{ID: id, OwnerRef: alias, Balance: money, Version: 0})
	s.accounts[alias] = id
	return nil
}

func (s *ledgerState) createTransfer(token, from, to, amount string) error {
	result, err := s.eng.CreateTransfer(s.ctx, engine.CreateTransferRequest{
		DeduplicationToken:   token,
		SourceAccountID:      s.accounts[from],
		DestinationAccountID: s.accounts[to],
		Amount:               amount,
		Currency:             types.CurrencyUSD,
	})
	s.lastErr = err
	if err == nil {
		s.firstResult = result
		s.txIDs[token] = result.TransactionID
	}
	return nil
}

func (s *ledgerState) createTransferAgain(token, from, to, amount string) error {
	result, err := s.eng.CreateTransfer(s.ctx, engine.CreateTransferRequest{
		DeduplicationToken:   token,
		SourceAccountID:      s.accounts[from],
		DestinationAccountID: s.accounts[to],
		Amount:               amount,
		Currency:             types.CurrencyUSD,
	})
	s.lastErr = err
	if err == nil {
		s.secondResult = result
	} else {
		var alreadyExists *domain.AlreadyExistsError
		if errors.As(err, &alreadyExists) {
			s.secondResult = engine.CreateTransferResult{
				TransactionID: alreadyExists.ExistingTransactionID,
				Status:        domain.StatusPosted,
			}
			s.lastErr = nil
		}
	}
	return nil
}

func (s *ledgerState) theTransferIsPosted() error {
	if s.lastErr != nil {
		return fmt.Errorf("expected the transfer to post, got error: %w", s.lastErr)
	}
	if s.firstResult.Status != domain.StatusPosted {
		return fmt.Errorf("expected status POSTED, got %s", s.firstResult.Status)
	}
	return nil
}

func (s *ledgerState) theTransferFailsWith(reason string) error {
	if s.lastErr == nil {
		return fmt.Errorf("expected the transfer to fail with %q, but it succeeded", reason)
	}
	switch reason {
	case "insufficient funds":
		if !errors.Is(s.lastErr, domain.ErrInsufficientFunds) {
			return fmt.Errorf("expected ErrInsufficientFunds, got %v", s.lastErr)
		}
	default:
		return fmt.Errorf("unknown expected failure reason %q", reason)
	}
	return nil
}

func (s *ledgerState) accountHasBalance(alias, balance string) error {
	acct, err := s.store.GetAccount(s.ctx, s.accounts[alias])
	if err != nil {
		return err
	}
	expected, err := types.NewMoneyFromString(balance, types.CurrencyUSD)
	if err != nil {
		return err
	}
	if !acct.Balance.Equal(expected) {
		return fmt.Errorf("account %s: expected balance %s, got %s", alias, expected, acct.Balance)
	}
	return nil
}

func (s *ledgerState) thereIsExactlyTransactionsWithPostings(txCount, postingsPerTx int) error {
	if len(s.txIDs) != txCount {
		return fmt.Errorf("expected %d transaction(s), tracked %d", txCount, len(s.txIDs))
	}
	for _, txID := range s.txIDs {
		postings := s.store.PostingsFor(txID)
		if len(postings) != postingsPerTx {
			return fmt.Errorf("transaction %s: expected %d postings, got %d", txID, postingsPerTx, len(postings))
		}
	}
	return nil
}

func (s *ledgerState) thereIsExactlyOutboxRecords(count int) error {
	found := 0
	for _, txID := range s.txIDs {
		if _, ok := s.store.OutboxByAggregate(txID.String()); ok {
			found++
		}
	}
	if count == 0 {
		if found != 0 {
			return fmt.Errorf("expected 0 outbox records, found %d", found)
		}
		return nil
	}
	if found != count {
		return fmt.Errorf("expected %d outbox record(s), found %d", count, found)
	}
	return nil
}

func (s *ledgerState) bothCallsReturnTheSameTransactionID() error {
	if s.firstResult.TransactionID != s.secondResult.TransactionID {
		return fmt.Errorf("expected same transaction id, got %s and %s", s.firstResult.TransactionID, s.secondResult.TransactionID)
	}
	return nil
}

func (s *ledgerState) concurrentUnidirectionalTransfers(n int, amount, from, to string) error {
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.eng.CreateTransfer(s.ctx, engine.CreateTransferRequest{
				DeduplicationToken:   fmt.Sprintf("stress-%d", i),
				SourceAccountID:      s.accounts[from],
				DestinationAccountID: s.accounts[to],
				Amount:               amount,
				Currency:             types.CurrencyUSD,
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()
	s.concurrentErrs = errs
	return nil
}

func (s *ledgerState) concurrentBidirectionalTransfers(n int, amount, a, b string) error {
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		go func(i int, from, to string) {
			defer wg.Done()
			_, err := s.eng.CreateTransfer(s.ctx, engine.CreateTransferRequest{
				DeduplicationToken:   fmt.Sprintf("deadlock-%d", i),
				SourceAccountID:      s.accounts[from],
				DestinationAccountID: s.accounts[to],
				Amount:               amount,
				Currency:             types.CurrencyUSD,
			})
			errs[i] = err
		}(i, from, to)
	}
	wg.Wait()
	s.concurrentErrs = errs
	return nil
}

func (s *ledgerState) allTransfersSucceed(n int) error {
	if len(s.concurrentErrs) != n {
		return fmt.Errorf("expected %d results, got %d", n, len(s.concurrentErrs))
	}
	for i, err := range s.concurrentErrs {
		if err != nil {
			return fmt.Errorf("transfer %d failed: %w", i, err)
		}
	}
	return nil
}

func (s *ledgerState) combinedBalanceIs(a, b, total string) error {
	acctA, err := s.store.GetAccount(s.ctx, s.accounts[a])
	if err != nil {
		return err
	}
	acctB, err := s.store.GetAccount(s.ctx, s.accounts[b])
	if err != nil {
		return err
	}
	sum, err := acctA.Balance.Add(acctB.Balance)
	if err != nil {
		return err
	}
	expected, err := types.NewMoneyFromString(total, types.CurrencyUSD)
	if err != nil {
		return err
	}
	if !sum.Equal(expected) {
		return fmt.Errorf("expected combined balance %s, got %s", expected, sum)
	}
	return nil
}

func (s *ledgerState) theEventBusIsUnreachable() error {
	s.bus.SetUnreachable(true)
	return nil
}

func (s *ledgerState) theEventBusBecomesReachable() error {
	s.bus.SetUnreachable(false)
	return nil
}

func (s *ledgerState) theOutboxRecordForIs(token, status string) error {
	txID, ok := s.txIDs[token]
	if !ok {
		return fmt.Errorf("no transaction tracked for token %q", token)
	}
	rec, found := s.findOutboxByAggregate(txID)
	if !found {
		return fmt.Errorf("no outbox record found for transaction %s", txID)
	}
	if string(rec.Status) != status {
		return fmt.Errorf("expected outbox status %s, got %s", status, rec.Status)
	}
	return nil
}

func (s *ledgerState) findOutboxByAggregate(txID domain.TransactionID) (domain.OutboxRecord, bool) {
	return s.store.OutboxByAggregate(txID.String())
}

func (s *ledgerState) thePublisherRunsUntilSettles(token string) error {
	txID, ok := s.txIDs[token]
	if !ok {
		return fmt.Errorf("no transaction tracked for token %q", token)
	}
	for i := 0; i < 20; i++ {
		s.pub.RunOnce(s.ctx)
		rec, found := s.findOutboxByAggregate(txID)
		if found && (rec.Status == domain.OutboxPublished || rec.Status == domain.OutboxFailed) {
			return nil
		}
	}
	return fmt.Errorf("outbox record for %q did not settle after 20 publisher runs", token)
}

func (s *ledgerState) thePublisherRunsNTimes(n int) error {
	for i := 0; i < n; i++ {
		s.pub.RunOnce(s.ctx)
	}
	return nil
}

func (s *ledgerState) theEventBusHasReceivedAMessageFor(token string) error {
	txID, ok := s.txIDs[token]
	if !ok {
		return fmt.Errorf("no transaction tracked for token %q", token)
	}
	for _, msg := range s.bus.Messages() {
		if msg.Key == txID.String() {
			return nil
		}
	}
	return fmt.Errorf("no message keyed by transaction id %s was published", txID)
}
