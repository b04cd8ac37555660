// Package engine implements the transfer engine: validation, lock
// ordering, double-entry posting, and outbox staging, all inside one
// explicit unit of work.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledger/internal/common/logging"
	"ledger/internal/common/metrics"
	"ledger/internal/common/types"
	"ledger/internal/ledger/domain"
)

// defaultMaxRetries is the outbox retry budget staged for every new event.
const defaultMaxRetries = 5

// CreateTransferRequest carries the fields of a single transfer request.
type CreateTransferRequest struct {
	DeduplicationToken   string
	SourceAccountID      domain.AccountID
	DestinationAccountID domain.AccountID
	Amount               string // decimal string, parsed and validated here
	Currency             string
	Description          string
}

// CreateTransferResult is returned on success. A replayed deduplication
// token yields an AlreadyExists error instead (see CreateTransfer).
type CreateTransferResult struct {
	TransactionID domain.TransactionID
	Status        domain.TransactionStatus
	BookedAt      time.Time
}

// BalanceResult is the non-locking read result for GetBalance.
type BalanceResult struct {
	AccountID domain.AccountID
	Currency  string
	Balance   types.Money
	Version   int64
}

// Engine is the transfer engine. It holds no mutable state beyond
// its dependencies, which are passed in explicitly to keep it testable
// against both the Postgres-backed store and the in-memory store.
type Engine struct {
	store             domain.Store
	transactionsTopic string
	maxRetries        int
}

// New constructs an Engine over the given store, staging outbox events
// on the given topic.
func New(store domain.Store, transactionsTopic string) *Engine {
	return &Engine{
		store:             store,
		transactionsTopic: transactionsTopic,
		maxRetries:        defaultMaxRetries,
	}
}

// WithOutboxMaxRetries overrides the retry budget staged on every new
// outbox record.
func (e *Engine) WithOutboxMaxRetries(n int) *Engine {
	if n > 0 {
		e.maxRetries = n
	}
	return e
}

// CreateTransfer validates the request, orders locks canonically,
// applies the balance deltas, persists the transaction and its two
// postings, and stages one outbox row — all inside one unit of work.
//
// A repeated call with a previously-committed deduplication token fails
// with domain.ErrAlreadyExists (wrapping *domain.AlreadyExistsError
// carrying the original transaction id); it is the caller's choice
// whether to surface that as an idempotent success.
func (e *Engine) CreateTransfer(ctx context.Context, req CreateTransferRequest) (CreateTransferResult, error) {
	start := time.Now()
	defer func() { metrics.RecordTransferDuration(time.Since(start)) }()

	// Step 1: fast idempotency pre-check, outside any transaction.
	if existing, found, err := e.store.FindByDeduplicationToken(ctx, req.DeduplicationToken); err != nil {
		metrics.RecordTransferCreated("internal_error")
		return CreateTransferResult{}, fmt.Errorf("checking deduplication token: %w", domain.ErrInternal)
	} else if found {
		metrics.RecordIdempotencyCacheHit()
		metrics.RecordTransferCreated("already_exists")
		return CreateTransferResult{}, fmt.Errorf("token %s: %w", logging.MaskID(req.DeduplicationToken), domain.NewAlreadyExistsError(existing.ID))
	}

	// Step 2: parse and validate inputs.
	amount, err := parseTransferAmount(req)
	if err != nil {
		metrics.RecordTransferCreated("invalid_argument")
		return CreateTransferResult{}, err
	}
	if req.SourceAccountID.IsEmpty() || req.DestinationAccountID.IsEmpty() {
		metrics.RecordTransferCreated("invalid_argument")
		return CreateTransferResult{}, fmt.Errorf("source and destination account ids are required: %w", domain.ErrInvalidArgument)
	}
	if req.SourceAccountID == req.DestinationAccountID {
		metrics.RecordTransferCreated("invalid_argument")
		return CreateTransferResult{}, fmt.Errorf("self-transfer is not allowed: %w", domain.ErrInvalidArgument)
	}
	if req.DeduplicationToken == "" {
		metrics.RecordTransferCreated("invalid_argument")
		return CreateTransferResult{}, fmt.Errorf("deduplication token is required: %w", domain.ErrInvalidArgument)
	}

	// Step 3: canonical lock order eliminates circular wait across callers.
	first, second := domain.OrderAccountPair(req.SourceAccountID, req.DestinationAccountID)

	// Step 4: open a unit of work.
	uowStart := time.Now()
	uow, err := e.store.Begin(ctx)
	if err != nil {
		metrics.RecordTransferCreated("internal_error")
		return CreateTransferResult{}, fmt.Errorf("opening unit of work: %w", domain.ErrInternal)
	}
	committed := false
	defer func() {
		if !committed {
			_ = uow.Rollback(ctx)
		}
	}()

	// Step 5: lock both accounts in canonical order.
	lockStart := time.Now()
	firstAcct, err := e.store.LockAccount(ctx, uow, first)
	if err != nil {
		metrics.RecordTransferCreated("not_found")
		return CreateTransferResult{}, fmt.Errorf("locking account %s: %w", logging.MaskID(first.String()), err)
	}
	secondAcct, err := e.store.LockAccount(ctx, uow, second)
	if err != nil {
		metrics.RecordTransferCreated("not_found")
		return CreateTransferResult{}, fmt.Errorf("locking account %s: %w", logging.MaskID(second.String()), err)
	}
	metrics.RecordLockWait("ledger_accounts", time.Since(lockStart))

	// Step 6: resolve which locked row is source and which is destination.
	var sourceAcct, destAcct domain.Account
	if firstAcct.ID == req.SourceAccountID {
		sourceAcct, destAcct = firstAcct, secondAcct
	} else {
		sourceAcct, destAcct = secondAcct, firstAcct
	}

	// Step 7: business validation under the locks.
	if sourceAcct.Balance.Currency != req.Currency || destAcct.Balance.Currency != req.Currency {
		metrics.RecordTransferCreated("invalid_argument")
		return CreateTransferResult{}, fmt.Errorf("account currency does not match request currency %s: %w", req.Currency, domain.ErrInvalidArgument)
	}

	// Step 8: apply balance deltas.
	newSource, err := sourceAcct.Debit(amount)
	if err != nil {
		metrics.RecordTransferCreated("insufficient_funds")
		return CreateTransferResult{}, fmt.Errorf("debiting account %s: %w", logging.MaskID(sourceAcct.ID.String()), err)
	}
	newDest, err := destAcct.Credit(amount)
	if err != nil {
		metrics.RecordTransferCreated("internal_error")
		return CreateTransferResult{}, fmt.Errorf("crediting account %s: %w", logging.MaskID(destAcct.ID.String()), err)
	}
	if err := e.store.SaveAccount(ctx, uow, newSource); err != nil {
		recordIfStaleVersion(err)
		return CreateTransferResult{}, fmt.Errorf("saving source account: %w", err)
	}
	if err := e.store.SaveAccount(ctx, uow, newDest); err != nil {
		recordIfStaleVersion(err)
		return CreateTransferResult{}, fmt.Errorf("saving destination account: %w", err)
	}

	// Step 9: insert the Transaction header and its two postings.
	txID := domain.NewTransactionID()
	bookedAt := time.Now().UTC()
	tx := domain.Transaction{
		ID:                   txID,
		DeduplicationToken:   req.DeduplicationToken,
		ExternalReference:    req.Description,
		Status:               domain.StatusPosted,
		BookedAt:             bookedAt,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               amount,
	}
	debit, credit := domain.NewPostingPair(txID, req.SourceAccountID, req.DestinationAccountID, amount)
	if err := e.store.InsertTransactionWithPostings(ctx, uow, tx, []domain.Posting{debit, credit}); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			metrics.RecordTransferCreated("already_exists")
		} else {
			metrics.RecordTransferCreated("internal_error")
		}
		return CreateTransferResult{}, fmt.Errorf("inserting transaction: %w", err)
	}

	// Step 10: stage exactly one outbox row in the same atomic unit.
	payload, err := json.Marshal(domain.TransactionCreatedPayload{
		TransactionID:  txID.String(),
		IdempotencyKey: req.DeduplicationToken,
		FromAccountID:  req.SourceAccountID.String(),
		ToAccountID:    req.DestinationAccountID.String(),
		Amount:         amount.Amount.StringFixed(4),
		Currency:       amount.Currency,
		Status:         string(domain.StatusPosted),
		BookedAt:       bookedAt.Format(time.RFC3339),
	})
	if err != nil {
		return CreateTransferResult{}, fmt.Errorf("serializing outbox payload: %w", domain.ErrInternal)
	}
	record := domain.NewTransactionOutboxRecord(txID, e.transactionsTopic, payload, e.maxRetries)
	if err := e.store.InsertOutbox(ctx, uow, record); err != nil {
		return CreateTransferResult{}, fmt.Errorf("inserting outbox record: %w", domain.ErrInternal)
	}

	// Step 11: commit. From this point the event will be published eventually.
	if err := uow.Commit(ctx); err != nil {
		return CreateTransferResult{}, fmt.Errorf("committing transfer: %w", domain.ErrInternal)
	}
	committed = true
	metrics.RecordTransactionDuration("create_transfer", time.Since(uowStart))

	metrics.RecordTransferCreated("posted")
	logging.InfoContext(ctx, "transfer posted",
		"transaction_id", logging.MaskID(txID.String()),
		"source_account_id", logging.MaskID(req.SourceAccountID.String()),
		"destination_account_id", logging.MaskID(req.DestinationAccountID.String()),
	)

	return CreateTransferResult{
		TransactionID: txID,
		Status:        domain.StatusPosted,
		BookedAt:      bookedAt,
	}, nil
}

// GetBalance is a non-locking read of an account's current balance.
func (e *Engine) GetBalance(ctx context.Context, id domain.AccountID) (BalanceResult, error) {
	acct, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return BalanceResult{}, fmt.Errorf("getting account %s: %w", logging.MaskID(id.String()), err)
	}
	return BalanceResult{
		AccountID: acct.ID,
		Currency:  acct.Balance.Currency,
		Balance:   acct.Balance,
		Version:   acct.Version,
	}, nil
}

// parseTransferAmount validates the amount string and currency code,
// returning the parsed Money value.
func parseTransferAmount(req CreateTransferRequest) (types.Money, error) {
	if len(req.Currency) != 3 {
		return types.Money{}, fmt.Errorf("currency must be a 3-letter code, got %q: %w", req.Currency, domain.ErrInvalidArgument)
	}
	for _, r := range req.Currency {
		if r < 'A' || r > 'Z' {
			return types.Money{}, fmt.Errorf("currency must be uppercase, got %q: %w", req.Currency, domain.ErrInvalidArgument)
		}
	}
	amount, err := types.NewMoneyFromString(req.Amount, req.Currency)
	if err != nil {
		return types.Money{}, fmt.Errorf("parsing amount %q: %w", req.Amount, domain.ErrInvalidArgument)
	}
	if !amount.IsPositive() {
		return types.Money{}, fmt.Errorf("amount must be strictly positive, got %s: %w", req.Amount, domain.ErrInvalidArgument)
	}
	if !amount.ScaleWithin(4) {
		return types.Money{}, fmt.Errorf("amount scale exceeds 4 decimal places, got %s: %w", req.Amount, domain.ErrInvalidArgument)
	}
	return amount, nil
}

// recordIfStaleVersion increments the optimistic-lock-conflict metric
// when a SaveAccount failure is a version mismatch, which should be rare
// given LockAccount's pessimistic guard.
func recordIfStaleVersion(err error) {
	if errors.Is(err, domain.ErrStaleVersion) {
		metrics.RecordOptimisticLockConflict("accounts")
	}
}
