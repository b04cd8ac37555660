package domain

import "github.com/google/uuid"

// AccountID uniquely identifies an Account.
type AccountID string

// NewAccountID generates a new opaque account identifier.
func NewAccountID() AccountID {
	return AccountID(uuid.NewString())
}

func (id AccountID) String() string { return string(id) }

// IsEmpty reports whether id has no value.
func (id AccountID) IsEmpty() bool { return id == "" }

// TransactionID uniquely identifies a Transaction.
type TransactionID string

// NewTransactionID generates a new opaque transaction identifier.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

func (id TransactionID) String() string { return string(id) }

func (id TransactionID) IsEmpty() bool { return id == "" }

// PostingID uniquely identifies a Posting (transaction entry).
type PostingID string

// NewPostingID generates a new opaque posting identifier.
func NewPostingID() PostingID {
	return PostingID(uuid.NewString())
}

func (id PostingID) String() string { return string(id) }

// OutboxID uniquely identifies an Outbox record.
type OutboxID string

// NewOutboxID generates a new opaque outbox record identifier.
func NewOutboxID() OutboxID {
	return OutboxID(uuid.NewString())
}

func (id OutboxID) String() string { return string(id) }

// compareAccountIDs returns -1, 0, or 1 following the natural byte ordering
// of the two ids, establishing the canonical lock order used by the
// transfer engine to make deadlock impossible.
func compareAccountIDs(a, b AccountID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// OrderAccountPair returns (first, second) in canonical lock order: the
// lexicographically lesser id first.
func OrderAccountPair(a, b AccountID) (first, second AccountID) {
	if compareAccountIDs(a, b) <= 0 {
		return a, b
	}
	return b, a
}
