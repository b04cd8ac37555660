package postgres

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"ledger/internal/ledger/domain"
)

// postgresUniqueViolation is the SQLSTATE code Postgres raises for a
// unique-constraint violation.
const postgresUniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint violation
// on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == postgresUniqueViolation && pgErr.ConstraintName == constraint
}

// outboxRowScanner is satisfied by pgx.Rows during iteration.
type outboxRowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRow(row outboxRowScanner) (domain.OutboxRecord, error) {
	var (
		id, aggregateID, aggregateType, eventType, topic, status string
		payload                                                  []byte
		retryCount, maxRetries                                   int
		nextRetryAt, processingAt, publishedAt                   *time.Time
		lastError                                                *string
		createdAt                                                time.Time
	)
	if err := row.Scan(
		&id, &aggregateID, &aggregateType, &eventType, &payload, &topic,
		&status, &retryCount, &maxRetries, &nextRetryAt, &processingAt,
		&publishedAt, &lastError, &createdAt,
	); err != nil {
		return domain.OutboxRecord{}, err
	}

	rec := domain.OutboxRecord{
		ID:            domain.OutboxID(id),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
		Topic:         topic,
		Status:        domain.OutboxStatus(status),
		RetryCount:    retryCount,
		MaxRetries:    maxRetries,
		NextRetryAt:   nextRetryAt,
		ClaimedAt:     processingAt,
		PublishedAt:   publishedAt,
		CreatedAt:     createdAt,
	}
	if lastError != nil {
		rec.LastError = *lastError
	}
	return rec, nil
}
