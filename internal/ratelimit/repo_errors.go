package ratelimit

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	return pgErr.Code
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

func isCheckViolation(err error) bool {
	return pgCode(err) == pgCheckViolation
}
