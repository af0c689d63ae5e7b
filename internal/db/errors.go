package db

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/visioncare/eyecare-scheduling/internal/apperr"
)

// Unavailable reports whether err means Postgres could not be reached, dropped
// the connection, or asked the client to retry, as opposed to rejecting the
// statement itself.
func Unavailable(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableCode(pgErr.Code)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr), errors.As(err, &netErr):
		return true
	case pgconn.SafeToRetry(err), pgconn.Timeout(err):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}

// retryableCode covers connection exceptions (class 08), insufficient
// resources (class 53), server shutdown and the two concurrency aborts.
func retryableCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		return true
	case code == "57P01", code == "57P02", code == "57P03":
		return true
	case code == "40001", code == "40P01":
		return true
	}
	return false
}

// StoreError wraps a Postgres failure with op. Connectivity failures are
// marked apperr.ErrTransient; statement errors are wrapped as-is.
func StoreError(op string, err error) error {
	if err == nil || errors.Is(err, apperr.ErrTransient) {
		return err
	}
	if Unavailable(err) {
		return apperr.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
