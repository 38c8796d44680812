package sqladapter

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
)

// classifyDBError maps a raw driver error onto the platform error taxonomy.
// database/sql drivers share no typed errors, so matching is by message
// plus the engine error codes for postgres and mysql.
func classifyDBError(err error, d dialect, operation, query string) error {
	if err == nil {
		return nil
	}
	var pre *errhandling.ClassifiedError
	if errors.As(err, &pre) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())

	var out *errhandling.ClassifiedError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeoutMessage(msg):
		out = errhandling.NewTimeoutError(operation+" timed out", err)
	case errors.Is(err, driver.ErrBadConn) || isConnectionMessage(msg):
		out = errhandling.NewNetworkError("connection failed or lost", err)
	case isDuplicateKeyMessage(msg, d):
		out = errhandling.NewDuplicateKeyError("unique constraint violation: duplicate value exists", err)
	case isConstraintMessage(msg, d):
		out = errhandling.NewValidationError(constraintMessage(msg), err)
	case isLockMessage(msg, d):
		out = errhandling.NewSystemError("lock contention or deadlock detected", err)
	case isSyntaxMessage(msg, d):
		out = errhandling.NewValidationError("invalid query syntax", err)
	case isSchemaMessage(msg):
		out = errhandling.NewValidationError("unknown table or column", err)
	default:
		out = errhandling.Classify(err)
	}
	out.Context = queryContext(d, operation, query)
	return out
}

func queryContext(d dialect, operation, query string) map[string]interface{} {
	ctx := map[string]interface{}{
		"adapter":   d.kind,
		"operation": operation,
	}
	if query != "" {
		ctx["query"] = sanitizeQuery(query)
	}
	return ctx
}

// sanitizeQuery truncates long statements for error context. Bind arguments
// never enter the message.
func sanitizeQuery(query string) string {
	if len(query) > 500 {
		return query[:500] + "... (truncated)"
	}
	return query
}

func containsAny(msg string, indicators []string) bool {
	for _, ind := range indicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}

var timeoutIndicators = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"context deadline",
}

func isTimeoutMessage(msg string) bool { return containsAny(msg, timeoutIndicators) }

var connectionIndicators = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"connection closed",
	"broken pipe",
	"bad connection",
	"invalid connection",
	"unexpected eof",
	"server closed",
	"dial tcp",
	"connect: ",
	"cannot assign requested address",
	"too many open files",
}

func isConnectionMessage(msg string) bool { return containsAny(msg, connectionIndicators) }

var duplicateIndicators = []string{
	"unique constraint",
	"duplicate key",
	"duplicate entry",
	"violates unique",
}

func isDuplicateKeyMessage(msg string, d dialect) bool {
	if containsAny(msg, duplicateIndicators) {
		return true
	}
	switch d.kind {
	case KindPostgres:
		return strings.Contains(msg, "23505")
	case KindMySQL:
		return strings.Contains(msg, "1062")
	}
	return false
}

var constraintIndicators = []string{
	"violates foreign key",
	"foreign key constraint",
	"violates check constraint",
	"check constraint",
	"violates not-null",
	"not null constraint",
	"cannot be null",
	"integrity constraint",
	"constraint violation",
	"constraint failed",
}

func isConstraintMessage(msg string, d dialect) bool {
	if containsAny(msg, constraintIndicators) {
		return true
	}
	switch d.kind {
	case KindPostgres:
		return containsAny(msg, []string{"23000", "23001", "23502", "23503", "23514", "23p01"})
	case KindMySQL:
		return containsAny(msg, []string{"1216", "1217", "1451", "1452"})
	}
	return false
}

var lockIndicators = []string{
	"deadlock",
	"lock wait timeout",
	"serialization failure",
	"could not serialize",
	"database is locked",
	"database table is locked",
}

func isLockMessage(msg string, d dialect) bool {
	if containsAny(msg, lockIndicators) {
		return true
	}
	switch d.kind {
	case KindPostgres:
		return strings.Contains(msg, "40001") || strings.Contains(msg, "40p01")
	case KindMySQL:
		return strings.Contains(msg, "1213")
	}
	return false
}

var syntaxIndicators = []string{
	"syntax error",
	"parse error",
	`near "`,
	"at or near",
}

func isSyntaxMessage(msg string, d dialect) bool {
	if containsAny(msg, syntaxIndicators) {
		return true
	}
	switch d.kind {
	case KindPostgres:
		return strings.Contains(msg, "42601")
	case KindMySQL:
		return strings.Contains(msg, "1064")
	}
	return false
}

var schemaIndicators = []string{
	"no such table",
	"no such column",
	"does not exist",
	"doesn't exist",
	"unknown column",
	"unknown table",
}

func isSchemaMessage(msg string) bool { return containsAny(msg, schemaIndicators) }

func constraintMessage(msg string) string {
	switch {
	case strings.Contains(msg, "foreign key"):
		return "foreign key constraint violation: referenced row missing or still referenced"
	case strings.Contains(msg, "not-null"), strings.Contains(msg, "not null"), strings.Contains(msg, "cannot be null"):
		return "not-null constraint violation: required column is null"
	case strings.Contains(msg, "check constraint"):
		return "check constraint violation: value does not meet requirements"
	default:
		return "constraint violation"
	}
}
