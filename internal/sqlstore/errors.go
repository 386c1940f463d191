package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/kuitang/notebook-sync/internal/errs"
)

func invalid(format string, args ...any) error {
	return errs.Invalid(fmt.Sprintf(format, args...))
}

// classify maps driver errors onto the remote error taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var coded *errs.Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.NotFound, op+": record not found", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.Unavailable, op+": request cancelled", err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return errs.Wrap(errs.AlreadyExists, op+": duplicate record", err)
		case sqlite3.ErrConstraintForeignKey:
			return errs.Wrap(errs.FailedPrecondition, op+": related record missing", err)
		case sqlite3.ErrConstraintNotNull, sqlite3.ErrConstraintCheck:
			return errs.Wrap(errs.InvalidArgument, op+": invalid record", err)
		}
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errs.Wrap(errs.Unavailable, op+": database busy", err)
		case sqlite3.ErrConstraint:
			return errs.Wrap(errs.FailedPrecondition, op+": constraint failed", err)
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return errs.Wrap(errs.PermissionDenied, op+": not permitted", err)
		}
	}
	return errs.Wrap(errs.Internal, op+": storage error", err)
}
