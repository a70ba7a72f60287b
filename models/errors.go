package models

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"syscall"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sony/gobreaker"
)

var (
	ErrParentNotFound = errors.New("parent sku not found")
	ErrUnitNotFound   = errors.New("serialized unit not found")
	ErrRunNotFound    = errors.New("reconciliation run not found")
	ErrLedgerNotFound = errors.New("identifier not in validation ledger")
	// ErrAlreadyPresent is returned when a copy collides with an existing target row.
	ErrAlreadyPresent = errors.New("identifier already present in target store")
	// ErrDatastoreUnavailable marks errors that mean the datastore cannot be reached.
	ErrDatastoreUnavailable = errors.New("datastore unavailable")
)

func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// IsConnectivityError reports whether err means the datastore is unreachable,
// as opposed to a problem with one row.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatastoreUnavailable) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysqlDriver.ErrInvalidConn) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1040, 1045, 1049, 1053, 1129, 1152, 1153, 1159, 1160, 1161:
			return true
		}
	}
	return false
}
