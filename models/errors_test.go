package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sony/gobreaker"
)

func TestIsConnectivityError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"breaker open", gobreaker.ErrOpenState, true},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"too many connections", &mysqlDriver.MySQLError{Number: 1040}, true},
		{"sentinel", fmt.Errorf("wrapped: %w", ErrDatastoreUnavailable), true},
		{"duplicate key", &mysqlDriver.MySQLError{Number: 1062}, false},
		{"not found", ErrUnitNotFound, false},
	}
	for _, tc := range cases {
		if got := IsConnectivityError(tc.err); got != tc.want {
			t.Fatalf("%s: IsConnectivityError = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	if !IsDuplicateKeyErr(fmt.Errorf("insert: %w", &mysqlDriver.MySQLError{Number: 1062})) {
		t.Fatalf("1062 should be a duplicate key error")
	}
	if IsDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213}) {
		t.Fatalf("deadlock is not a duplicate key error")
	}
}

func TestStoreFromTable(t *testing.T) {
	for in, want := range map[string]StoreOrigin{
		"inventory_items":       StoreLegacy,
		"legacy":                StoreLegacy,
		"product_variants":      StoreVariant,
		"lats_product_variants": StoreVariant,
		" VARIANT ":             StoreVariant,
	} {
		got, ok := StoreFromTable(in)
		if !ok || got != want {
			t.Fatalf("StoreFromTable(%q) = %s,%v", in, got, ok)
		}
	}
	if _, ok := StoreFromTable("orders"); ok {
		t.Fatalf("unknown table should not resolve")
	}
}
