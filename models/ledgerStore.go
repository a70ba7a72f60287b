package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/mmdatafocus/imei_backend/serial"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStore is the MySQL Validation Ledger.
type LedgerStore struct {
	gormStore
}

var ledgerUpdateColumns = []string{"status", "reason", "source_table", "source_id", "duplicate_count", "last_run_id", "last_checked_at"}

// Upsert writes records keyed by identifier; on conflict the incoming
// classification replaces the stored one.
func (s *LedgerStore) Upsert(ctx context.Context, records []ValidationRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.guard(func() error {
		return s.conn(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identifier"}},
			DoUpdates: clause.AssignmentColumns(ledgerUpdateColumns),
		}).CreateInBatches(records, 500).Error
	})
}

func (s *LedgerStore) Get(ctx context.Context, identifier string) (*ValidationRecord, error) {
	var rec ValidationRecord
	err := s.guard(func() error {
		return s.conn(ctx).Where("identifier = ?", serial.Normalize(identifier)).First(&rec).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *LedgerStore) Query(ctx context.Context, f LedgerFilter) ([]ValidationRecord, error) {
	var out []ValidationRecord
	err := s.guard(func() error {
		q := s.conn(ctx).Model(&ValidationRecord{})
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		if f.SourceTable != "" {
			q = q.Where("source_table = ?", f.SourceTable)
		}
		if f.Limit > 0 {
			q = q.Limit(f.Limit)
		}
		if f.Offset > 0 {
			q = q.Offset(f.Offset)
		}
		return q.Order("identifier").Find(&out).Error
	})
	return out, err
}

// Truncate empties the ledger ahead of a full re-validation.
func (s *LedgerStore) Truncate(ctx context.Context) error {
	return s.guard(func() error {
		return s.conn(ctx).Exec("TRUNCATE TABLE " + ValidationRecord{}.TableName()).Error
	})
}

func (s *LedgerStore) CountByStatus(ctx context.Context) (map[serial.Status]int, error) {
	type row struct {
		Status serial.Status
		Total  int
	}
	var rows []row
	err := s.guard(func() error {
		return s.conn(ctx).Model(&ValidationRecord{}).Select("status, COUNT(*) AS total").Group("status").Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make(map[serial.Status]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}

// Fingerprint hashes the ledger content in identifier order. Timestamps and run
// ids are left out so two runs over unchanged data hash the same.
func (s *LedgerStore) Fingerprint(ctx context.Context) (string, error) {
	h := sha256.New()
	err := s.guard(func() error {
		db := s.conn(ctx)
		rows, err := db.Model(&ValidationRecord{}).Order("identifier").Rows()
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r ValidationRecord
			if err := db.ScanRows(rows, &r); err != nil {
				return err
			}
			WriteLedgerFingerprint(h, r)
		}
		return rows.Err()
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteLedgerFingerprint writes the comparable fields of one ledger row.
func WriteLedgerFingerprint(w io.Writer, r ValidationRecord) {
	fmt.Fprintf(w, "%s|%s|%s|%s|%s|%d\n", r.Identifier, r.Status, r.Reason, r.SourceTable, r.SourceId, r.DuplicateCount)
}
