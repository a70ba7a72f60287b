package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
	"github.com/mmdatafocus/imei_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func TestEngineAgainstMySQLAndRedis(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })
	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("REDIS_CONNECT_MAX_ATTEMPTS", "10")
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "imei_test")
	t.Setenv("DB_CONNECT_MAX_ATTEMPTS", "10")

	if err := config.ConnectDatabaseWithRetry(); err != nil {
		t.Fatalf("connect database: %v", err)
	}
	if err := config.ConnectRedisWithRetry(); err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	db := config.GetDB()
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ident := func(n int) string { return fmt.Sprintf("3569380356438%02d", n) }
	parentP := seedParent(t, db, "Phone P", 3)
	parentQ := seedParent(t, db, "Phone Q", 1)
	for i := 1; i <= 3; i++ {
		seedVariantUnit(t, db, parentP, ident(i))
	}
	later := time.Now().UTC().Add(time.Hour)
	seedLegacyUnit(t, db, parentQ, ident(2), &later)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	deps := workflow.DepsFromStores(models.NewStores(db, config.GetDatastoreBreaker(models.IsConnectivityError)))
	deps.Locker = workflow.NewMySQLRunLocker(db)
	deps.Cache = workflow.NewRedisStatusCache(time.Minute)
	deps.Deduper = workflow.NewGormDeduper(db)
	engine := workflow.NewEngine(deps,
		workflow.WithLogger(logger),
		workflow.WithSettings(config.EngineSettings{
			Workers:       4,
			SyncDirection: config.SyncVariantToLegacy,
			LockTTL:       time.Minute,
		}),
	)

	first, err := engine.Run(ctx, workflow.RunOptions{Trigger: models.RunTriggerManual})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Counts.Duplicate != 1 || first.ParentsCorrected != 1 {
		t.Fatalf("first run report: %+v", first)
	}
	var p models.ProductVariant
	if err := db.Where("id = ?", parentP).First(&p).Error; err != nil {
		t.Fatal(err)
	}
	if p.Quantity != 2 {
		t.Fatalf("parent P quantity = %d, want 2", p.Quantity)
	}
	var copies int64
	db.Model(&models.InventoryItem{}).Where("sync_identity IS NOT NULL").Count(&copies)
	if copies != 2 {
		t.Fatalf("legacy copies = %d, want 2", copies)
	}

	st, err := engine.GetValidationStatus(ctx, ident(2))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != serial.StatusValid || st.SourceTable != models.TableInventoryItems || st.DuplicateCount != 1 {
		t.Fatalf("status of the contested identifier: %+v", st)
	}

	second, err := engine.Run(ctx, workflow.RunOptions{Trigger: models.RunTriggerManual})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.ParentsCorrected != 0 || second.Sync.Copied != 0 || second.UnitStatesChanged != 0 {
		t.Fatalf("second run should change nothing: %+v", second)
	}
	if second.LedgerFingerprint != first.LedgerFingerprint {
		t.Fatalf("ledger fingerprint changed between identical runs")
	}

	redisLocker := workflow.NewRedisRunLocker(config.GetRedisLock())
	release, err := redisLocker.Obtain(ctx, "imei-engine:run", time.Minute)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if _, err := redisLocker.Obtain(ctx, "imei-engine:run", time.Minute); !errors.Is(err, workflow.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	release()
}

func seedParent(t *testing.T, db *gorm.DB, name string, qty int) string {
	t.Helper()
	row := models.ProductVariant{
		ID:           uuid.NewString(),
		ProductId:    uuid.NewString(),
		VariantType:  models.VariantTypeParent,
		Name:         name,
		Sku:          strings.ToUpper(strings.ReplaceAll(name, " ", "-")),
		Quantity:     qty,
		IsActive:     true,
		IsSerialized: true,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed parent: %v", err)
	}
	return row.ID
}

func seedVariantUnit(t *testing.T, db *gorm.DB, parentId, identifier string) {
	t.Helper()
	row := models.ProductVariant{
		ID:              uuid.NewString(),
		ProductId:       uuid.NewString(),
		ParentVariantId: &parentId,
		VariantType:     models.VariantTypeIMEI,
		Identifier:      &identifier,
		Status:          models.UnitStatusActive,
		IsActive:        true,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed variant unit: %v", err)
	}
}

func seedLegacyUnit(t *testing.T, db *gorm.DB, parentId, identifier string, lastActivity *time.Time) {
	t.Helper()
	row := models.InventoryItem{
		ID:             uuid.NewString(),
		ProductId:      uuid.NewString(),
		VariantId:      &parentId,
		SerialNumber:   &identifier,
		Status:         models.UnitStatusActive,
		LastActivityAt: lastActivity,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed legacy unit: %v", err)
	}
}
