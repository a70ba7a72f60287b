package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
)

func validated(state serial.Status) unitOpt {
	return func(u *models.SerializedUnit) {
		u.ValidationState = state
		if state == serial.StatusValid {
			u.ValidationReason = serial.ReasonOK
		}
	}
}

func TestSyncValidUnits_CopiesOnceAndLinksOrigin(t *testing.T) {
	w := newMemWorld()
	w.addParent("P", 1, true)
	w.addUnit(models.StoreVariant, "v1", imei(1), withParent("P"), validated(serial.StatusValid))
	e := newTestEngine(t, w)

	res, skips, err := e.SyncValidUnits(context.Background())
	if err != nil || len(skips) != 0 {
		t.Fatalf("sync: %v %v", err, skips)
	}
	if res.Copied != 1 {
		t.Fatalf("copied %d, want 1", res.Copied)
	}
	legacy := w.unitsIn(models.StoreLegacy)
	if len(legacy) != 1 {
		t.Fatalf("legacy rows %d, want 1", len(legacy))
	}
	cp := legacy[0]
	origin := w.unit(models.StoreVariant, "v1")
	if cp.LinkKey == nil || origin.LinkKey == nil || *cp.LinkKey != *origin.LinkKey {
		t.Fatalf("copy and origin must share a link key")
	}
	if cp.SyncIdentity == nil || *cp.SyncIdentity != imei(1) || cp.ParentId() != "P" {
		t.Fatalf("unexpected copy %+v", cp)
	}

	res, _, err = e.SyncValidUnits(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Copied != 0 || res.SkippedAlreadyPresent != 1 {
		t.Fatalf("second sync result %+v", res)
	}
	if len(w.unitsIn(models.StoreLegacy)) != 1 {
		t.Fatalf("second sync created another row")
	}
}

func TestSyncValidUnits_QuarantinedUnitsStay(t *testing.T) {
	w := newMemWorld()
	w.addUnit(models.StoreVariant, "bad", "12345", validated(serial.StatusInvalid))
	w.addUnit(models.StoreVariant, "dup", imei(2), validated(serial.StatusDuplicate))
	w.addUnit(models.StoreVariant, "none", "", validated(serial.StatusEmpty))
	w.addUnit(models.StoreVariant, "unchecked", imei(3))
	e := newTestEngine(t, w)

	res, _, err := e.SyncValidUnits(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Copied != 0 || res.SkippedInvalid != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(w.unitsIn(models.StoreLegacy)) != 0 {
		t.Fatalf("quarantined units leaked into the legacy store")
	}
}

func TestSyncValidUnits_ConcurrentRunsNeverDuplicateTargetRows(t *testing.T) {
	w := newMemWorld()
	w.addParent("P", 20, true)
	for i := 1; i <= 20; i++ {
		w.addUnit(models.StoreVariant, imei(i), imei(i), withParent("P"), validated(serial.StatusValid))
	}
	e := newTestEngine(t, w)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := e.SyncValidUnits(context.Background()); err != nil {
				t.Errorf("sync: %v", err)
			}
		}()
	}
	wg.Wait()

	perIdent := map[string]int{}
	for _, u := range w.unitsIn(models.StoreLegacy) {
		perIdent[u.NormalizedIdentifier()]++
	}
	if len(perIdent) != 20 {
		t.Fatalf("expected 20 identifiers in legacy store, got %d", len(perIdent))
	}
	for ident, n := range perIdent {
		if n != 1 {
			t.Fatalf("identifier %s has %d legacy rows", ident, n)
		}
	}
}

func TestSyncValidUnits_AdoptsUnlinkedTwin(t *testing.T) {
	w := newMemWorld()
	w.addParent("P", 1, true)
	w.addUnit(models.StoreVariant, "v1", imei(1), withParent("P"), validated(serial.StatusValid))
	w.addUnit(models.StoreLegacy, "l1", imei(1), withParent("P"), validated(serial.StatusValid))
	e := newTestEngine(t, w)

	res, _, err := e.SyncValidUnits(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Copied != 0 || res.Linked != 1 || res.SkippedAlreadyPresent != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	v, l := w.unit(models.StoreVariant, "v1"), w.unit(models.StoreLegacy, "l1")
	if v.LinkKey == nil || l.LinkKey == nil || *v.LinkKey != *l.LinkKey {
		t.Fatalf("twins should share a link key")
	}
}

func TestSyncValidUnits_PresentUnderOtherParentIsNotAdopted(t *testing.T) {
	w := newMemWorld()
	w.addUnit(models.StoreVariant, "v1", imei(1), withParent("P"), validated(serial.StatusValid))
	w.addUnit(models.StoreLegacy, "l1", imei(1), withParent("Q"), validated(serial.StatusDuplicate))
	e := newTestEngine(t, w)

	res, _, err := e.SyncValidUnits(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Linked != 0 || res.SkippedAlreadyPresent != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if w.unit(models.StoreVariant, "v1").LinkKey != nil {
		t.Fatalf("unrelated records must not be linked")
	}
}

func TestSyncValidUnits_LegacyToVariant(t *testing.T) {
	w := newMemWorld()
	w.addUnit(models.StoreLegacy, "l1", imei(1), withParent("P"), validated(serial.StatusValid))
	w.addUnit(models.StoreVariant, "v9", imei(9), withParent("P"), validated(serial.StatusValid))
	e := newTestEngine(t, w)
	e.settings.SyncDirection = config.SyncLegacyToVariant

	res, _, err := e.SyncValidUnits(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Copied != 1 || res.Direction != config.SyncLegacyToVariant {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(w.unitsIn(models.StoreVariant)) != 2 || len(w.unitsIn(models.StoreLegacy)) != 1 {
		t.Fatalf("copy went the wrong way")
	}
}

func TestSyncValidUnits_ConnectivityIsFatal(t *testing.T) {
	w := newMemWorld()
	w.addUnit(models.StoreVariant, "v1", imei(1), validated(serial.StatusValid))
	w.failOn("legacy.FindByIdentifiers", errDatastoreDown)
	e := newTestEngine(t, w)

	if _, _, err := e.SyncValidUnits(context.Background()); !isConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}
