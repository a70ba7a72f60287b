package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
)

func child(store models.StoreOrigin, id, identifier string, state serial.Status, status models.UnitStatus) models.SerializedUnit {
	u := models.SerializedUnit{Id: id, Store: store, Status: status, ValidationState: state}
	if identifier != "-" {
		u.Identifier = strPtr(identifier)
	}
	return u
}

func TestCountActiveChildren(t *testing.T) {
	active, sold := models.UnitStatusActive, models.UnitStatusSold
	tests := []struct {
		name     string
		children []models.SerializedUnit
		want     int
	}{
		{"none", nil, 0},
		{"distinct valid", []models.SerializedUnit{
			child(models.StoreVariant, "a", imei(1), serial.StatusValid, active),
			child(models.StoreVariant, "b", imei(2), serial.StatusValid, active),
		}, 2},
		{"mirror counted once", []models.SerializedUnit{
			child(models.StoreVariant, "a", imei(1), serial.StatusValid, active),
			child(models.StoreLegacy, "a2", " "+imei(1), serial.StatusValid, active),
		}, 1},
		{"duplicates excluded", []models.SerializedUnit{
			child(models.StoreVariant, "a", imei(1), serial.StatusValid, active),
			child(models.StoreVariant, "b", imei(2), serial.StatusDuplicate, active),
		}, 1},
		{"sold excluded", []models.SerializedUnit{
			child(models.StoreVariant, "a", imei(1), serial.StatusValid, sold),
		}, 0},
		{"invalid still counts", []models.SerializedUnit{
			child(models.StoreVariant, "a", "12345", serial.StatusInvalid, active),
		}, 1},
		{"empty identifiers count individually", []models.SerializedUnit{
			child(models.StoreVariant, "a", "", serial.StatusEmpty, active),
			child(models.StoreLegacy, "b", "-", serial.StatusEmpty, active),
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountActiveChildren(tt.children, storedState); got != tt.want {
				t.Fatalf("CountActiveChildren() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReconcile_CorrectsDriftWithAuditRow(t *testing.T) {
	w := newMemWorld()
	w.addParent("P", 7, true)
	w.addUnit(models.StoreVariant, "a", imei(1), withParent("P"), validated(serial.StatusValid))
	w.addUnit(models.StoreVariant, "b", imei(2), withParent("P"), validated(serial.StatusDuplicate))
	w.addUnit(models.StoreLegacy, "c", imei(3), withParent("P"), validated(serial.StatusValid))
	e := newTestEngine(t, w)

	res, err := e.Reconcile(context.Background(), "P")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	want := ReconcileResult{ParentId: "P", PreviousQuantity: 7, CorrectedQuantity: 2, ChildCount: 2, Drift: -5}
	if res != want {
		t.Fatalf("Reconcile() = %+v, want %+v", res, want)
	}
	p := w.parent("P")
	if p.DeclaredQuantity != 2 || p.LastReconciledAt == nil {
		t.Fatalf("parent not updated: %+v", p)
	}
	drifts := w.driftRows()
	if len(drifts) != 1 || drifts[0].Drift() != -5 {
		t.Fatalf("unexpected drift rows %+v", drifts)
	}

	again, err := e.Reconcile(context.Background(), "P")
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if again.Drift != 0 || len(w.driftRows()) != 1 {
		t.Fatalf("second reconcile drifted: %+v", again)
	}
}

func TestReconcile_BulkParentIsLeftAlone(t *testing.T) {
	w := newMemWorld()
	w.addParent("BULK", 40, false)
	e := newTestEngine(t, w)

	res, err := e.Reconcile(context.Background(), "BULK")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.NotSerialized || res.CorrectedQuantity != 40 || res.Drift != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if w.parent("BULK").DeclaredQuantity != 40 || len(w.driftRows()) != 0 {
		t.Fatalf("bulk parent was modified")
	}
}

func TestReconcile_SerializedParentWithNoActiveChildrenGoesToZero(t *testing.T) {
	w := newMemWorld()
	w.addParent("P", 3, true)
	w.addUnit(models.StoreVariant, "a", imei(1), withParent("P"), withStatus(models.UnitStatusSold))
	e := newTestEngine(t, w)

	res, err := e.Reconcile(context.Background(), "P")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.CorrectedQuantity != 0 || w.parent("P").DeclaredQuantity != 0 {
		t.Fatalf("serialized parent with only sold children should be 0, got %+v", res)
	}
}

func TestReconcile_MissingParent(t *testing.T) {
	e := newTestEngine(t, newMemWorld())
	if _, err := e.Reconcile(context.Background(), "nope"); !errors.Is(err, models.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
}

func TestReconcileAll_ReconcilesEverySerializedParent(t *testing.T) {
	w := newMemWorld()
	for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
		w.addParent(id, 9, true)
		w.addUnit(models.StoreVariant, id+"-1", imei(len(w.parents)), withParent(id))
	}
	w.addParent("BULK", 9, false)
	e := newTestEngine(t, w)

	results, skips, err := e.ReconcileAll(context.Background())
	if err != nil || len(skips) != 0 {
		t.Fatalf("reconcile all: %v %v", err, skips)
	}
	if len(results) != 6 {
		t.Fatalf("reconciled %d parents, want 6", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].ParentId > results[i].ParentId {
			t.Fatalf("results not sorted by parent id")
		}
	}
	for _, r := range results {
		if r.CorrectedQuantity != 1 {
			t.Fatalf("parent %s corrected to %d, want 1", r.ParentId, r.CorrectedQuantity)
		}
	}
	if w.parent("BULK").DeclaredQuantity != 9 {
		t.Fatalf("bulk parent touched")
	}
}

func TestReconcileAll_ConnectivityIsFatal(t *testing.T) {
	w := newMemWorld()
	w.addParent("A", 1, true)
	w.failOn("parents.WithParentLock", errDatastoreDown)
	e := newTestEngine(t, w)

	if _, _, err := e.ReconcileAll(context.Background()); !isConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
}

func TestReconcileAll_RowFailureIsSkipped(t *testing.T) {
	w := newMemWorld()
	w.addParent("A", 1, true)
	w.addParent("B", 5, true)
	w.failOn("parents.UpdateDeclaredQuantity", errors.New("Error 1264: Out of range value"))
	e := newTestEngine(t, w)

	results, skips, err := e.ReconcileAll(context.Background())
	if err != nil {
		t.Fatalf("row failures must not be fatal: %v", err)
	}
	if len(results) != 0 || len(skips) != 2 {
		t.Fatalf("results %+v skips %+v", results, skips)
	}
	if skips[0].Code != CodeRowWriteFailed || skips[0].EntityId != "A" {
		t.Fatalf("unexpected skip %+v", skips[0])
	}
}
