package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
)

// unitState is the validation state computed for one record in a run.
type unitState struct {
	State  serial.Status
	Reason string
}

// population is the in-memory view of every record a run looks at.
type population struct {
	units  []models.SerializedUnit
	byRef  map[string]models.SerializedUnit
	format map[string]serial.Classification
	// referenced parent ids, sorted
	parentIds []string
	// parents referenced by units but missing from the store
	missingParents map[string]bool

	resolutions map[string]serial.Resolution
	states      map[string]unitState
}

func (e *Engine) loadPopulation(ctx context.Context, scope string) (*population, error) {
	p := &population{
		byRef:          map[string]models.SerializedUnit{},
		format:         map[string]serial.Classification{},
		missingParents: map[string]bool{},
	}
	for _, s := range []UnitStore{e.variant, e.legacy} {
		units, err := s.ListUnits(ctx, models.UnitFilter{Identifier: scope})
		if err != nil {
			return nil, fmt.Errorf("list %s units: %w", s.Origin(), err)
		}
		p.units = append(p.units, units...)
	}
	sort.Slice(p.units, func(i, j int) bool {
		return p.units[i].Ref() < p.units[j].Ref()
	})

	parents := map[string]struct{}{}
	for _, u := range p.units {
		p.byRef[u.Ref()] = u
		p.format[u.Ref()] = serial.ClassifyPtr(u.Identifier)
		if pid := u.ParentId(); pid != "" {
			parents[pid] = struct{}{}
		}
	}
	for pid := range parents {
		p.parentIds = append(p.parentIds, pid)
	}
	sort.Strings(p.parentIds)
	return p, nil
}

// mirrorKeys assigns each record the key of the logical unit it belongs to.
// Linked records share their link key. Unlinked records of the two stores with
// the same identifier and owner are paired one-to-one, in id order.
func mirrorKeys(units []models.SerializedUnit, primary models.StoreOrigin) map[string]string {
	keys := make(map[string]string, len(units))
	unlinked := map[string][]models.SerializedUnit{}
	for _, u := range units {
		ident := u.NormalizedIdentifier()
		if ident == "" {
			continue
		}
		if lk := u.LinkKeyValue(); lk != "" {
			keys[u.Ref()] = "link:" + lk
			continue
		}
		unlinked[ident] = append(unlinked[ident], u)
	}

	for _, group := range unlinked {
		var prim, other []models.SerializedUnit
		for _, u := range group {
			if u.Store == primary {
				prim = append(prim, u)
			} else {
				other = append(other, u)
			}
		}
		sort.Slice(prim, func(i, j int) bool { return prim[i].Id < prim[j].Id })
		sort.Slice(other, func(i, j int) bool { return other[i].Id < other[j].Id })

		taken := make([]bool, len(prim))
		for _, o := range other {
			for i, pu := range prim {
				if taken[i] || pu.ParentId() != o.ParentId() {
					continue
				}
				taken[i] = true
				key := "pair:" + pu.Ref()
				keys[pu.Ref()] = key
				keys[o.Ref()] = key
				break
			}
		}
	}
	return keys
}

// resolve runs duplicate detection and derives the final state of every record.
func (p *population) resolve(primary models.StoreOrigin) {
	keys := mirrorKeys(p.units, primary)
	records := make([]serial.Record, 0, len(p.units))
	for _, u := range p.units {
		if u.NormalizedIdentifier() == "" {
			continue
		}
		records = append(records, serial.Record{
			Identifier: u.NormalizedIdentifier(),
			SourceId:   u.Ref(),
			CreatedAt:  u.CreatedAt,
			LastUsedAt: u.LastActivityAt,
			MirrorKey:  keys[u.Ref()],
			Primary:    u.Store == primary,
		})
	}
	p.resolutions = serial.Detect(records)

	p.states = make(map[string]unitState, len(p.units))
	for _, u := range p.units {
		ref := u.Ref()
		format := p.format[ref]
		res, ok := p.resolutions[u.NormalizedIdentifier()]
		if ok && res.IsDuplicate(ref) {
			p.states[ref] = unitState{State: serial.StatusDuplicate, Reason: serial.DuplicateReason(res.SurvivorId)}
			continue
		}
		p.states[ref] = unitState{State: format.Status, Reason: format.Reason}
	}
}

// counts tallies logical units: one per identifier survivor, one per losing
// logical unit and one per record without an identifier.
func (p *population) counts() (StateCounts, map[string]int) {
	var c StateCounts
	reasons := map[string]int{}
	for _, res := range p.resolutions {
		survivor := p.format[res.SurvivorId]
		c.add(survivor.Status, 1)
		reasons[survivor.Reason]++
		if res.DuplicateUnits > 0 {
			c.add(serial.StatusDuplicate, res.DuplicateUnits)
			reasons["duplicate"] += res.DuplicateUnits
		}
	}
	for _, u := range p.units {
		if u.NormalizedIdentifier() == "" {
			c.add(serial.StatusEmpty, 1)
			reasons[serial.ReasonEmptyOrNull]++
		}
	}
	return c, reasons
}

func (p *population) stateOf(u models.SerializedUnit) (unitState, bool) {
	st, ok := p.states[u.Ref()]
	return st, ok
}

// ledgerRecords builds one ledger row per identifier, describing its survivor.
func (p *population) ledgerRecords(runId string, now func() time.Time) []models.ValidationRecord {
	idents := make([]string, 0, len(p.resolutions))
	for ident := range p.resolutions {
		idents = append(idents, ident)
	}
	sort.Strings(idents)

	checkedAt := now()
	out := make([]models.ValidationRecord, 0, len(idents))
	for _, ident := range idents {
		res := p.resolutions[ident]
		survivor := p.byRef[res.SurvivorId]
		format := p.format[res.SurvivorId]
		out = append(out, models.ValidationRecord{
			Identifier:     ident,
			Status:         format.Status,
			Reason:         format.Reason,
			SourceTable:    survivor.Store.Table(),
			SourceId:       survivor.Id,
			DuplicateCount: res.DuplicateUnits,
			LastRunId:      runId,
			LastCheckedAt:  checkedAt,
		})
	}
	return out
}

// stateUpdates lists records whose stored state differs from the computed one.
func (p *population) stateUpdates() map[models.StoreOrigin][]models.ValidationUpdate {
	out := map[models.StoreOrigin][]models.ValidationUpdate{}
	for _, u := range p.units {
		st := p.states[u.Ref()]
		if u.ValidationState == st.State && u.ValidationReason == st.Reason {
			continue
		}
		out[u.Store] = append(out[u.Store], models.ValidationUpdate{Id: u.Id, State: st.State, Reason: st.Reason})
	}
	return out
}
