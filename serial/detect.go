package serial

import (
	"sort"
	"time"
)

// Record is one occurrence of an identifier somewhere in the inventory.
type Record struct {
	Identifier string
	SourceId   string
	CreatedAt  time.Time
	// LastUsedAt is the latest sale/return/usage stamp, nil when the record was never used.
	LastUsedAt *time.Time
	// Records sharing a non-empty MirrorKey are copies of one physical unit
	// and are resolved together.
	MirrorKey string
	// Primary marks the record that represents its mirror set.
	Primary bool
}

type Resolution struct {
	Identifier   string   `json:"identifier"`
	SurvivorId   string   `json:"survivor_id"`
	MirrorIds    []string `json:"mirror_ids,omitempty"`
	DuplicateIds []string `json:"duplicate_ids,omitempty"`
	// DuplicateUnits counts losing logical units; a mirrored loser counts once.
	DuplicateUnits int `json:"duplicate_units"`
}

func (r Resolution) HasDuplicates() bool {
	return len(r.DuplicateIds) > 0
}

func (r Resolution) IsDuplicate(sourceId string) bool {
	i := sort.SearchStrings(r.DuplicateIds, sourceId)
	return i < len(r.DuplicateIds) && r.DuplicateIds[i] == sourceId
}

type logicalUnit struct {
	representative Record
	members        []string
	createdAt      time.Time
	lastUsedAt     *time.Time
}

// Detect groups records by normalized identifier and picks one survivor per group.
// Records with an empty identifier are ignored. Every non-empty identifier gets an
// entry; groups with a single logical unit have no duplicates.
//
// Survivor order: most recent usage, then most recent creation, then the smallest
// source id. The result does not depend on input order.
func Detect(records []Record) map[string]Resolution {
	groups := map[string][]Record{}
	for _, rec := range records {
		key := Normalize(rec.Identifier)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], rec)
	}

	out := make(map[string]Resolution, len(groups))
	for key, group := range groups {
		units := collapseMirrors(group)
		sort.Slice(units, func(i, j int) bool {
			return survivesOver(units[i], units[j])
		})

		res := Resolution{
			Identifier:     key,
			SurvivorId:     units[0].representative.SourceId,
			DuplicateUnits: len(units) - 1,
		}
		for _, id := range units[0].members {
			if id != res.SurvivorId {
				res.MirrorIds = append(res.MirrorIds, id)
			}
		}
		for _, u := range units[1:] {
			res.DuplicateIds = append(res.DuplicateIds, u.members...)
		}
		sort.Strings(res.MirrorIds)
		sort.Strings(res.DuplicateIds)
		out[key] = res
	}
	return out
}

func collapseMirrors(group []Record) []logicalUnit {
	byKey := map[string]*logicalUnit{}
	var units []*logicalUnit
	for _, rec := range group {
		var u *logicalUnit
		if rec.MirrorKey != "" {
			u = byKey[rec.MirrorKey]
		}
		if u == nil {
			u = &logicalUnit{representative: rec, createdAt: rec.CreatedAt}
			units = append(units, u)
			if rec.MirrorKey != "" {
				byKey[rec.MirrorKey] = u
			}
		} else if representsBetter(rec, u.representative) {
			u.representative = rec
		}
		u.members = append(u.members, rec.SourceId)
		if rec.CreatedAt.Before(u.createdAt) {
			u.createdAt = rec.CreatedAt
		}
		if rec.LastUsedAt != nil && (u.lastUsedAt == nil || rec.LastUsedAt.After(*u.lastUsedAt)) {
			t := *rec.LastUsedAt
			u.lastUsedAt = &t
		}
	}

	out := make([]logicalUnit, 0, len(units))
	for _, u := range units {
		sort.Strings(u.members)
		out = append(out, *u)
	}
	return out
}

func representsBetter(a, b Record) bool {
	if a.Primary != b.Primary {
		return a.Primary
	}
	return a.SourceId < b.SourceId
}

func survivesOver(a, b logicalUnit) bool {
	switch {
	case a.lastUsedAt != nil && b.lastUsedAt == nil:
		return true
	case a.lastUsedAt == nil && b.lastUsedAt != nil:
		return false
	case a.lastUsedAt != nil && !a.lastUsedAt.Equal(*b.lastUsedAt):
		return a.lastUsedAt.After(*b.lastUsedAt)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.After(b.createdAt)
	}
	return a.representative.SourceId < b.representative.SourceId
}
