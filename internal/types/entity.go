// Package types defines the core data structures for the data-mart
// replicator: records, entities, relationships, report keys and the
// signed counter deltas that flow through the report-update journal.
package types

import (
	"fmt"
	"sort"
	"strings"
)

// RecordKey identifies a source record by data source and record id.
// Keys order lexicographically, data source first.
type RecordKey struct {
	DataSource string `json:"src"`
	RecordID   string `json:"id"`
}

func (k RecordKey) String() string {
	return k.DataSource + ":" + k.RecordID
}

// Compare returns -1, 0 or 1 ordering k against other.
func (k RecordKey) Compare(other RecordKey) int {
	if c := strings.Compare(k.DataSource, other.DataSource); c != 0 {
		return c
	}
	return strings.Compare(k.RecordID, other.RecordID)
}

// Record is a source record as it appears inside a resolved entity.
// MatchKey and Principle are empty when the record did not match into
// the entity via a rule (e.g. the first record of an entity).
type Record struct {
	DataSource string `json:"src"`
	RecordID   string `json:"id"`
	MatchKey   string `json:"mk,omitempty"`
	Principle  string `json:"prin,omitempty"`
}

// Key returns the record's identifying key.
func (r Record) Key() RecordKey {
	return RecordKey{DataSource: r.DataSource, RecordID: r.RecordID}
}

// Normalize trims whitespace on all fields. Blank match key or
// principle collapse to absent.
func (r Record) Normalize() Record {
	r.DataSource = strings.TrimSpace(r.DataSource)
	r.RecordID = strings.TrimSpace(r.RecordID)
	r.MatchKey = strings.TrimSpace(r.MatchKey)
	r.Principle = strings.TrimSpace(r.Principle)
	return r
}

// ResolvedEntity is the authoritative post-resolution state of one
// entity: its records plus its relationships to other entities.
// Records and Related are kept sorted (by record key and related
// entity id respectively) so that snapshot encoding is deterministic.
type ResolvedEntity struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name,omitempty"`
	Records []Record        `json:"records,omitempty"`
	Related []RelatedEntity `json:"related,omitempty"`
}

// RelatedEntity describes one edge from a resolved entity to another
// entity. The related side carries only a per-source record summary,
// not individual records.
type RelatedEntity struct {
	ID            int64            `json:"id"`
	MatchLevel    int              `json:"level,omitempty"`
	MatchType     MatchType        `json:"type,omitempty"`
	MatchKey      string           `json:"mk,omitempty"`
	Principle     string           `json:"prin,omitempty"`
	SourceSummary map[string]int64 `json:"sources,omitempty"`
}

// Sort orders records and related entities into canonical order.
func (e *ResolvedEntity) Sort() {
	sort.Slice(e.Records, func(i, j int) bool {
		return e.Records[i].Key().Compare(e.Records[j].Key()) < 0
	})
	sort.Slice(e.Related, func(i, j int) bool {
		return e.Related[i].ID < e.Related[j].ID
	})
}

// Validate checks structural invariants: no self-relations and no
// duplicate record keys.
func (e *ResolvedEntity) Validate() error {
	seen := make(map[RecordKey]bool, len(e.Records))
	for _, r := range e.Records {
		k := r.Key()
		if k.DataSource == "" || k.RecordID == "" {
			return fmt.Errorf("entity %d: record with blank key", e.ID)
		}
		if seen[k] {
			return fmt.Errorf("entity %d: duplicate record %s", e.ID, k)
		}
		seen[k] = true
	}
	for _, rel := range e.Related {
		if rel.ID == e.ID {
			return fmt.Errorf("entity %d: related to itself", e.ID)
		}
	}
	return nil
}

// SourceSummary derives the per-data-source record counts. It is never
// stored independently; callers recompute it from Records.
func (e *ResolvedEntity) SourceSummary() map[string]int64 {
	out := make(map[string]int64)
	for _, r := range e.Records {
		out[r.DataSource]++
	}
	return out
}

// RecordCount returns the number of records in the entity.
func (e *ResolvedEntity) RecordCount() int { return len(e.Records) }

// RelationCount returns the number of related entities.
func (e *ResolvedEntity) RelationCount() int { return len(e.Related) }

// SourceRecords returns the records loaded from one data source.
func (e *ResolvedEntity) SourceRecords(dataSource string) []Record {
	var out []Record
	for _, r := range e.Records {
		if r.DataSource == dataSource {
			out = append(out, r)
		}
	}
	return out
}

// AffectedEntity is one entry of an event payload's affected-entity list.
type AffectedEntity struct {
	EntityID int64 `json:"ENTITY_ID"`
}

// EventPayload is the wire form of a change event delivered by the
// message transport. Unknown fields are ignored on decode.
type EventPayload struct {
	DataSource       string           `json:"DATA_SOURCE"`
	RecordID         string           `json:"RECORD_ID"`
	AffectedEntities []AffectedEntity `json:"AFFECTED_ENTITIES"`
}

// EntityIDs returns the distinct affected entity ids in ascending order.
func (p *EventPayload) EntityIDs() []int64 {
	seen := make(map[int64]bool, len(p.AffectedEntities))
	var out []int64
	for _, a := range p.AffectedEntities {
		if a.EntityID == 0 || seen[a.EntityID] {
			continue
		}
		seen[a.EntityID] = true
		out = append(out, a.EntityID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
