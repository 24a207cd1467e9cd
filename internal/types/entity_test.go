package types

import (
	"encoding/json"
	"testing"
)

func testEntity() *ResolvedEntity {
	return &ResolvedEntity{
		ID:   100,
		Name: "Jane Smith",
		Records: []Record{
			{DataSource: "FOO", RecordID: "2", MatchKey: "NAME+DOB", Principle: "CNAME_CFF_EXACT"},
			{DataSource: "BAR", RecordID: "9"},
			{DataSource: "FOO", RecordID: "1"},
		},
		Related: []RelatedEntity{
			{
				ID:            200,
				MatchLevel:    3,
				MatchType:     PossibleRelation,
				MatchKey:      "PHONE",
				Principle:     "SF1",
				SourceSummary: map[string]int64{"BAR": 2},
			},
		},
	}
}

func TestEntitySortAndSummary(t *testing.T) {
	e := testEntity()
	e.Sort()

	if e.Records[0].Key() != (RecordKey{"BAR", "9"}) {
		t.Errorf("records not sorted, first = %v", e.Records[0].Key())
	}
	if e.Records[1].Key() != (RecordKey{"FOO", "1"}) {
		t.Errorf("records not sorted, second = %v", e.Records[1].Key())
	}

	summary := e.SourceSummary()
	if summary["FOO"] != 2 || summary["BAR"] != 1 {
		t.Errorf("source summary = %v", summary)
	}
	if e.RecordCount() != 3 || e.RelationCount() != 1 {
		t.Errorf("counts = %d records, %d relations", e.RecordCount(), e.RelationCount())
	}
}

func TestEntityValidate(t *testing.T) {
	e := testEntity()
	if err := e.Validate(); err != nil {
		t.Fatalf("valid entity rejected: %v", err)
	}

	selfRel := testEntity()
	selfRel.Related = append(selfRel.Related, RelatedEntity{ID: selfRel.ID})
	if err := selfRel.Validate(); err == nil {
		t.Error("self-relation accepted")
	}

	dup := testEntity()
	dup.Records = append(dup.Records, Record{DataSource: "FOO", RecordID: "1"})
	if err := dup.Validate(); err == nil {
		t.Error("duplicate record accepted")
	}
}

func TestRelationshipCanonicalization(t *testing.T) {
	e := testEntity() // id 100
	rel := NewRelationship(e, e.Related[0])

	if rel.Lo != 100 || rel.Hi != 200 {
		t.Fatalf("endpoints = (%d,%d), want (100,200)", rel.Lo, rel.Hi)
	}
	if rel.LoSummary["FOO"] != 2 {
		t.Errorf("lo summary = %v", rel.LoSummary)
	}
	if rel.HiSummary["BAR"] != 2 {
		t.Errorf("hi summary = %v", rel.HiSummary)
	}

	// Same edge observed from the other endpoint flips summaries back.
	other := &ResolvedEntity{
		ID: 200,
		Records: []Record{
			{DataSource: "BAR", RecordID: "3"},
			{DataSource: "BAR", RecordID: "4"},
		},
	}
	mirrored := NewRelationship(other, RelatedEntity{
		ID:            100,
		MatchLevel:    3,
		MatchType:     PossibleRelation,
		MatchKey:      "PHONE",
		Principle:     "SF1",
		SourceSummary: map[string]int64{"FOO": 2, "BAR": 1},
	})
	if mirrored.Lo != 100 || mirrored.Hi != 200 {
		t.Fatalf("mirrored endpoints = (%d,%d)", mirrored.Lo, mirrored.Hi)
	}
	if mirrored.HiSummary["BAR"] != 2 {
		t.Errorf("mirrored hi summary = %v", mirrored.HiSummary)
	}
}

func TestRelationshipEqual(t *testing.T) {
	e := testEntity()
	a := NewRelationship(e, e.Related[0])
	b := NewRelationship(e, e.Related[0])
	if !a.Equal(b) {
		t.Error("identical relationships compare unequal")
	}

	b.HiSummary["BAR"] = 3
	if a.Equal(b) {
		t.Error("summary change not detected")
	}

	c := NewRelationship(e, e.Related[0])
	c.MatchKey = "ADDRESS"
	if a.Equal(c) {
		t.Error("match key change not detected")
	}
}

func TestEntitySnapshotRoundTrip(t *testing.T) {
	e := testEntity()
	hash, err := EncodeEntitySnapshot(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeEntitySnapshot(hash)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	want, _ := json.Marshal(e)
	got, _ := json.Marshal(decoded)
	if string(want) != string(got) {
		t.Errorf("round trip mismatch:\n want %s\n got  %s", want, got)
	}
}

func TestRelationshipSnapshotRoundTrip(t *testing.T) {
	e := testEntity()
	rel := NewRelationship(e, e.Related[0])

	hash, err := EncodeRelationshipSnapshot(rel)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeRelationshipSnapshot(hash)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !rel.Equal(decoded) {
		t.Errorf("round trip mismatch:\n want %+v\n got  %+v", rel, decoded)
	}
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	if _, err := DecodeEntitySnapshot("not base64!!"); err == nil {
		t.Error("garbage hash accepted")
	}
	if _, err := DecodeEntitySnapshot("AAAA"); err == nil {
		t.Error("non-deflate payload accepted")
	}
}

func TestEventPayloadEntityIDs(t *testing.T) {
	raw := `{
		"DATA_SOURCE": "FOO",
		"RECORD_ID": "1",
		"AFFECTED_ENTITIES": [
			{"ENTITY_ID": 7},
			{"ENTITY_ID": 3},
			{"ENTITY_ID": 7},
			{"ENTITY_ID": 0}
		],
		"SOME_FUTURE_FIELD": true
	}`
	var payload EventPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ids := payload.EntityIDs()
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 7 {
		t.Errorf("EntityIDs = %v, want [3 7]", ids)
	}
}
