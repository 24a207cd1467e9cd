package engine

import (
	"testing"

	"github.com/entitygraph/datamart/internal/types"
)

const sampleDocument = `{
	"RESOLVED_ENTITY": {
		"ENTITY_ID": 1,
		"ENTITY_NAME": "Jane Smith",
		"RECORDS": [
			{"DATA_SOURCE": "FOO", "RECORD_ID": "2", "MATCH_KEY": "NAME+DOB", "ERRULE_CODE": "CNAME_CFF_EXACT"},
			{"DATA_SOURCE": "FOO", "RECORD_ID": "1", "MATCH_KEY": " ", "ERRULE_CODE": ""}
		]
	},
	"RELATED_ENTITIES": [
		{
			"ENTITY_ID": 2,
			"MATCH_LEVEL": 3,
			"MATCH_KEY": "PHONE",
			"ERRULE_CODE": "SF1",
			"IS_AMBIGUOUS": 0,
			"IS_DISCLOSED": 0,
			"RECORD_SUMMARY": [{"DATA_SOURCE": "BAR", "RECORD_COUNT": 2}]
		},
		{
			"ENTITY_ID": 3,
			"MATCH_LEVEL": 2,
			"MATCH_KEY": "NAME",
			"ERRULE_CODE": "CNAME",
			"IS_AMBIGUOUS": 1,
			"IS_DISCLOSED": 0,
			"RECORD_SUMMARY": [{"DATA_SOURCE": "FOO", "RECORD_COUNT": 1}]
		}
	],
	"UNKNOWN_SECTION": {"IGNORED": true}
}`

func TestDecodeEntity(t *testing.T) {
	entity, err := DecodeEntity([]byte(sampleDocument))
	if err != nil {
		t.Fatalf("DecodeEntity: %v", err)
	}

	if entity.ID != 1 || entity.Name != "Jane Smith" {
		t.Errorf("identity = (%d, %q)", entity.ID, entity.Name)
	}
	if len(entity.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(entity.Records))
	}
	// Records come back sorted; blank match key normalizes to absent.
	if entity.Records[0].RecordID != "1" || entity.Records[0].MatchKey != "" {
		t.Errorf("first record = %+v", entity.Records[0])
	}
	if entity.Records[1].MatchKey != "NAME+DOB" || entity.Records[1].Principle != "CNAME_CFF_EXACT" {
		t.Errorf("second record = %+v", entity.Records[1])
	}

	if len(entity.Related) != 2 {
		t.Fatalf("related = %d, want 2", len(entity.Related))
	}
	if entity.Related[0].MatchType != types.PossibleRelation {
		t.Errorf("related[0] match type = %s", entity.Related[0].MatchType)
	}
	if entity.Related[0].SourceSummary["BAR"] != 2 {
		t.Errorf("related[0] summary = %v", entity.Related[0].SourceSummary)
	}
	// Ambiguous flag wins over match level 2.
	if entity.Related[1].MatchType != types.AmbiguousMatch {
		t.Errorf("related[1] match type = %s", entity.Related[1].MatchType)
	}
}

func TestDecodeEntityRejectsSelfRelation(t *testing.T) {
	doc := `{
		"RESOLVED_ENTITY": {"ENTITY_ID": 5, "RECORDS": [{"DATA_SOURCE": "FOO", "RECORD_ID": "1"}]},
		"RELATED_ENTITIES": [{"ENTITY_ID": 5, "MATCH_LEVEL": 3}]
	}`
	if _, err := DecodeEntity([]byte(doc)); err == nil {
		t.Error("self-relation document accepted")
	}
}

func TestDecodeEntityRejectsMissingID(t *testing.T) {
	if _, err := DecodeEntity([]byte(`{"RESOLVED_ENTITY": {}}`)); err == nil {
		t.Error("document without entity id accepted")
	}
	if _, err := DecodeEntity([]byte(`not json`)); err == nil {
		t.Error("malformed document accepted")
	}
}
