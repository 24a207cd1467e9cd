package engine

import (
	"encoding/json"
	"fmt"

	"github.com/entitygraph/datamart/internal/types"
)

// Wire shapes of the engine's GetEntity response. Only the fields the
// mart consumes are declared; everything else is ignored.

type entityDocument struct {
	ResolvedEntity  resolvedEntityDoc  `json:"RESOLVED_ENTITY"`
	RelatedEntities []relatedEntityDoc `json:"RELATED_ENTITIES"`
}

type resolvedEntityDoc struct {
	EntityID   int64       `json:"ENTITY_ID"`
	EntityName string      `json:"ENTITY_NAME"`
	Records    []recordDoc `json:"RECORDS"`
}

type recordDoc struct {
	DataSource string `json:"DATA_SOURCE"`
	RecordID   string `json:"RECORD_ID"`
	MatchKey   string `json:"MATCH_KEY"`
	RuleCode   string `json:"ERRULE_CODE"`
}

type relatedEntityDoc struct {
	EntityID      int64              `json:"ENTITY_ID"`
	MatchLevel    int                `json:"MATCH_LEVEL"`
	MatchKey      string             `json:"MATCH_KEY"`
	RuleCode      string             `json:"ERRULE_CODE"`
	IsAmbiguous   int                `json:"IS_AMBIGUOUS"`
	IsDisclosed   int                `json:"IS_DISCLOSED"`
	RecordSummary []recordSummaryDoc `json:"RECORD_SUMMARY"`
}

type recordSummaryDoc struct {
	DataSource  string `json:"DATA_SOURCE"`
	RecordCount int64  `json:"RECORD_COUNT"`
}

// DecodeEntity parses a GetEntity response document into the mart's
// resolved-entity value. The match type of each related entity is
// detected from the ambiguous/disclosed flags and the match level.
func DecodeEntity(raw []byte) (*types.ResolvedEntity, error) {
	var doc entityDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode entity document: %w", err)
	}
	if doc.ResolvedEntity.EntityID == 0 {
		return nil, fmt.Errorf("entity document missing RESOLVED_ENTITY.ENTITY_ID")
	}

	entity := &types.ResolvedEntity{
		ID:   doc.ResolvedEntity.EntityID,
		Name: doc.ResolvedEntity.EntityName,
	}
	for _, rec := range doc.ResolvedEntity.Records {
		entity.Records = append(entity.Records, types.Record{
			DataSource: rec.DataSource,
			RecordID:   rec.RecordID,
			MatchKey:   rec.MatchKey,
			Principle:  rec.RuleCode,
		}.Normalize())
	}
	for _, rel := range doc.RelatedEntities {
		related := types.RelatedEntity{
			ID:         rel.EntityID,
			MatchLevel: rel.MatchLevel,
			MatchType:  types.DetectMatchType(rel.IsAmbiguous == 1, rel.IsDisclosed == 1, rel.MatchLevel),
			MatchKey:   rel.MatchKey,
			Principle:  rel.RuleCode,
		}
		if len(rel.RecordSummary) > 0 {
			related.SourceSummary = make(map[string]int64, len(rel.RecordSummary))
			for _, rs := range rel.RecordSummary {
				related.SourceSummary[rs.DataSource] = rs.RecordCount
			}
		}
		entity.Related = append(entity.Related, related)
	}

	entity.Sort()
	if err := entity.Validate(); err != nil {
		return nil, fmt.Errorf("entity document violates invariants: %w", err)
	}
	return entity, nil
}
