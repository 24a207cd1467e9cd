package replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/entitygraph/datamart/internal/engine"
	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/types"
)

// ErrLogic marks an invariant violation in the data itself (a
// malformed engine response, an undecodable stored snapshot). Retrying
// cannot fix it; the driving event goes to the dead-letter table.
var ErrLogic = errors.New("invariant violation")

// Refresher reconciles the mart with the engine's authoritative state,
// one entity at a time. Callers must hold the per-entity lock.
type Refresher struct {
	store  storage.Storage
	engine engine.Client
}

// NewRefresher wires a refresher over a store and an engine client.
func NewRefresher(store storage.Storage, eng engine.Client) *Refresher {
	return &Refresher{store: store, engine: eng}
}

// Refresh fetches the entity's current resolved state, diffs it against
// the stored snapshot, and applies mutations plus journal updates in
// one transaction. ack, when non-nil, runs inside that transaction so
// the driving event is acknowledged atomically with the state change.
// A refresh against an unchanged snapshot only acks.
func (r *Refresher) Refresh(ctx context.Context, entityID int64, ack func(context.Context, storage.Transaction) error) error {
	curr, err := r.engine.GetEntity(ctx, entityID)
	switch {
	case errors.Is(err, engine.ErrEntityNotFound):
		curr = nil
	case err != nil:
		return fmt.Errorf("engine get entity %d: %w", entityID, err)
	}

	var currHash string
	if curr != nil {
		if err := curr.Validate(); err != nil {
			return fmt.Errorf("%w: engine response for entity %d: %v", ErrLogic, entityID, err)
		}
		if currHash, err = types.EncodeEntitySnapshot(curr); err != nil {
			return fmt.Errorf("encode entity %d snapshot: %w", entityID, err)
		}
	}

	return r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		prevHash, err := tx.GetEntityHash(ctx, entityID)
		var prev *types.ResolvedEntity
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		default:
			if prev, err = types.DecodeEntitySnapshot(prevHash); err != nil {
				return fmt.Errorf("%w: stored snapshot for entity %d: %v", ErrLogic, entityID, err)
			}
		}

		unchanged := (prev == nil && curr == nil) || (curr != nil && prevHash == currHash)
		if !unchanged {
			if err := applyDiff(ctx, tx, entityID, prev, curr, currHash); err != nil {
				return err
			}
		}
		if ack != nil {
			return ack(ctx, tx)
		}
		return nil
	})
}

func applyDiff(ctx context.Context, tx storage.Transaction, entityID int64, prev, curr *types.ResolvedEntity, currHash string) error {
	prevRecords := recordMap(prev)
	currRecords := recordMap(curr)
	for key, rec := range currRecords {
		if old, known := prevRecords[key]; known && old == rec {
			continue
		}
		if err := tx.UpsertRecord(ctx, storage.RecordRow{
			DataSource: rec.DataSource, RecordID: rec.RecordID, EntityID: entityID,
			MatchKey: rec.MatchKey, Principle: rec.Principle,
		}); err != nil {
			return err
		}
	}
	for key := range prevRecords {
		if _, still := currRecords[key]; still {
			continue
		}
		if err := tx.DeleteRecord(ctx, key); err != nil {
			return err
		}
	}

	prevRels := relationshipMap(prev)
	currRels := relationshipMap(curr)
	for otherID, rel := range currRels {
		if old, known := prevRels[otherID]; known && rel.Equal(old) {
			continue
		}
		hash, err := types.EncodeRelationshipSnapshot(rel)
		if err != nil {
			return fmt.Errorf("encode relationship (%d,%d) snapshot: %w", rel.Lo, rel.Hi, err)
		}
		// The larger-id endpoint owns the stored form; the other side
		// only materializes the row if it is missing.
		if err := tx.UpsertRelationship(ctx, storage.RelationshipRow{
			Lo: rel.Lo, Hi: rel.Hi, MatchLevel: rel.MatchLevel,
			MatchType: string(rel.MatchType), MatchKey: rel.MatchKey,
			Principle: rel.Principle, Hash: hash,
		}, entityID == rel.Hi); err != nil {
			return err
		}
	}
	for otherID, rel := range prevRels {
		if _, still := currRels[otherID]; still {
			continue
		}
		if err := tx.DeleteRelationship(ctx, rel.Lo, rel.Hi); err != nil {
			return err
		}
	}

	if curr == nil {
		if prev != nil {
			if err := tx.DeleteEntity(ctx, entityID); err != nil {
				return err
			}
		}
	} else {
		if err := tx.UpsertEntity(ctx, storage.EntityRow{
			EntityID: entityID, Name: curr.Name, Hash: currHash,
			RecordCount:   int64(curr.RecordCount()),
			RelationCount: int64(curr.RelationCount()),
		}); err != nil {
			return err
		}
	}

	updates := diffContributions(reportContributions(prev), reportContributions(curr))
	if len(updates) == 0 {
		return nil
	}
	return tx.AppendReportUpdates(ctx, updates)
}

func recordMap(e *types.ResolvedEntity) map[types.RecordKey]types.Record {
	out := make(map[types.RecordKey]types.Record)
	if e == nil {
		return out
	}
	for _, rec := range e.Records {
		out[rec.Key()] = rec
	}
	return out
}

func relationshipMap(e *types.ResolvedEntity) map[int64]types.Relationship {
	out := make(map[int64]types.Relationship)
	if e == nil {
		return out
	}
	for _, rel := range e.Related {
		out[rel.ID] = types.NewRelationship(e, rel)
	}
	return out
}
