// Package storage defines the contract between the replicator core and
// the SQL mart. The shared implementation lives in the sqlmart
// sub-package; the sqlite and mysql sub-packages supply the dialect
// adapters. Consumers depend on these interfaces rather than on a
// concrete backend so the two dialects (and test doubles) can be
// substituted freely.
package storage

import (
	"context"
	"time"

	"github.com/entitygraph/datamart/internal/types"
)

// Storage is the full mart surface: durable pending-event queue,
// entity/record/relationship state, report counters and the
// pagination primitives over report details.
type Storage interface {
	// Pending-event queue.
	Enqueue(ctx context.Context, payload string) (int64, error)
	LeaseBatch(ctx context.Context, workerID string, limit int, leaseFor time.Duration) ([]LeasedEvent, error)
	Ack(ctx context.Context, eventID int64, leaseID string) error
	ReleaseExpiredLeases(ctx context.Context) (int64, error)
	RecordEventFailure(ctx context.Context, eventID int64, cause string) (int, error)
	MoveToDeadLetter(ctx context.Context, eventID int64, cause string) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetterEvent, error)
	QueueStats(ctx context.Context) (*QueueStats, error)

	// Entity state reads.
	GetEntityHash(ctx context.Context, entityID int64) (string, error)
	GetEntity(ctx context.Context, entityID int64) (*EntityRow, error)
	GetRelationship(ctx context.Context, lo, hi int64) (*RelationshipRow, error)
	ListDataSources(ctx context.Context) ([]string, error)

	// Report counters and the update journal.
	GetReportCounter(ctx context.Context, key types.ReportKey) (*ReportCounter, error)
	ListReportCounters(ctx context.Context, prefix string) ([]ReportCounter, error)
	EnsureReportCounters(ctx context.Context, keys []types.ReportKey) error
	FoldReportUpdates(ctx context.Context, limit int) (int, error)
	PendingReportUpdates(ctx context.Context) (int64, error)

	// Pagination primitives over report details. All of them treat the
	// candidate key set as one population and deduplicate rows that
	// appear under more than one key.
	ScanDetails(ctx context.Context, scan DetailScan) ([]DetailRow, error)
	CountDetails(ctx context.Context, keys []string, relations bool) (int64, error)
	CountDetailsBefore(ctx context.Context, keys []string, relations bool, point DetailPoint) (int64, error)
	CountDetailsAfter(ctx context.Context, keys []string, relations bool, point DetailPoint) (int64, error)
	DetailExtrema(ctx context.Context, keys []string, relations bool) (min, max *DetailPoint, err error)

	// RunInTransaction executes fn within a single database
	// transaction. On error or panic the transaction is rolled back;
	// on nil return it is committed.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	Close() error
}

// Transaction is the mutation surface available inside
// RunInTransaction. A refresh writes its entity, record and
// relationship mutations, appends its report updates, and acks the
// driving event through one transaction so the mart never needs a
// two-phase commit with its own queue.
type Transaction interface {
	GetEntityHash(ctx context.Context, entityID int64) (string, error)
	UpsertEntity(ctx context.Context, row EntityRow) error
	DeleteEntity(ctx context.Context, entityID int64) error

	UpsertRecord(ctx context.Context, row RecordRow) error
	DeleteRecord(ctx context.Context, key types.RecordKey) error

	// UpsertRelationship writes the canonical relationship row. When
	// authoritative is false the row is only created if absent; the
	// endpoint with the larger entity id owns the stored form.
	UpsertRelationship(ctx context.Context, row RelationshipRow, authoritative bool) error
	GetRelationship(ctx context.Context, lo, hi int64) (*RelationshipRow, error)
	DeleteRelationship(ctx context.Context, lo, hi int64) error

	AppendReportUpdates(ctx context.Context, updates []types.ReportUpdate) error

	// AckEvent deletes a pending event iff the lease still matches.
	AckEvent(ctx context.Context, eventID int64, leaseID string) error
}

// LeasedEvent is one queue row handed to a worker.
type LeasedEvent struct {
	ID           int64
	LeaseID      string
	Payload      string
	FailureCount int
}

// DeadLetterEvent is a poison event parked for operator inspection.
type DeadLetterEvent struct {
	ID       int64
	Payload  string
	Cause    string
	FailedAt time.Time
}

// QueueStats summarizes the pending-event queue.
type QueueStats struct {
	Depth        int64 // total pending rows
	Leased       int64 // rows under an unexpired lease
	Expired      int64 // rows whose lease has lapsed
	DeadLettered int64
}

// EntityRow is the persisted form of an entity.
type EntityRow struct {
	EntityID      int64
	Name          string
	Hash          string
	RecordCount   int64
	RelationCount int64
}

// RecordRow is the persisted form of a source record.
type RecordRow struct {
	DataSource string
	RecordID   string
	EntityID   int64
	MatchKey   string
	Principle  string
}

// RelationshipRow is the persisted form of a canonical relationship.
type RelationshipRow struct {
	Lo         int64
	Hi         int64
	MatchLevel int
	MatchType  string
	MatchKey   string
	Principle  string
	Hash       string
}

// ReportCounter is one aggregate counter row.
type ReportCounter struct {
	Key           types.ReportKey
	EntityCount   int64
	RecordCount   int64
	RelationCount int64
}

// DetailRow is one enumerable member of a report-key population.
// RelatedID is zero for entity-scoped statistics.
type DetailRow struct {
	EntityID  int64
	RelatedID int64
}

// DetailPoint is a position in the (entityID, relatedID) order.
type DetailPoint struct {
	EntityID  int64
	RelatedID int64
}

// Compare orders points by entity id, then related id.
func (p DetailPoint) Compare(other DetailPoint) int {
	switch {
	case p.EntityID < other.EntityID:
		return -1
	case p.EntityID > other.EntityID:
		return 1
	case p.RelatedID < other.RelatedID:
		return -1
	case p.RelatedID > other.RelatedID:
		return 1
	default:
		return 0
	}
}

// DetailScan describes one bounded window scan over report details.
type DetailScan struct {
	Keys       []string // candidate report-key texts, matched as one population
	Relations  bool     // enumerate relation pairs instead of entity ids
	From       DetailPoint
	Inclusive  bool
	Descending bool
	Limit      int
}
