package store

import (
	"time"

	"github.com/halwerk/cadsync/internal/uid"
)

// Kind names an entity kind. These are the object_type values in the sync
// config registry and the kind discriminators on runs and attempts.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindProject   Kind = "project"
	KindPhase     Kind = "phase"
	KindElevation Kind = "elevation"

	// Worker policies live in the same registry as entity kinds.
	KindPartsParser     Kind = "parts_parser"
	KindErrorLogCleanup Kind = "error_log_cleanup"
)

// EntityKinds lists the four mirrored kinds in their natural dependency
// order. The orchestrator derives the actual order from the config
// registry; this is the seed ordering.
var EntityKinds = []Kind{KindDirectory, KindProject, KindPhase, KindElevation}

// SyncStatus records the outcome of the last upsert touching a row.
type SyncStatus string

const (
	SyncStatusNew       SyncStatus = "new"
	SyncStatusUpdated   SyncStatus = "updated"
	SyncStatusUnchanged SyncStatus = "unchanged"
)

// ParseStatus tracks the parts-blob parse lifecycle on an elevation.
type ParseStatus string

const (
	ParsePending ParseStatus = "pending"
	ParseRunning ParseStatus = "running"
	ParseOK      ParseStatus = "ok"
	ParseFailed  ParseStatus = "failed"
)

// Directory is one node of the upstream directory tree. FullPath is the
// slash-joined ancestor chain and is unique. Excluded is operator-set local
// policy, never overwritten by sweeps; an excluded directory excludes its
// whole subtree.
type Directory struct {
	ID                int64
	UpstreamID        uid.ID
	Name              string
	FullPath          string
	ParentID          *int64
	Level             int
	Excluded          bool
	SyncStatus        SyncStatus
	UpstreamChangedAt time.Time
	LocalSyncedAt     time.Time
}

// Project is a quoting project inside a directory.
type Project struct {
	ID                int64
	UpstreamID        uid.ID
	DirectoryID       int64
	Name              string
	Customer          string
	OfferNumber       string
	SyncStatus        SyncStatus
	UpstreamChangedAt time.Time
	LocalSyncedAt     time.Time
}

// Phase is a build phase of a project. Its upstream id is only unique
// within the project; the zero UUID is the "default phase" sentinel.
type Phase struct {
	ID                int64
	UpstreamID        uid.ID
	ProjectID         int64
	Name              string
	SyncStatus        SyncStatus
	UpstreamChangedAt time.Time
	LocalSyncedAt     time.Time
}

// Elevation is a leaf drawing with optional parts blob and parsed
// enrichment columns.
type Elevation struct {
	ID              int64
	UpstreamID      uid.ID
	PhaseID         int64
	Name            string
	WidthMM         float64
	HeightMM        float64
	ImagePath       *string
	PartsBlobPath   *string
	PartsBlobHash   *string
	HasParts        bool
	ParseStatus     ParseStatus
	ParseRetryCount int
	ParseError      *string

	Enrichment Enrichment

	SyncStatus        SyncStatus
	UpstreamChangedAt time.Time
	LocalSyncedAt     time.Time
}

// Enrichment holds the columns extracted from a parsed parts blob.
type Enrichment struct {
	System     *string
	Color      *string
	Glass      *string
	PartsCount *int64
	WidthMM    *float64
	HeightMM   *float64
}

// Counters summarizes one sweep or one run.
type Counters struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Skipped   int
	Errors    int
}

// Add accumulates other into c.
func (c *Counters) Add(other Counters) {
	c.Created += other.Created
	c.Updated += other.Updated
	c.Deleted += other.Deleted
	c.Unchanged += other.Unchanged
	c.Skipped += other.Skipped
	c.Errors += other.Errors
}
