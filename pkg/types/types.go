// Package types holds the Fabric data model: the persistent entities the
// MetadataStore owns (Server, Group, ShardMapping, ShardTable, Shard,
// ShardRange) and the audit-facing shape of a completed Procedure.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ServerStatus is the lifecycle status of a database server.
type ServerStatus string

const (
	ServerPrimary   ServerStatus = "PRIMARY"
	ServerSecondary ServerStatus = "SECONDARY"
	ServerSpare     ServerStatus = "SPARE"
	ServerFaulty    ServerStatus = "FAULTY"
	ServerOffline   ServerStatus = "OFFLINE"
)

// ServerMode is the read/write mode a server currently accepts.
type ServerMode string

const (
	ModeReadOnly  ServerMode = "READ_ONLY"
	ModeReadWrite ServerMode = "READ_WRITE"
	ModeOffline   ServerMode = "OFFLINE"
)

// Server is a single database server known to the Fabric.
type Server struct {
	UUID     uuid.UUID
	Address  string
	User     string
	Passwd   string
	Status   ServerStatus
	Mode     ServerMode
	GroupID  string

	// ConnectionAttempts counts the reconciler's consecutive failed probes
	// since the last successful one; the reconciler marks the server FAULTY
	// once it reaches three, and does not probe FAULTY servers again.
	ConnectionAttempts int
	LastSeen           time.Time
	CreatedAt          time.Time
}

// GroupStatus is the lifecycle status of an HA group.
type GroupStatus string

const (
	GroupActive   GroupStatus = "ACTIVE"
	GroupInactive GroupStatus = "INACTIVE"
)

// Group is a set of servers replicating among themselves with at most one
// PRIMARY. Master is nil when the group has no elected master, in which
// case the group is read-only globally.
type Group struct {
	GroupID     string
	Description string
	Servers     []uuid.UUID
	Master      *uuid.UUID
	Status      GroupStatus
	CreatedAt   time.Time
}

// HasServer reports whether uuid is a member of the group.
func (g *Group) HasServer(id uuid.UUID) bool {
	for _, s := range g.Servers {
		if s == id {
			return true
		}
	}
	return false
}

// MappingType is a sharding strategy.
type MappingType string

const (
	MappingRange       MappingType = "RANGE"
	MappingRangeString MappingType = "RANGE_STRING"
	MappingHash        MappingType = "HASH"
)

// ShardMapping is a named sharding scheme binding a partition strategy to
// the group holding the scheme's globally-replicated tables.
type ShardMapping struct {
	MappingID     int64
	Type          MappingType
	GlobalGroupID string
	CreatedAt     time.Time
}

// ShardTable registers one sharded table under a mapping.
type ShardTable struct {
	MappingID      int64
	Schema         string
	Table          string
	ShardKeyColumn string
}

// QualifiedName returns "schema.table".
func (t ShardTable) QualifiedName() string {
	return t.Schema + "." + t.Table
}

// ShardState is whether a shard currently takes routed traffic.
type ShardState string

const (
	ShardEnabled  ShardState = "ENABLED"
	ShardDisabled ShardState = "DISABLED"
)

// Shard is one horizontal partition of a mapping's tables, owned by one group.
type Shard struct {
	ShardID   int64
	MappingID int64
	State     ShardState
	GroupID   string
	CreatedAt time.Time
}

// ShardRange is the lower bound of a shard's key range. The upper bound is
// implicit: the next range's LowerBound in sorted order, or +infinity for
// the highest-bound shard of a mapping.
type ShardRange struct {
	ShardID    int64
	MappingID  int64
	LowerBound string
}

// ProcedureState is the Executor's state-machine position for a Procedure.
type ProcedureState string

const (
	ProcedureScheduled ProcedureState = "SCHEDULED"
	ProcedureRunning   ProcedureState = "RUNNING"
	ProcedureComplete  ProcedureState = "COMPLETE"
	ProcedureFailed    ProcedureState = "FAILED"
	ProcedureUndoing   ProcedureState = "UNDOING"
	ProcedureUndone    ProcedureState = "UNDONE"
)

// StepState is the per-action state reported in a procedure's diagnosis.
type StepState string

const (
	StepScheduled StepState = "SCHEDULED"
	StepRunning   StepState = "RUNNING"
	StepComplete  StepState = "COMPLETE"
	StepFailed    StepState = "FAILED"
)

// StepDiagnosis is one entry of a Procedure's diagnosis list — returned as
// the steps of a dispatch call's result and by Executor.Status.
type StepDiagnosis struct {
	State       StepState
	Success     bool
	Description string
	Diagnosis   string
}

// ProcedureRecord is the audit-table shape of a completed Procedure:
// everything the live executor.Procedure carries except the Go callables,
// which cannot outlive the process and are not persisted.
type ProcedureRecord struct {
	ProcedureID string
	Summary     string
	State       ProcedureState
	Diagnosis   []StepDiagnosis
	ReturnValue any
	CreatedAt   time.Time
	CompletedAt time.Time
}
