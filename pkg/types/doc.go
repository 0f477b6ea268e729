/*
Package types defines the Fabric data model shared by every core
package: Server, Group, ShardMapping, ShardTable, Shard, and ShardRange
are the entities the MetadataStore persists; ProcedureRecord and
StepDiagnosis are the audit-facing shape of a Procedure once the
Executor has retired it.

The MetadataStore owns these values at rest; pkg/group and
pkg/sharding keep no in-memory copy and read and write them through a
store transaction on every operation, and pkg/executor owns the live (non-serializable) Procedure/Action graph
while a procedure is running, persisting only its ProcedureRecord once
it reaches a terminal state.
*/
package types
