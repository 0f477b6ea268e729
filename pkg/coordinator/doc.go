// Package coordinator wraps hashicorp/raft around a storage.MetadataStore so
// metadata mutations are replicated through a Raft log instead of written
// directly to one process's store. spec.md's "single active coordinator is
// assumed" Non-goal means only one voter is configured by default: Bootstrap
// (not New) sets up a single-node cluster, so every proposal commits locally
// with no real replication latency, but the log format leaves room to add voters
// later without changing the FSM.
//
// The FSM funnels every committed entry through exactly one storage.Txn, the
// same one-transaction-per-mutation discipline executor.Action already
// follows, so a process restart mid-log-replay can never leave a partially
// applied Action behind.
package coordinator
