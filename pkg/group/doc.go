// Package group implements the GroupManager of spec.md §4.3: server
// membership in an HA group, and the master-changeover protocol driving
// promote, demote, and fail_over. Every operation is built as an
// executor.Procedure so a partial changeover undoes itself the same way
// a shard move does.
//
// Initialize performs the startup half of §4.3's reconciliation duty:
// pkg/reconciler only detects FAULTY servers on a timer; since a crash
// between reconfiguring remote replicas and committing metadata leaves
// the authoritative topology on the servers themselves, Initialize reads
// each declared master's actual replication state at boot and rewrites
// group metadata when that master is found replicating from another
// server, rather than trusting what was last written.
package group
