// Package reconciler runs the periodic half of spec.md §4.3's
// reconciliation duty: on a timer, it TCP-probes every known server and
// transitions one that fails three consecutive probes to FAULTY, firing
// SERVER_LOST so GroupManager can schedule a failover procedure. The
// startup pass — reading actual replication state and rewriting metadata
// to match it — lives in GroupManager.Initialize, since only the group
// package has the replication driver needed to ask a server who its
// master is.
package reconciler
