// Package registry implements the ServerRegistry of spec.md §4.2: server
// UUID discovery, add/remove/lookup, and pooled ServerConn acquisition. A
// connect failure marks the server FAULTY and fires events.ServerLost so
// GroupManager can schedule a failover the same way the reconciler does.
package registry
