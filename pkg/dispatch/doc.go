// Package dispatch is the explicit (namespace, method) -> handler registry
// spec.md §9 asks for in place of ad-hoc dynamic module scanning. It holds
// no business logic of its own: handlers close over the singletons built in
// cmd/fabric's serve command (registry.Registry, group.Manager,
// sharding.Catalog, lifecycle.Lifecycle, executor.Executor, events.Bus) and
// are registered once at startup. pkg/transport exposes the same registry
// over gRPC; cmd/fabric's CLI subcommands use it as a local, in-process
// client.
package dispatch
