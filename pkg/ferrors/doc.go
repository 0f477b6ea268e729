/*
Package ferrors is the Fabric's error-kind taxonomy (spec.md §7).

Every RPC returns success=false with a diagnosis list pinpointing the
failing action; no stack trace or internal error type leaks across the
wire. pkg/executor labels a failed step's diagnosis with the error's
Kind (via KindOf), never its Go type name.
*/
package ferrors
