// Package transport exposes pkg/dispatch's (namespace, method) registry over
// gRPC (spec.md §6's "generic request/response transport delivering typed
// command invocations to the core"). A single unary method, Invoke, carries
// every namespace.method call; there is no per-command .proto message
// because the core must not depend on the shape of any one command. A JSON
// codec registered under the "json" content-subtype with grpc's encoding
// registry plays the role protobuf messages normally would, so InvokeRequest
// and InvokeResponse are plain Go structs, not generated types.
package transport
