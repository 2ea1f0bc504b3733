// Package transport moves opaque request and event frames between
// partition clients and partition hosts. Frames are produced and
// consumed by the protocol package; transports never interpret them.
// Implementations exist for in-process use (local) and gRPC
// (frontends/grpc and clients/grpc), so the rest of the system
// does not care which one is in use.
package transport
