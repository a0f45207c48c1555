// Package contracts defines the types that cross the boundaries of the
// delivery core.
//
// Two shapes flow through the system:
//   - Event: the raw unit consumed from the broker, produced by the platform
//     services (device, program, material, user management).
//   - Envelope: the canonical outbound message built by a classifier and
//     handed to the dispatcher for delivery to live client connections.
//
// Event types are parsed into the closed EventKind set. Every kind belongs to
// exactly one Family, and anything the core does not recognise becomes
// KindUnknown instead of being dropped.
package contracts
