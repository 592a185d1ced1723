// Package storage provides the durable collections used by the relay.
//
// It currently supports:
//   - Three independently keyed collections (admins, channels, staged)
//     with collection-scoped atomic read-modify-write
//   - Audit log appends (operator actions and broadcasts)
//   - A single-instance advisory process lock
package storage
