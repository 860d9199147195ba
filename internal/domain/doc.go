// Package domain defines the core types, store interfaces, and error
// taxonomy shared by every peersync component.
//
// # Overview
//
// The sync agent exchanges encrypted delta packets with peer devices over
// an abstract packet channel and applies them to an abstract item store.
// This package holds the vocabulary for that exchange:
//   - Device and trust state, as tracked by the registry.
//   - Session state and progress, as driven by the state machine.
//   - HandshakeMessage and Delta, the payloads peers exchange.
//   - VersionVector, the lineage marker used for divergence detection.
//   - ConflictRecord and HistoryEntry, the durable audit artifacts.
//
// The concrete transport and persistent store are supplied at
// construction behind the interfaces defined here, so the core never
// performs its own network or disk I/O.
package domain
