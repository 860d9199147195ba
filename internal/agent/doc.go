// Package agent composes the registry, key exchange, session machine,
// conflict resolver, and history log into a single synchronization
// agent.
//
// # Overview
//
// An Agent is one device's synchronization endpoint. It discovers and
// registers peers, performs ephemeral key exchanges, drives encrypted
// delta transfers, parks divergent edits as conflicts, and records
// every finished session in an append-only history.
//
// Agents are independent instances: a process may host several, each
// with its own store and configuration.
package agent
