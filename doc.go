// Package vef is the VillageSQL Extension Framework: runtime installation of
// shared-library extensions that contribute new scalar data types and scalar
// functions to a MySQL-compatible SQL engine, with durable registration
// across server restarts.
//
// The framework is split into a small set of subpackages:
//
//   - semver parses and orders the semantic versions extensions declare.
//   - schema/identifier normalizes SQL identifiers into the canonical byte
//     strings used by persistent catalog keys.
//   - victionary is the in-memory catalog: transactional, reference-counted
//     maps of extension objects, backed by system tables for the persistent
//     kinds.
//   - extension owns the install/uninstall protocol, the .veb archive
//     format, and the dynamic-library ABI handshake.
//   - engine/inject attaches extension-defined types to columns, literals
//     and expression nodes, and validates which operations may touch them.
//   - engine/vdf is the calling convention for extension-defined functions.
//
// This package holds what the subpackages share: the user-visible error
// vocabulary, the process-level configuration, and the contracts consumed
// from the host server (metadata locks, transaction hooks, the function
// registry).
package vef
