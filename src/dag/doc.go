// Package dag implements the append-only ledger at the heart of meshdag: a
// directed acyclic graph of signed nodes replicated across peers.
//
// Nodes are stored in an id-keyed table and reference their parents by id, so
// cycles are a checkable graph property rather than a memory-safety hazard,
// and removal is trivial. The Manager enforces structural and cryptographic
// validity on every insertion: parents must already be present and temporally
// earlier, the id must be new, the declared parent set must not close a
// cycle, and the signature must verify against the canonical encoding of the
// node. All mutations go through one mutual-exclusion boundary so that
// concurrent insert attempts observe a consistent snapshot.
package dag
