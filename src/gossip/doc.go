// Package gossip implements best-effort epidemic dissemination of messages
// with deduplication, acknowledgment tracking and fallback delivery through
// designated relay peers.
package gossip
