// Package peers defines the peers of a meshdag network and implements
// functions to manage collections of peers.
//
// A peer is an entity that operates a meshdag node. Peers are identified by
// their public keys and a network address where they can be reached by other
// peers; a moniker gives them a non-unique user-friendly name. A peer may
// additionally be designated as a fallback peer: a relay that other nodes ask
// to re-attempt delivery when a direct gossip send to a third peer fails.
//
// Upon starting up, a node expects to find a peers.json file in its data
// directory, listing the peers it should gossip with.
package peers
