// Package dagsync detects and closes gaps between the local DAG and the rest
// of the network through bounded-lifetime, per-peer reconciliation sessions.
package dagsync
