// Package keys implements the cryptographic keys and signatures used to sign
// and verify DAG nodes. Keys are ECDSA keys on the secp256k1 curve, the same
// curve used by Bitcoin and Ethereum.
package keys
