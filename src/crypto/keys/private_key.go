package keys

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// GenerateECDSAKey creates a new private key on the curve returned by Curve().
func GenerateECDSAKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(Curve(), rand.Reader)
}

// DumpPrivateKey exports the key's scalar as a fixed-width big-endian byte
// slice, suitable for ParsePrivateKey.
func DumpPrivateKey(priv *ecdsa.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	buf := make([]byte, priv.Params().BitSize/8)
	priv.D.FillBytes(buf)
	return buf
}

// ParsePrivateKey rebuilds a private key from the raw scalar produced by
// DumpPrivateKey, rejecting scalars outside the valid range of the curve.
func ParsePrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	curve := Curve()

	if 8*len(d) != curve.Params().BitSize {
		return nil, fmt.Errorf("private key must be %d bits", curve.Params().BitSize)
	}

	scalar := new(big.Int).SetBytes(d)
	if scalar.Sign() <= 0 || scalar.Cmp(secp256k1N) >= 0 {
		return nil, errors.New("private key scalar out of range")
	}

	priv := &ecdsa.PrivateKey{D: scalar}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d)
	if priv.PublicKey.X == nil {
		return nil, errors.New("invalid private key")
	}

	return priv, nil
}

// PrivateKeyHex returns the hex form of DumpPrivateKey's output.
func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(DumpPrivateKey(key))
}
