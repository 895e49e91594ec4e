package keys

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// Sign produces an ECDSA signature of data, which is expected to be a digest.
func Sign(priv *ecdsa.PrivateKey, data []byte) (r, s *big.Int, err error) {
	return ecdsa.Sign(rand.Reader, priv, data)
}

// Verify reports whether the r,s pair is a valid signature of data under the
// given public key.
func Verify(pub *ecdsa.PublicKey, data []byte, r, s *big.Int) bool {
	return ecdsa.Verify(pub, data, r, s)
}

// EncodeSignature serializes an r,s pair as two hex strings joined by a
// colon. The format is what travels in a node's Signature field.
func EncodeSignature(r, s *big.Int) string {
	return fmt.Sprintf("%s:%s", r.Text(16), s.Text(16))
}

// DecodeSignature is the inverse of EncodeSignature.
func DecodeSignature(sig string) (r, s *big.Int, err error) {
	parts := strings.Split(sig, ":")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("malformed signature %q", sig)
	}

	r, okR := new(big.Int).SetString(parts[0], 16)
	s, okS := new(big.Int).SetString(parts[1], 16)
	if !okR || !okS {
		return nil, nil, fmt.Errorf("malformed signature %q", sig)
	}

	return r, s, nil
}
