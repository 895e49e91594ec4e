package keys

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/meshnetworks/meshdag/src/crypto"
)

func TestSignVerify(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	data := crypto.SHA256([]byte("some ledger payload"))

	r, s, err := Sign(key, data)
	if err != nil {
		t.Fatal(err)
	}

	if !Verify(&key.PublicKey, data, r, s) {
		t.Fatal("signature should verify")
	}

	other := crypto.SHA256([]byte("tampered payload"))
	if Verify(&key.PublicKey, other, r, s) {
		t.Fatal("signature of different data should not verify")
	}
}

func TestEncodeDecodeSignature(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	data := crypto.SHA256([]byte("round trip"))

	r, s, err := Sign(key, data)
	if err != nil {
		t.Fatal(err)
	}

	enc := EncodeSignature(r, s)

	r2, s2, err := DecodeSignature(enc)
	if err != nil {
		t.Fatal(err)
	}

	if r.Cmp(r2) != 0 || s.Cmp(s2) != 0 {
		t.Fatalf("decoded signature (%v, %v) does not match (%v, %v)", r2, s2, r, s)
	}
}

func TestDecodeSignatureMalformed(t *testing.T) {
	for _, sig := range []string{"", "deadbeef", "zz:yy", "1:2:3"} {
		if _, _, err := DecodeSignature(sig); err == nil {
			t.Fatalf("expected an error decoding %q", sig)
		}
	}
}

func TestDumpParsePrivateKey(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	dump := DumpPrivateKey(key)

	parsed, err := ParsePrivateKey(dump)
	if err != nil {
		t.Fatal(err)
	}

	if key.D.Cmp(parsed.D) != 0 {
		t.Fatal("parsed D value does not match")
	}

	if !reflect.DeepEqual(FromPublicKey(&key.PublicKey), FromPublicKey(&parsed.PublicKey)) {
		t.Fatal("parsed public key does not match")
	}
}

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "keys")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	keyfile := filepath.Join(dir, "priv_key")

	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	simpleKeyfile := NewSimpleKeyfile(keyfile)

	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatal(err)
	}

	readKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatal(err)
	}

	if key.D.Cmp(readKey.D) != 0 {
		t.Fatal("key read from file does not match")
	}
}
