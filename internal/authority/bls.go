package authority

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key (G1).
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature (G2).
	SignatureSize = 96
)

// blsDST is the ciphersuite tag for min-pk BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// keygenDomain binds BLS keys derived from an ed25519 seed to this protocol.
const keygenDomain = "stakequorum-bls-keygen"

// BLSKeyPair is an authority's signing key.
type BLSKeyPair struct {
	secret *blst.SecretKey
	public [PublicKeySize]byte
}

// DeriveFromED25519 derives the authority's BLS key from its ed25519 identity,
// so a single key file covers both transport and signing.
func DeriveFromED25519(privKey ed25519.PrivateKey) (*BLSKeyPair, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key size: %d", len(privKey))
	}

	h := blake3.New()
	h.Write([]byte(keygenDomain))
	h.Write(privKey.Seed())

	var ikm [32]byte
	h.Sum(ikm[:0])

	return GenerateBLSKeyFromSeed(ikm[:])
}

// GenerateBLSKey creates a BLS key from a random seed.
func GenerateBLSKey() (*BLSKeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("read random seed:\n%w", err)
	}

	return GenerateBLSKeyFromSeed(ikm[:])
}

// GenerateBLSKeyFromSeed creates a BLS key from at least 32 bytes of key material.
func GenerateBLSKeyFromSeed(ikm []byte) (*BLSKeyPair, error) {
	if len(ikm) < 32 {
		return nil, fmt.Errorf("key material too short: %d < 32", len(ikm))
	}

	secret := blst.KeyGen(ikm)
	if secret == nil {
		return nil, fmt.Errorf("bls key generation failed")
	}

	k := &BLSKeyPair{secret: secret}
	copy(k.public[:], new(blst.P1Affine).From(secret).Compress())

	return k, nil
}

// PublicKey returns the compressed public key.
func (k *BLSKeyPair) PublicKey() [PublicKeySize]byte {
	return k.public
}

// Sign signs message and returns the compressed signature.
func (k *BLSKeyPair) Sign(message []byte) [SignatureSize]byte {
	var out [SignatureSize]byte
	copy(out[:], new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress())

	return out
}

// Verify checks signature over message against a single public key.
func Verify(signature [SignatureSize]byte, message []byte, publicKey [PublicKeySize]byte) bool {
	sig := new(blst.P2Affine).Uncompress(signature[:])
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey[:])
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// AggregateSignatures combines signatures over the same message.
func AggregateSignatures(signatures [][SignatureSize]byte) ([SignatureSize]byte, error) {
	var out [SignatureSize]byte

	if len(signatures) == 0 {
		return out, fmt.Errorf("no signatures to aggregate")
	}

	compressed := make([][]byte, len(signatures))
	for i := range signatures {
		compressed[i] = signatures[i][:]
	}

	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(compressed, true) {
		return out, fmt.Errorf("invalid signature in aggregate")
	}

	copy(out[:], agg.ToAffine().Compress())

	return out, nil
}

// VerifyAggregated checks an aggregated signature over message against every
// signer's public key.
func VerifyAggregated(signature [SignatureSize]byte, message []byte, publicKeys [][PublicKeySize]byte) bool {
	if len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature[:])
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))
	for i := range publicKeys {
		pk := new(blst.P1Affine).Uncompress(publicKeys[i][:])
		if pk == nil || !pk.KeyValidate() {
			return false
		}

		pks[i] = pk
	}

	return sig.FastAggregateVerify(true, pks, message, blsDST)
}
