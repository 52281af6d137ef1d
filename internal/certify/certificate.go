package certify

import (
	"fmt"

	"StakeQuorum/internal/authority"
	"StakeQuorum/internal/committee"
)

// Certificate proves that a quorum of the committee signed Message.
type Certificate struct {
	Digest    [32]byte                      // Digest is authority.Digest(Message)
	Message   []byte                        // Message is the certified payload
	Signature [authority.SignatureSize]byte // Signature aggregates every signer's signature over Digest
	Signers   []byte                        // Signers is a bitmap over committee.Members order
	Stake     uint64                        // Stake is the total stake of the signers
}

// SignerNames returns the names of the signers in committee order.
func (c *Certificate) SignerNames(com *committee.Committee) ([]committee.AuthorityName, error) {
	indices, err := bitmapIndices(c.Signers, com.Len())
	if err != nil {
		return nil, err
	}

	members := com.Members()
	names := make([]committee.AuthorityName, len(indices))

	for i, idx := range indices {
		names[i] = members[idx].Name
	}

	return names, nil
}

// Verify checks the certificate against com: the digest matches the message,
// every signer is an active member, the signers hold at least the quorum
// threshold and the aggregated signature is valid.
func (c *Certificate) Verify(com *committee.Committee) error {
	if authority.Digest(c.Message) != c.Digest {
		return fmt.Errorf("digest does not match message")
	}

	indices, err := bitmapIndices(c.Signers, com.Len())
	if err != nil {
		return fmt.Errorf("decode signers:\n%w", err)
	}

	members := com.Members()
	pubkeys := make([][authority.PublicKeySize]byte, 0, len(indices))

	var stake uint64

	for _, idx := range indices {
		m := members[idx]
		if m.Blocklisted {
			return fmt.Errorf("signer %s is blocklisted", m.Name)
		}

		stake += m.Stake
		pubkeys = append(pubkeys, m.BLSPubkey)
	}

	if stake != c.Stake {
		return fmt.Errorf("signer stake %d does not match claimed %d", stake, c.Stake)
	}

	if threshold := com.QuorumThreshold(); stake < threshold {
		return fmt.Errorf("signer stake %d below quorum threshold %d", stake, threshold)
	}

	if !authority.VerifyAggregated(c.Signature, c.Digest[:], pubkeys) {
		return fmt.Errorf("invalid aggregated signature")
	}

	return nil
}

// signerBitmap sets one bit per index, least significant bit first.
func signerBitmap(indices []int, n int) []byte {
	bitmap := make([]byte, (n+7)/8)

	for _, idx := range indices {
		bitmap[idx/8] |= 1 << (idx % 8)
	}

	return bitmap
}

// bitmapIndices returns the set bits of a bitmap over n members in ascending
// order. The bitmap must be exactly sized and have no bit at or past n.
func bitmapIndices(bitmap []byte, n int) ([]int, error) {
	if len(bitmap) != (n+7)/8 {
		return nil, fmt.Errorf("bitmap size %d, want %d for %d members", len(bitmap), (n+7)/8, n)
	}

	var indices []int

	for i := 0; i < len(bitmap)*8; i++ {
		if bitmap[i/8]&(1<<(i%8)) == 0 {
			continue
		}

		if i >= n {
			return nil, fmt.Errorf("bit %d set past %d members", i, n)
		}

		indices = append(indices, i)
	}

	return indices, nil
}
