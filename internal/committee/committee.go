package committee

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/zeebo/blake3"
)

// AuthorityName is an authority's ed25519 public key.
type AuthorityName [32]byte

// String returns the first 8 bytes in hex.
func (n AuthorityName) String() string {
	return hex.EncodeToString(n[:8])
}

// ParseName decodes a hex-encoded 32-byte authority name.
func ParseName(s string) (AuthorityName, error) {
	var name AuthorityName

	raw, err := hex.DecodeString(s)
	if err != nil {
		return name, fmt.Errorf("decode name:\n%w", err)
	}

	if len(raw) != len(name) {
		return name, fmt.Errorf("invalid name size: got %d, want %d", len(raw), len(name))
	}

	copy(name[:], raw)

	return name, nil
}

// Member is one authority of the committee.
type Member struct {
	Name        AuthorityName // Name is the authority's ed25519 public key
	Stake       uint64        // Stake is the authority's voting power
	BLSPubkey   [48]byte      // BLSPubkey is the compressed BLS public key used to verify signatures
	Address     string        // Address is the authority's QUIC address
	Blocklisted bool          // Blocklisted members keep their entry but carry no weight
}

// Committee is an immutable stake table. It is safe for concurrent use.
type Committee struct {
	members     []Member              // members sorted by name
	index       map[AuthorityName]int // index maps name to position in members
	total       uint64                // total is the stake of all members
	blocklisted uint64                // blocklisted is the stake of blocklisted members
}

// New builds a committee. Names must be unique and the total stake positive.
func New(members []Member) (*Committee, error) {
	c := &Committee{
		members: make([]Member, len(members)),
		index:   make(map[AuthorityName]int, len(members)),
	}

	copy(c.members, members)

	sort.Slice(c.members, func(i, j int) bool {
		return bytes.Compare(c.members[i].Name[:], c.members[j].Name[:]) < 0
	})

	for i, m := range c.members {
		if _, exists := c.index[m.Name]; exists {
			return nil, fmt.Errorf("duplicate authority %s", m.Name)
		}

		if c.total+m.Stake < c.total {
			return nil, fmt.Errorf("total stake overflows")
		}

		c.index[m.Name] = i
		c.total += m.Stake

		if m.Blocklisted {
			c.blocklisted += m.Stake
		}
	}

	if c.total == 0 {
		return nil, fmt.Errorf("committee has no stake")
	}

	return c, nil
}

// Len returns the number of members.
func (c *Committee) Len() int {
	return len(c.members)
}

// Members returns a copy of all members sorted by name.
func (c *Committee) Members() []Member {
	out := make([]Member, len(c.members))
	copy(out, c.members)

	return out
}

// Member returns the member with the given name.
func (c *Committee) Member(name AuthorityName) (Member, bool) {
	idx, ok := c.index[name]
	if !ok {
		return Member{}, false
	}

	return c.members[idx], true
}

// Index returns the member's position in Members order, or -1.
func (c *Committee) Index(name AuthorityName) int {
	if idx, ok := c.index[name]; ok {
		return idx
	}

	return -1
}

// IsActive reports whether name is a member that is not blocklisted.
func (c *Committee) IsActive(name AuthorityName) bool {
	idx, ok := c.index[name]
	return ok && !c.members[idx].Blocklisted
}

// Weight returns the stake of an active member, 0 for unknown or blocklisted ones.
func (c *Committee) Weight(name AuthorityName) uint64 {
	idx, ok := c.index[name]
	if !ok || c.members[idx].Blocklisted {
		return 0
	}

	return c.members[idx].Stake
}

// TotalStake returns the stake of all members, blocklisted included.
func (c *Committee) TotalStake() uint64 {
	return c.total
}

// TotalBlocklistedStake returns the stake held by blocklisted members.
func (c *Committee) TotalBlocklistedStake() uint64 {
	return c.blocklisted
}

// QuorumThreshold returns the smallest stake strictly above two thirds of
// the total (2f+1). It is computed without overflowing for any total.
func (c *Committee) QuorumThreshold() uint64 {
	return c.total/3*2 + c.total%3*2/3 + 1
}

// ValidityThreshold returns the smallest stake strictly above one third of
// the total (f+1). Any set holding it contains an honest member.
func (c *Committee) ValidityThreshold() uint64 {
	return c.total/3 + 1
}

// ShuffleByStake orders all members for querying with a fresh random seed.
func (c *Committee) ShuffleByStake(preferred map[AuthorityName]struct{}) []AuthorityName {
	var seed [32]byte
	rand.Read(seed[:]) // never fails since Go 1.24

	return c.ShuffleByStakeWithSeed(seed, preferred)
}

// scoredMember pairs a member with its shuffle key.
type scoredMember struct {
	name AuthorityName
	key  float64
}

// ShuffleByStakeWithSeed orders all members: preferred members first in name
// order, then active members in a stake-weighted random order, then members
// without weight. Higher stake makes earlier placement more likely.
//
// The random draw of each member is BLAKE3(seed || name), so the order is a
// deterministic function of the seed.
func (c *Committee) ShuffleByStakeWithSeed(seed [32]byte, preferred map[AuthorityName]struct{}) []AuthorityName {
	out := make([]AuthorityName, 0, len(c.members))

	var weighted, unweighted []scoredMember

	for _, m := range c.members {
		if _, ok := preferred[m.Name]; ok {
			out = append(out, m.Name)
			continue
		}

		w := c.Weight(m.Name)
		if w == 0 {
			unweighted = append(unweighted, scoredMember{name: m.Name})
			continue
		}

		// Weighted sampling without replacement: key = u^(1/w), compared in log space.
		weighted = append(weighted, scoredMember{
			name: m.Name,
			key:  math.Log(uniform(seed, m.Name)) / float64(w),
		})
	}

	sort.SliceStable(weighted, func(i, j int) bool {
		return weighted[i].key > weighted[j].key
	})

	for _, s := range weighted {
		out = append(out, s.name)
	}

	for _, s := range unweighted {
		out = append(out, s.name)
	}

	return out
}

// uniform maps BLAKE3(seed || name) to a float in (0, 1).
func uniform(seed [32]byte, name AuthorityName) float64 {
	h := blake3.New()
	h.Write(seed[:])
	h.Write(name[:])

	var sum [32]byte
	h.Sum(sum[:0])

	bits := binary.BigEndian.Uint64(sum[:8]) >> 11

	return (float64(bits) + 0.5) / (1 << 53)
}
