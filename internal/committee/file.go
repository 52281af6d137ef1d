package committee

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// memberEntry is the JSON form of a Member.
type memberEntry struct {
	Pubkey      string `json:"pubkey"`
	Stake       uint64 `json:"stake"`
	BLSPubkey   string `json:"bls_pubkey"`
	Address     string `json:"address"`
	Blocklisted bool   `json:"blocklisted,omitempty"`
}

// Load reads a committee from a JSON file holding an array of members.
func Load(path string) (*Committee, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read committee file:\n%w", err)
	}

	return Parse(data)
}

// Parse decodes a JSON committee.
func Parse(data []byte) (*Committee, error) {
	var entries []memberEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode committee:\n%w", err)
	}

	members := make([]Member, len(entries))

	for i, e := range entries {
		name, err := ParseName(e.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("member %d:\n%w", i, err)
		}

		blsRaw, err := hex.DecodeString(e.BLSPubkey)
		if err != nil {
			return nil, fmt.Errorf("member %d: decode bls pubkey:\n%w", i, err)
		}

		if len(blsRaw) != 48 {
			return nil, fmt.Errorf("member %d: invalid bls pubkey size %d", i, len(blsRaw))
		}

		members[i] = Member{
			Name:        name,
			Stake:       e.Stake,
			Address:     e.Address,
			Blocklisted: e.Blocklisted,
		}
		copy(members[i].BLSPubkey[:], blsRaw)
	}

	return New(members)
}

// Marshal encodes members in the format read by Parse.
func Marshal(members []Member) ([]byte, error) {
	entries := make([]memberEntry, len(members))

	for i, m := range members {
		entries[i] = memberEntry{
			Pubkey:      hex.EncodeToString(m.Name[:]),
			Stake:       m.Stake,
			BLSPubkey:   hex.EncodeToString(m.BLSPubkey[:]),
			Address:     m.Address,
			Blocklisted: m.Blocklisted,
		}
	}

	return json.MarshalIndent(entries, "", "  ")
}
