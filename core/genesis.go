package core

import "fmt"

// GenesisValidator describes one validator's initial STAKE allocation at
// bootstrap.
type GenesisValidator struct {
	Address Address
	Stake   uint64
	GasSeed uint64 // initial GAS balance, e.g. Scenario A's 1,000
}

// BuildGenesisBlock constructs the height-0 block: empty transaction list,
// previous_hash = 0^32 (§3).
func BuildGenesisBlock(timestampMs uint64) *Block {
	b := &Block{
		Index:        0,
		TimestampMs:  timestampMs,
		PreviousHash: ZeroHash,
		Transactions: nil,
	}
	b.MerkleRoot = MerkleRoot(nil)
	b.Hash = CanonicalBlockHash(b)
	return b
}

// Bootstrap writes the genesis block and seeds the ledger and validator set
// from the given validator allocations, enforcing the fixed STAKE/BRAND
// supply invariants (§3 invariant 2).
func Bootstrap(n *Node, validators []GenesisValidator, brandAllocations map[Address]uint64, timestampMs uint64) error {
	if n.storage.HasBlock(0) {
		return fmt.Errorf("bootstrap: genesis already present")
	}

	for _, v := range validators {
		if err := n.ledger.BootstrapStake(v.Address, v.Stake); err != nil {
			return fmt.Errorf("bootstrap: stake %s: %w", v.Address.Hex(), err)
		}
		if v.GasSeed > 0 {
			if err := n.ledger.MintGas(v.Address, v.GasSeed); err != nil {
				return fmt.Errorf("bootstrap: gas seed %s: %w", v.Address.Hex(), err)
			}
		}
		if err := n.validators.Upsert(v.Address, v.Stake); err != nil {
			return fmt.Errorf("bootstrap: validator upsert %s: %w", v.Address.Hex(), err)
		}
	}
	for addr, amount := range brandAllocations {
		if err := n.ledger.BootstrapBrand(addr, amount); err != nil {
			return fmt.Errorf("bootstrap: brand %s: %w", addr.Hex(), err)
		}
	}

	genesis := BuildGenesisBlock(timestampMs)
	return n.storage.PutBlock(genesis)
}
