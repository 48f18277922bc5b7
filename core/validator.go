package core

import (
	"encoding/json"
	"sort"
	"sync"
)

const validatorKeyPrefix = "validator:"

func validatorKey(a Address) []byte { return []byte(validatorKeyPrefix + a.Hex()) }

// ValidatorSet is the persistent {(address, stake, active)} set of §3,
// grounded on the teacher's ValidatorManager (consensus_validator_management.go),
// generalized from a stake-escrow manager tied to the ledger's StakingAccount
// into a read-mostly registry the consensus producer draws leaders from.
type ValidatorSet struct {
	mu            sync.RWMutex
	kv            StateKV
	minimumStake  uint64
}

// NewValidatorSet constructs a validator set backed by kv, loading any
// previously persisted records.
func NewValidatorSet(kv StateKV, minimumStake uint64) *ValidatorSet {
	return &ValidatorSet{kv: kv, minimumStake: minimumStake}
}

// Upsert registers or updates a validator's stake, deriving Active from
// stake ≥ minimum_stake.
func (vs *ValidatorSet) Upsert(addr Address, stake uint64) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	rec := ValidatorRecord{Address: addr, Stake: stake, Active: stake >= vs.minimumStake}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return vs.kv.SetState(validatorKey(addr), b)
}

// Get returns a validator's record, ok=false if never registered.
func (vs *ValidatorSet) Get(addr Address) (ValidatorRecord, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	raw, err := vs.kv.GetState(validatorKey(addr))
	if err != nil || len(raw) == 0 {
		return ValidatorRecord{}, false
	}
	var rec ValidatorRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ValidatorRecord{}, false
	}
	return rec, true
}

// Active returns the active validator set in canonical ascending-address
// order, the order §4.5's leader walk requires.
func (vs *ValidatorSet) Active() []ValidatorRecord {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	it := vs.kv.PrefixIterator([]byte(validatorKeyPrefix))
	defer it.Close()
	var out []ValidatorRecord
	for it.Next() {
		var rec ValidatorRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}
		if rec.Active {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out
}

// SelectLeader implements the stake-weighted pseudo-random draw of §4.5:
// seed = sha256(previous_hash ‖ next_height) mod total_stake, walking
// validators in canonical ascending-address order accumulating stake; the
// first validator whose running sum strictly exceeds the draw is the
// leader. Returns ErrNoLeader if the active total stake is zero.
func (vs *ValidatorSet) SelectLeader(previousHash Hash, nextHeight uint64) (Address, error) {
	active := vs.Active()
	var total uint64
	for _, v := range active {
		total += v.Stake
	}
	if total == 0 {
		return Address{}, ErrNoLeader
	}
	seed := SeedFromPrevAndHeight(previousHash, nextHeight)
	r := SeedAsUint64(seed) % total
	var running uint64
	for _, v := range active {
		running += v.Stake
		if running > r {
			return v.Address, nil
		}
	}
	// Unreachable for a correctly computed total, but guards against a
	// stale total read racing a concurrent stake change.
	return active[len(active)-1].Address, nil
}
