package core

import "testing"

func newTestSyncManager(t *testing.T, storage *Storage, ledger *Ledger, validators *ValidatorSet) *SyncManager {
	t.Helper()
	mempool := NewMempool(10, ledger, nil)
	return NewSyncManager(storage, ledger, validators, mempool, nil, nil)
}

func TestLexLess(t *testing.T) {
	a := Hash{1, 2, 3}
	b := Hash{1, 2, 4}
	if !lexLess(a, b) {
		t.Fatal("expected a < b")
	}
	if lexLess(b, a) {
		t.Fatal("expected b !< a")
	}
	if lexLess(a, a) {
		t.Fatal("a must not be less than itself")
	}
}

func TestChainWeightSumsLeaderStake(t *testing.T) {
	kv := newMemKV()
	validators := NewValidatorSet(kv, 10)
	v1, v2 := Address{1}, Address{2}
	if err := validators.Upsert(v1, 100); err != nil {
		t.Fatal(err)
	}
	if err := validators.Upsert(v2, 900); err != nil {
		t.Fatal(err)
	}

	b0 := &Block{Index: 1, PreviousHash: Hash{1}}
	leader, err := validators.SelectLeader(b0.PreviousHash, b0.Index)
	if err != nil {
		t.Fatalf("select leader: %v", err)
	}
	rec, _ := validators.Get(leader)

	sm := &SyncManager{validators: validators}
	weight := sm.chainWeight([]Block{*b0})
	if weight != rec.Stake {
		t.Fatalf("chain weight = %d, want %d", weight, rec.Stake)
	}
}

func TestHandleIncomingBlockExtendsTip(t *testing.T) {
	storage := openTestStorage(t)
	ledger, err := NewLedger(storage, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	validators := NewValidatorSet(storage, 10)
	sm := newTestSyncManager(t, storage, ledger, validators)

	genesis := &Block{Index: 0, PreviousHash: ZeroHash, MerkleRoot: MerkleRoot(nil)}
	genesis.Hash = CanonicalBlockHash(genesis)
	if err := storage.PutBlock(genesis); err != nil {
		t.Fatalf("put genesis: %v", err)
	}

	next := &Block{Index: 1, PreviousHash: genesis.Hash, MerkleRoot: MerkleRoot(nil)}
	next.Hash = CanonicalBlockHash(next)

	if err := sm.HandleIncomingBlock(nil, next); err != nil {
		t.Fatalf("handle incoming block: %v", err)
	}
	if got := storage.LatestHeight(); got != 1 {
		t.Fatalf("latest height = %d, want 1", got)
	}
}

func TestHandleIncomingBlockRejectsBadMerkleRoot(t *testing.T) {
	storage := openTestStorage(t)
	ledger, err := NewLedger(storage, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	validators := NewValidatorSet(storage, 10)
	sm := newTestSyncManager(t, storage, ledger, validators)

	genesis := &Block{Index: 0, PreviousHash: ZeroHash, MerkleRoot: MerkleRoot(nil)}
	genesis.Hash = CanonicalBlockHash(genesis)
	if err := storage.PutBlock(genesis); err != nil {
		t.Fatalf("put genesis: %v", err)
	}

	bad := &Block{Index: 1, PreviousHash: genesis.Hash, MerkleRoot: Hash{0xaa}}
	bad.Hash = CanonicalBlockHash(bad)

	if err := sm.HandleIncomingBlock(nil, bad); err != ErrMerkleMismatch {
		t.Fatalf("err = %v, want ErrMerkleMismatch", err)
	}
}

func TestHandleIncomingBlockIgnoresStaleHeight(t *testing.T) {
	storage := openTestStorage(t)
	ledger, err := NewLedger(storage, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	validators := NewValidatorSet(storage, 10)
	sm := newTestSyncManager(t, storage, ledger, validators)

	genesis := &Block{Index: 0, PreviousHash: ZeroHash, MerkleRoot: MerkleRoot(nil)}
	genesis.Hash = CanonicalBlockHash(genesis)
	if err := storage.PutBlock(genesis); err != nil {
		t.Fatalf("put genesis: %v", err)
	}

	stale := &Block{Index: 0, PreviousHash: ZeroHash, MerkleRoot: MerkleRoot(nil)}
	stale.Hash = CanonicalBlockHash(stale)

	if err := sm.HandleIncomingBlock(nil, stale); err != nil {
		t.Fatalf("expected stale height to be a no-op, got %v", err)
	}
	if got := storage.LatestHeight(); got != 0 {
		t.Fatalf("latest height = %d, want 0 (unchanged)", got)
	}
}
