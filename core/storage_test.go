package core

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenStorage(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func buildChain(t *testing.T, n int) []*Block {
	t.Helper()
	blocks := make([]*Block, 0, n)
	prev := ZeroHash
	for i := 0; i < n; i++ {
		b := &Block{
			Index:        uint64(i),
			TimestampMs:  uint64(1000 * i),
			PreviousHash: prev,
			MerkleRoot:   MerkleRoot(nil),
		}
		b.Hash = CanonicalBlockHash(b)
		blocks = append(blocks, b)
		prev = b.Hash
	}
	return blocks
}

func TestStoragePutGetBlockRoundTrip(t *testing.T) {
	s := openTestStorage(t)
	chain := buildChain(t, 1)
	if err := s.PutBlock(chain[0]); err != nil {
		t.Fatalf("put block: %v", err)
	}

	got, ok, err := s.GetBlock(0)
	if err != nil || !ok {
		t.Fatalf("get block: ok=%v err=%v", ok, err)
	}
	if got.Hash != chain[0].Hash {
		t.Fatalf("hash mismatch after round trip")
	}

	byHash, ok, err := s.GetBlockByHash(chain[0].Hash)
	if err != nil || !ok {
		t.Fatalf("get block by hash: ok=%v err=%v", ok, err)
	}
	if byHash.Index != 0 {
		t.Fatalf("index = %d, want 0", byHash.Index)
	}
}

func TestStorageLatestHeightAndHasBlock(t *testing.T) {
	s := openTestStorage(t)
	chain := buildChain(t, 3)
	for _, b := range chain {
		if err := s.PutBlock(b); err != nil {
			t.Fatalf("put block %d: %v", b.Index, err)
		}
	}
	if got := s.LatestHeight(); got != 2 {
		t.Fatalf("latest height = %d, want 2", got)
	}
	if !s.HasBlock(1) || s.HasBlock(5) {
		t.Fatal("HasBlock reported incorrectly")
	}
}

func TestVerifyChainPassesOnConsistentChain(t *testing.T) {
	s := openTestStorage(t)
	for _, b := range buildChain(t, 4) {
		if err := s.PutBlock(b); err != nil {
			t.Fatalf("put block: %v", err)
		}
	}
	ok, err := s.VerifyChain()
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !ok {
		t.Fatal("expected chain to verify")
	}
}

func TestVerifyChainDetectsPreviousHashMismatch(t *testing.T) {
	s := openTestStorage(t)
	chain := buildChain(t, 3)
	// Corrupt block 2's previous_hash without recomputing its own hash, so
	// the invariant violation is detected at the linkage check rather than
	// masked by a self-consistent-but-wrong hash.
	chain[2].PreviousHash = Hash{0xff}
	for _, b := range chain {
		if err := s.PutBlock(b); err != nil {
			t.Fatalf("put block: %v", err)
		}
	}
	ok, err := s.VerifyChain()
	if ok || err == nil {
		t.Fatal("expected verify chain to detect previous_hash mismatch")
	}
}

func TestStorageStateKVRoundTrip(t *testing.T) {
	s := openTestStorage(t)
	key := []byte("account:deadbeef")
	if has, _ := s.HasState(key); has {
		t.Fatal("key should not exist yet")
	}
	if err := s.SetState(key, []byte("value")); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, err := s.GetState(key)
	if err != nil || string(got) != "value" {
		t.Fatalf("get state = %q, err=%v", got, err)
	}
	if err := s.DeleteState(key); err != nil {
		t.Fatalf("delete state: %v", err)
	}
	if has, _ := s.HasState(key); has {
		t.Fatal("key should be deleted")
	}
}

func TestStoragePrefixIterator(t *testing.T) {
	s := openTestStorage(t)
	if err := s.SetState([]byte("account:a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState([]byte("account:b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState([]byte("supply:gas"), []byte("3")); err != nil {
		t.Fatal(err)
	}

	it := s.PrefixIterator([]byte("account:"))
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	if count != 2 {
		t.Fatalf("prefix iterator returned %d keys, want 2", count)
	}
}

func TestStorageIndexTxFindTx(t *testing.T) {
	s := openTestStorage(t)
	h := Hash{1, 2, 3}
	if err := s.IndexTx(h, 7, 2); err != nil {
		t.Fatalf("index tx: %v", err)
	}
	height, pos, found, err := s.FindTx(h)
	if err != nil || !found {
		t.Fatalf("find tx: found=%v err=%v", found, err)
	}
	if height != 7 || pos != 2 {
		t.Fatalf("find tx = (%d, %d), want (7, 2)", height, pos)
	}
}

func TestOpenStorageRebuildsIndexFromDirectoryScan(t *testing.T) {
	dir := t.TempDir()
	s := func() *Storage {
		st, err := OpenStorage(dir, nil)
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		return st
	}()
	for _, b := range buildChain(t, 2) {
		if err := s.PutBlock(b); err != nil {
			t.Fatalf("put block: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Corrupt the persisted index snapshot; reopening must trust the
	// directory scan over the stale snapshot.
	if err := os.WriteFile(filepath.Join(dir, blocksDirName, indexFileName), []byte("[]"), 0o644); err != nil {
		t.Fatalf("corrupt index snapshot: %v", err)
	}

	reopened, err := OpenStorage(dir, nil)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer reopened.Close()
	if got := reopened.LatestHeight(); got != 1 {
		t.Fatalf("latest height after rebuild = %d, want 1 (scan must win over stale snapshot)", got)
	}
}
