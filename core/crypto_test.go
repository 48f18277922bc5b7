package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func mustKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestDeriveAddressDeterministic(t *testing.T) {
	pub, _ := mustKey(t)
	a1 := DeriveAddress(pub)
	a2 := DeriveAddress(pub)
	if a1 != a2 {
		t.Fatalf("address derivation not deterministic: %v != %v", a1, a2)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := mustKey(t)
	tx := Transaction{From: DeriveAddress(pub), To: Address{1}, Asset: AssetGAS, Amount: 10, GasFee: 1, Nonce: 0}
	h := CanonicalTxHash(&tx)
	sig := Sign(priv, h)
	if !VerifySignature(pub, h, sig) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifySignatureRejectsTamperedHash(t *testing.T) {
	pub, priv := mustKey(t)
	tx := Transaction{From: DeriveAddress(pub), To: Address{1}, Asset: AssetGAS, Amount: 10, GasFee: 1, Nonce: 0}
	h := CanonicalTxHash(&tx)
	sig := Sign(priv, h)

	tx.Amount = 999
	tamperedHash := CanonicalTxHash(&tx)
	if VerifySignature(pub, tamperedHash, sig) {
		t.Fatal("expected signature verification to fail for a tampered hash")
	}
}

func TestCanonicalTxHashStableAcrossFieldOrder(t *testing.T) {
	tx1 := Transaction{From: Address{1}, To: Address{2}, Asset: AssetSTAKE, Amount: 5, GasFee: 1, Nonce: 3}
	tx2 := tx1
	if CanonicalTxHash(&tx1) != CanonicalTxHash(&tx2) {
		t.Fatal("identical transactions must hash identically")
	}
	tx2.Nonce = 4
	if CanonicalTxHash(&tx1) == CanonicalTxHash(&tx2) {
		t.Fatal("changing nonce must change the canonical hash")
	}
}

func TestMerkleRootEmptyIsStable(t *testing.T) {
	r1 := MerkleRoot(nil)
	r2 := MerkleRoot([]Transaction{})
	if r1 != r2 {
		t.Fatal("merkle root of an empty transaction list must be stable")
	}
}

func TestMerkleRootOrderSensitive(t *testing.T) {
	tx1 := Transaction{From: Address{1}, To: Address{2}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0}
	tx2 := Transaction{From: Address{3}, To: Address{4}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0}

	r1 := MerkleRoot([]Transaction{tx1, tx2})
	r2 := MerkleRoot([]Transaction{tx2, tx1})
	if r1 == r2 {
		t.Fatal("merkle root must depend on transaction order")
	}
}

func TestCanonicalBlockHashMatchesInvariant4(t *testing.T) {
	b := &Block{Index: 1, TimestampMs: 100, PreviousHash: Hash{9}, MerkleRoot: Hash{8}, Nonce: 0}
	b.Hash = CanonicalBlockHash(b)

	recomputed := CanonicalBlockHash(b)
	if recomputed != b.Hash {
		t.Fatal("recomputed block hash must match stored hash")
	}
}

func TestSeedFromPrevAndHeightVariesByHeight(t *testing.T) {
	prev := Hash{1, 2, 3}
	s1 := SeedFromPrevAndHeight(prev, 1)
	s2 := SeedFromPrevAndHeight(prev, 2)
	if s1 == s2 {
		t.Fatal("seed must vary with next height")
	}
}
