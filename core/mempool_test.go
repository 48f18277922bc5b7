package core

import (
	"crypto/ed25519"
	"testing"
)

func newTestMempool(t *testing.T, capacity int) (*Mempool, *Ledger) {
	t.Helper()
	ledger := newTestLedger(t)
	return NewMempool(capacity, ledger, nil), ledger
}

func signedTx(t *testing.T, priv ed25519.PrivateKey, tx Transaction) Transaction {
	t.Helper()
	h := CanonicalTxHash(&tx)
	tx.Signature = Sign(priv, h)
	return tx
}

func TestMempoolAdmitAcceptsValidTransaction(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, ledger := newTestMempool(t, 10)
	if err := ledger.Credit(from, AssetGAS, 100); err != nil {
		t.Fatal(err)
	}

	tx := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx, pub); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if stats := mp.Stats(); stats.Pending != 1 {
		t.Fatalf("pending = %d, want 1", stats.Pending)
	}
}

func TestMempoolAdmitRejectsWhenFull(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, ledger := newTestMempool(t, 1)
	if err := ledger.Credit(from, AssetGAS, 100); err != nil {
		t.Fatal(err)
	}

	tx0 := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx0, pub); err != nil {
		t.Fatalf("admit first: %v", err)
	}
	tx1 := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 1})
	if err := mp.Admit(tx1, pub); err != ErrMempoolFull {
		t.Fatalf("err = %v, want ErrMempoolFull", err)
	}
}

func TestMempoolAdmitRejectsStructurallyInvalid(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, _ := newTestMempool(t, 10)

	tx := signedTx(t, priv, Transaction{From: from, To: from, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx, pub); err != ErrSelfTransfer {
		t.Fatalf("err = %v, want ErrSelfTransfer", err)
	}

	zeroGas := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 0, Nonce: 0})
	if err := mp.Admit(zeroGas, pub); err != ErrZeroGasFee {
		t.Fatalf("err = %v, want ErrZeroGasFee", err)
	}
}

func TestMempoolAdmitRejectsDuplicate(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, ledger := newTestMempool(t, 10)
	if err := ledger.Credit(from, AssetGAS, 100); err != nil {
		t.Fatal(err)
	}

	tx := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx, pub); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := mp.Admit(tx, pub); err != ErrDuplicateTransaction {
		t.Fatalf("err = %v, want ErrDuplicateTransaction", err)
	}
}

func TestMempoolAdmitRejectsInvalidSignature(t *testing.T) {
	pub, priv := mustKey(t)
	otherPub, _ := mustKey(t)
	from := DeriveAddress(pub)
	mp, ledger := newTestMempool(t, 10)
	if err := ledger.Credit(from, AssetGAS, 100); err != nil {
		t.Fatal(err)
	}

	tx := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx, otherPub); err != ErrInvalidSignature {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestMempoolAdmitRejectsNonceGap(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, ledger := newTestMempool(t, 10)
	if err := ledger.Credit(from, AssetGAS, 100); err != nil {
		t.Fatal(err)
	}

	tx := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 5})
	if err := mp.Admit(tx, pub); err != ErrInvalidNonce {
		t.Fatalf("err = %v, want ErrInvalidNonce", err)
	}
}

func TestMempoolAdmitRejectsInsufficientGas(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, _ := newTestMempool(t, 10)

	tx := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx, pub); err != ErrInsufficientGasBalance {
		t.Fatalf("err = %v, want ErrInsufficientGasBalance", err)
	}
}

func TestMempoolAdmitRejectsInsufficientTokenBalance(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, ledger := newTestMempool(t, 10)
	if err := ledger.Credit(from, AssetGAS, 100); err != nil {
		t.Fatal(err)
	}

	tx := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetUTILITY, Amount: 10, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx, pub); err != ErrInsufficientTokenBalance {
		t.Fatalf("err = %v, want ErrInsufficientTokenBalance", err)
	}
}

func TestMempoolSelectIsFIFO(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, ledger := newTestMempool(t, 10)
	if err := ledger.Credit(from, AssetGAS, 100); err != nil {
		t.Fatal(err)
	}

	var hashes []Hash
	for i := uint64(0); i < 3; i++ {
		tx := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: i})
		if err := mp.Admit(tx, pub); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		hashes = append(hashes, CanonicalTxHash(&tx))
	}

	selected := mp.Select(10)
	if len(selected) != 3 {
		t.Fatalf("selected = %d, want 3", len(selected))
	}
	for i, tx := range selected {
		if CanonicalTxHash(&tx) != hashes[i] {
			t.Fatalf("select order mismatch at %d", i)
		}
	}
}

func TestMempoolEvictRollsBackPendingNonce(t *testing.T) {
	pub, priv := mustKey(t)
	from := DeriveAddress(pub)
	mp, ledger := newTestMempool(t, 10)
	if err := ledger.Credit(from, AssetGAS, 100); err != nil {
		t.Fatal(err)
	}

	tx := signedTx(t, priv, Transaction{From: from, To: Address{9}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx, pub); err != nil {
		t.Fatalf("admit: %v", err)
	}
	h := CanonicalTxHash(&tx)
	mp.Evict(h)

	if stats := mp.Stats(); stats.Pending != 0 {
		t.Fatalf("pending = %d, want 0 after evict", stats.Pending)
	}

	// Nonce 0 must be re-admittable since the tentative increment rolled back.
	tx2 := signedTx(t, priv, Transaction{From: from, To: Address{8}, Asset: AssetGAS, Amount: 1, GasFee: 1, Nonce: 0})
	if err := mp.Admit(tx2, pub); err != nil {
		t.Fatalf("re-admit after evict: %v", err)
	}
}

func TestMempoolDefaultCapacity(t *testing.T) {
	mp, _ := newTestMempool(t, 0)
	if stats := mp.Stats(); stats.Capacity != 10_000 {
		t.Fatalf("capacity = %d, want 10000", stats.Capacity)
	}
}
