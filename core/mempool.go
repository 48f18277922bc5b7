package core

import (
	"container/list"
	"crypto/ed25519"
	"sync"

	"github.com/sirupsen/logrus"
)

// MempoolStats is the observability snapshot returned by Mempool.Stats.
type MempoolStats struct {
	Pending     int     `json:"pending"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

type mempoolEntry struct {
	tx       Transaction
	hash     Hash
	elem     *list.Element
}

// Mempool is a bounded FIFO, validated, pending-transaction buffer feeding
// the block producer (C5). Grounded on the teacher's TxPool
// (core/transactions.go: AddTx/Pick), generalized from serializing picks to
// opaque byte blobs into returning structured *Transaction values, since the
// block producer needs structured data to construct blocks.
type Mempool struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // of *mempoolEntry, oldest first
	byHash   map[Hash]*mempoolEntry
	// pendingNonce tracks the tentative next-expected nonce per sender,
	// incremented on accept and rolled back on eviction (§4.4 step 7).
	pendingNonce map[Address]uint64
	ledger       *Ledger
	log          *logrus.Logger
}

// NewMempool constructs an empty mempool with the given capacity (0 means
// use the spec default of 10,000).
func NewMempool(capacity int, ledger *Ledger, log *logrus.Logger) *Mempool {
	if capacity <= 0 {
		capacity = 10_000
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mempool{
		capacity:     capacity,
		order:        list.New(),
		byHash:       make(map[Hash]*mempoolEntry),
		pendingNonce: make(map[Address]uint64),
		ledger:       ledger,
		log:          log,
	}
}

// Admit runs the seven-step admission algorithm of §4.4 against tx, verified
// under pubKey (the signature scheme's public key whose derived address
// must equal tx.From).
func (m *Mempool) Admit(tx Transaction, pubKey ed25519.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.order.Len() >= m.capacity {
		return ErrMempoolFull
	}
	if err := validateTxStructural(&tx); err != nil {
		return err
	}
	h := CanonicalTxHash(&tx)
	if _, exists := m.byHash[h]; exists {
		return ErrDuplicateTransaction
	}
	if DeriveAddress(pubKey) != tx.From || !VerifySignature(pubKey, h, tx.Signature) {
		return ErrInvalidSignature
	}

	expected, ok := m.pendingNonce[tx.From]
	if !ok {
		expected = m.ledger.Nonce(tx.From)
	}
	if tx.Nonce != expected {
		return ErrInvalidNonce
	}

	gasBal := m.ledger.Balance(tx.From, AssetGAS)
	required := tx.GasFee
	if tx.Asset == AssetGAS {
		required += tx.Amount
	} else {
		if m.ledger.Balance(tx.From, tx.Asset) < tx.Amount {
			return ErrInsufficientTokenBalance
		}
	}
	if gasBal < required {
		return ErrInsufficientGasBalance
	}

	entry := &mempoolEntry{tx: tx, hash: h}
	entry.elem = m.order.PushBack(entry)
	m.byHash[h] = entry
	m.pendingNonce[tx.From] = expected + 1
	return nil
}

func validateTxStructural(tx *Transaction) error {
	if tx.From == tx.To {
		return ErrSelfTransfer
	}
	if tx.GasFee == 0 {
		return ErrZeroGasFee
	}
	if !tx.Asset.Valid() {
		return ErrUnknownAsset
	}
	return nil
}

// Select returns up to maxCount transactions in FIFO order (the documented
// selection policy, see DESIGN.md), without removing them from the pool.
func (m *Mempool) Select(maxCount int) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, 0, maxCount)
	for e := m.order.Front(); e != nil && len(out) < maxCount; e = e.Next() {
		out = append(out, e.Value.(*mempoolEntry).tx)
	}
	return out
}

// Remove evicts a transaction by hash after successful inclusion in a
// committed block.
func (m *Mempool) Remove(hash Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(hash)
}

func (m *Mempool) removeLocked(hash Hash) {
	entry, ok := m.byHash[hash]
	if !ok {
		return
	}
	m.order.Remove(entry.elem)
	delete(m.byHash, hash)
}

// Evict removes a transaction that failed to apply and rolls back its
// tentative nonce increment, per §4.4's selection contract.
func (m *Mempool) Evict(hash Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byHash[hash]
	if !ok {
		return
	}
	m.removeLocked(hash)
	if cur, ok := m.pendingNonce[entry.tx.From]; ok && cur > 0 {
		m.pendingNonce[entry.tx.From] = cur - 1
	}
}

// Stats returns the mempool's current observability snapshot.
func (m *Mempool) Stats() MempoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.order.Len()
	return MempoolStats{
		Pending:     pending,
		Capacity:    m.capacity,
		Utilization: float64(pending) / float64(m.capacity),
	}
}

// byGasFee is an alternate priority-ordering building block (gas_fee
// descending, then arrival) kept for documentation of the road not taken;
// the selection policy chosen for this implementation is FIFO (see
// DESIGN.md). Not wired into Select.
type byGasFee []Transaction

func (b byGasFee) Len() int      { return len(b) }
func (b byGasFee) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byGasFee) Less(i, j int) bool {
	if b[i].GasFee != b[j].GasFee {
		return b[i].GasFee > b[j].GasFee
	}
	return false
}
