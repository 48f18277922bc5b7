package core

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// StateKV is the narrow persistence capability the ledger needs from the
// storage engine (C4): a durable byte-keyed map. Grounded on the teacher's
// StateRW interface in ledger.go/consensus_validator_management.go.
type StateKV interface {
	GetState(key []byte) ([]byte, error)
	SetState(key []byte, value []byte) error
	DeleteState(key []byte) error
	HasState(key []byte) (bool, error)
	PrefixIterator(prefix []byte) StateIterator
}

// StateIterator walks key/value pairs sharing a prefix in ascending key order.
type StateIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Close() error
}

const (
	accountKeyPrefix = "account:"
	supplyKeyPrefix  = "supply:"
)

func accountKey(a Address) []byte { return []byte(accountKeyPrefix + a.Hex()) }
func supplyKey(k AssetKind) []byte { return []byte(fmt.Sprintf("%s%d", supplyKeyPrefix, uint8(k))) }

// Ledger holds the authoritative in-memory account map (§3 Ownership) and
// commits to the state KV as part of block application atomically.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[Address]Account
	supply   map[AssetKind]uint64
	kv       StateKV
	log      *logrus.Logger
}

// NewLedger constructs an empty ledger backed by kv, replaying any
// previously persisted accounts and supply counters.
func NewLedger(kv StateKV, log *logrus.Logger) (*Ledger, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Ledger{
		accounts: make(map[Address]Account),
		supply:   make(map[AssetKind]uint64),
		kv:       kv,
		log:      log,
	}
	if err := l.loadFromKV(); err != nil {
		return nil, fmt.Errorf("ledger: load from state kv: %w", err)
	}
	return l, nil
}

func (l *Ledger) loadFromKV() error {
	for _, k := range assetKinds {
		raw, err := l.kv.GetState(supplyKey(k))
		if err != nil {
			return err
		}
		if len(raw) == 8 {
			var v uint64
			for i := 0; i < 8; i++ {
				v = v<<8 | uint64(raw[i])
			}
			l.supply[k] = v
		}
	}
	it := l.kv.PrefixIterator([]byte(accountKeyPrefix))
	defer it.Close()
	for it.Next() {
		hexAddr := string(it.Key()[len(accountKeyPrefix):])
		addr, err := AddressFromHex(hexAddr)
		if err != nil {
			continue
		}
		var acc Account
		if err := json.Unmarshal(it.Value(), &acc); err != nil {
			return err
		}
		if acc.Balances == nil {
			acc.Balances = make(map[AssetKind]uint64)
		}
		l.accounts[addr] = acc
	}
	return nil
}

func (l *Ledger) persistAccountLocked(a Address, acc Account) error {
	b, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return l.kv.SetState(accountKey(a), b)
}

func (l *Ledger) persistSupplyLocked(k AssetKind) error {
	v := l.supply[k]
	var raw [8]byte
	for i := 7; i >= 0; i-- {
		raw[i] = byte(v)
		v >>= 8
	}
	return l.kv.SetState(supplyKey(k), raw[:])
}

func (l *Ledger) getAccountLocked(a Address) Account {
	acc, ok := l.accounts[a]
	if !ok {
		return NewAccount()
	}
	return acc
}

// Balance returns balance(a, k).
func (l *Ledger) Balance(a Address, k AssetKind) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getAccountLocked(a).Balances[k]
}

// Nonce returns the account's current nonce (0 if never seen).
func (l *Ledger) Nonce(a Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getAccountLocked(a).Nonce
}

// Supply returns the tracked total supply for an asset kind.
func (l *Ledger) Supply(k AssetKind) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply[k]
}

// Credit increases balance(a, k) by amount, checked: never wraps.
func (l *Ledger) Credit(a Address, k AssetKind, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.creditLocked(a, k, amount)
}

func (l *Ledger) creditLocked(a Address, k AssetKind, amount uint64) error {
	acc := l.getAccountLocked(a)
	cur := acc.Balances[k]
	if cur > math.MaxUint64-amount {
		return ErrOverflow
	}
	acc.Balances[k] = cur + amount
	l.accounts[a] = acc
	if err := l.persistAccountLocked(a, acc); err != nil {
		return err
	}
	return nil
}

// Debit decreases balance(a, k) by amount, failing if insufficient.
func (l *Ledger) Debit(a Address, k AssetKind, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debitLocked(a, k, amount)
}

func (l *Ledger) debitLocked(a Address, k AssetKind, amount uint64) error {
	acc := l.getAccountLocked(a)
	if acc.Balances[k] < amount {
		return ErrInsufficientTokenBalance
	}
	acc.Balances[k] -= amount
	l.accounts[a] = acc
	if err := l.persistAccountLocked(a, acc); err != nil {
		return err
	}
	return nil
}

// Transfer atomically moves amount of asset k from one account to another.
// On any failure no state changes (credit and debit are reverted in memory
// before the lock is released).
func (l *Ledger) Transfer(from, to Address, k AssetKind, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(from, to, k, amount)
}

func (l *Ledger) transferLocked(from, to Address, k AssetKind, amount uint64) error {
	snapshot := l.snapshotAccountsLocked(from, to)
	if err := l.debitLocked(from, k, amount); err != nil {
		l.restoreAccountsLocked(snapshot)
		return err
	}
	if err := l.creditLocked(to, k, amount); err != nil {
		l.restoreAccountsLocked(snapshot)
		return err
	}
	return nil
}

func (l *Ledger) snapshotAccountsLocked(addrs ...Address) map[Address]Account {
	snap := make(map[Address]Account, len(addrs))
	for _, a := range addrs {
		snap[a] = l.getAccountLocked(a).Clone()
	}
	return snap
}

func (l *Ledger) restoreAccountsLocked(snap map[Address]Account) {
	for a, acc := range snap {
		l.accounts[a] = acc
		_ = l.persistAccountLocked(a, acc)
	}
}

// BurnGas debits GAS from an account and decrements total GAS supply.
func (l *Ledger) BurnGas(from Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debitLocked(from, AssetGAS, amount); err != nil {
		return err
	}
	l.supply[AssetGAS] -= amount
	return l.persistSupplyLocked(AssetGAS)
}

// MintGas credits GAS to an address and increments total GAS supply; used
// only during genesis construction to seed the validators' initial balances
// so that subsequent BurnGas/ApplyTransaction calls decrement a counter that
// actually starts above zero (§3 invariant 2, Scenario A).
func (l *Ledger) MintGas(to Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.creditLocked(to, AssetGAS, amount); err != nil {
		return err
	}
	l.supply[AssetGAS] += amount
	return l.persistSupplyLocked(AssetGAS)
}

// MintUtility credits UTILITY and increments total UTILITY supply.
func (l *Ledger) MintUtility(to Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.creditLocked(to, AssetUTILITY, amount); err != nil {
		return err
	}
	l.supply[AssetUTILITY] += amount
	return l.persistSupplyLocked(AssetUTILITY)
}

// BootstrapStake credits STAKE to an address at genesis and fixes the total
// STAKE supply counter; called only during genesis construction.
func (l *Ledger) BootstrapStake(to Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.creditLocked(to, AssetSTAKE, amount); err != nil {
		return err
	}
	l.supply[AssetSTAKE] += amount
	return l.persistSupplyLocked(AssetSTAKE)
}

// BootstrapBrand credits BRAND to an address at genesis, enforcing the fixed
// cap of BrandSupplyCap.
func (l *Ledger) BootstrapBrand(to Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.supply[AssetBRAND]+amount > BrandSupplyCap {
		return fmt.Errorf("%w: brand supply cap exceeded", ErrOverflow)
	}
	if err := l.creditLocked(to, AssetBRAND, amount); err != nil {
		return err
	}
	l.supply[AssetBRAND] += amount
	return l.persistSupplyLocked(AssetBRAND)
}

// ApplyTransaction performs burn_gas(from, tx.gas_fee) then, if amount > 0,
// transfer(from, to, tx.asset, tx.amount). The entire transaction is
// rejected atomically: gas is burned only on successful application of the
// whole transaction (§4.1's mandated stricter policy; see DESIGN.md).
func (l *Ledger) ApplyTransaction(tx *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyTransactionLocked(tx)
}

// applyTransactionLocked is ApplyTransaction's body assuming l.mu is already
// held; ApplyBlock calls this directly (instead of the public, self-locking
// ApplyTransaction) so the whole block runs under a single critical section
// (§5: "apply_block takes the exclusive lock for the whole block").
func (l *Ledger) applyTransactionLocked(tx *Transaction) error {
	snapshot := l.snapshotAccountsLocked(tx.From, tx.To)
	prevGasSupply := l.supply[AssetGAS]

	if tx.From == tx.To {
		return ErrSelfTransfer
	}
	if tx.GasFee == 0 {
		return ErrZeroGasFee
	}
	if !tx.Asset.Valid() {
		return ErrUnknownAsset
	}

	acc := l.getAccountLocked(tx.From)
	if acc.Nonce != tx.Nonce {
		return ErrInvalidNonce
	}

	if err := l.debitLocked(tx.From, AssetGAS, tx.GasFee); err != nil {
		l.restoreAccountsLocked(snapshot)
		return ErrInsufficientGasBalance
	}
	if tx.Amount > 0 {
		if err := l.transferLocked(tx.From, tx.To, tx.Asset, tx.Amount); err != nil {
			l.restoreAccountsLocked(snapshot)
			l.supply[AssetGAS] = prevGasSupply
			return err
		}
	}

	l.supply[AssetGAS] -= tx.GasFee
	if err := l.persistSupplyLocked(AssetGAS); err != nil {
		l.restoreAccountsLocked(snapshot)
		l.supply[AssetGAS] = prevGasSupply
		return err
	}

	acc = l.getAccountLocked(tx.From)
	acc.Nonce++
	l.accounts[tx.From] = acc
	if err := l.persistAccountLocked(tx.From, acc); err != nil {
		l.restoreAccountsLocked(snapshot)
		l.supply[AssetGAS] = prevGasSupply
		return err
	}
	return nil
}

// ApplyBlock applies each transaction in order under a single exclusive
// lock for the whole block; on any failure the entire block application
// (both account balances and asset supply counters) is rolled back and the
// block is rejected, so no other reader ever observes a partial block
// (§5: "a single critical section; no other writer sees a partial block").
func (l *Ledger) ApplyBlock(txs []Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	accountsSnap, supplySnap := l.snapshotAllLocked()

	for i := range txs {
		if err := l.applyTransactionLocked(&txs[i]); err != nil {
			l.restoreAllLocked(accountsSnap, supplySnap)
			return fmt.Errorf("apply block: tx %d: %w", i, err)
		}
	}
	return nil
}

func (l *Ledger) snapshotAllLocked() (map[Address]Account, map[AssetKind]uint64) {
	accounts := make(map[Address]Account, len(l.accounts))
	for a, acc := range l.accounts {
		accounts[a] = acc.Clone()
	}
	supply := make(map[AssetKind]uint64, len(l.supply))
	for k, v := range l.supply {
		supply[k] = v
	}
	return accounts, supply
}

func (l *Ledger) restoreAllLocked(accounts map[Address]Account, supply map[AssetKind]uint64) {
	for a := range l.accounts {
		if _, ok := accounts[a]; !ok {
			_ = l.kv.DeleteState(accountKey(a))
		}
	}
	for k := range l.supply {
		if _, ok := supply[k]; !ok {
			_ = l.kv.DeleteState(supplyKey(k))
		}
	}
	l.accounts = make(map[Address]Account, len(accounts))
	for a, acc := range accounts {
		l.accounts[a] = acc
		_ = l.persistAccountLocked(a, acc)
	}
	l.supply = make(map[AssetKind]uint64, len(supply))
	for k, v := range supply {
		l.supply[k] = v
		_ = l.persistSupplyLocked(k)
	}
}

// Accounts returns a defensive copy of every tracked account.
func (l *Ledger) Accounts() map[Address]Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	accounts, _ := l.snapshotAllLocked()
	return accounts
}
