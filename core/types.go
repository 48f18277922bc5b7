package core

import (
	"encoding/hex"
	"fmt"
)

// Address is a 20-byte opaque account identifier derived from the low 20
// bytes of SHA-256 over a public key.
type Address [20]byte

// Hash is a 32-byte SHA-256 digest.
type Hash [32]byte

// ZeroAddress is the canonical zero-value sentinel address.
var ZeroAddress = Address{}

// ZeroHash is the canonical zero-value sentinel hash (genesis previous_hash).
var ZeroHash = Hash{}

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// Less implements the canonical ascending-address-byte ordering used by
// leader selection (§4.5) and validator listing.
func (a Address) Less(b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// AddressFromHex parses a "0x"-prefixed or bare hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := decodeFixedHex(s, len(a))
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	copy(a[:], b)
	return a, nil
}

// HashFromHex parses a "0x"-prefixed or bare hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := decodeFixedHex(s, len(h))
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

func decodeFixedHex(s string, width int) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != width {
		return nil, fmt.Errorf("expected %d bytes, got %d", width, len(b))
	}
	return b, nil
}

// AssetKind is the closed enumeration of the system's four fungible assets.
type AssetKind uint8

const (
	AssetGAS AssetKind = iota
	AssetSTAKE
	AssetUTILITY
	AssetBRAND
)

// assetKinds is the canonical closed set, in tag order.
var assetKinds = [...]AssetKind{AssetGAS, AssetSTAKE, AssetUTILITY, AssetBRAND}

func (k AssetKind) String() string {
	switch k {
	case AssetGAS:
		return "GAS"
	case AssetSTAKE:
		return "STAKE"
	case AssetUTILITY:
		return "UTILITY"
	case AssetBRAND:
		return "BRAND"
	default:
		return fmt.Sprintf("AssetKind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the four closed asset kinds.
func (k AssetKind) Valid() bool {
	switch k {
	case AssetGAS, AssetSTAKE, AssetUTILITY, AssetBRAND:
		return true
	default:
		return false
	}
}

// BrandSupplyCap is the fixed cap on total BRAND supply (§3).
const BrandSupplyCap uint64 = 1_000_000

// Account is the per-address balance/nonce tuple. Zero value is the default
// state for an address never seen before.
type Account struct {
	Balances map[AssetKind]uint64 `json:"balances"`
	Nonce    uint64               `json:"nonce"`
}

// NewAccount returns a zeroed account with all four asset balances present.
func NewAccount() Account {
	return Account{Balances: map[AssetKind]uint64{
		AssetGAS:     0,
		AssetSTAKE:   0,
		AssetUTILITY: 0,
		AssetBRAND:   0,
	}}
}

func (acc Account) Clone() Account {
	out := Account{Balances: make(map[AssetKind]uint64, len(acc.Balances)), Nonce: acc.Nonce}
	for k, v := range acc.Balances {
		out.Balances[k] = v
	}
	return out
}

// Transaction is a signed transfer of one asset between two addresses.
type Transaction struct {
	From      Address   `json:"from"`
	To        Address   `json:"to"`
	Asset     AssetKind `json:"asset"`
	Amount    uint64    `json:"amount"`
	GasFee    uint64    `json:"gas_fee"`
	Nonce     uint64    `json:"nonce"`
	Signature [64]byte  `json:"signature"`
}

// Block is an ordered batch of transactions committed at a height.
type Block struct {
	Index        uint64        `json:"index"`
	TimestampMs  uint64        `json:"timestamp_ms"`
	PreviousHash Hash          `json:"previous_hash"`
	MerkleRoot   Hash          `json:"merkle_root"`
	Nonce        uint64        `json:"nonce"`
	Transactions []Transaction `json:"transactions"`
	Hash         Hash          `json:"hash"`
}

// ChainHead is the highest committed block's (height, hash).
type ChainHead struct {
	Height uint64 `json:"height"`
	Hash   Hash   `json:"hash"`
}

// ValidatorRecord is a persistent validator-set entry.
type ValidatorRecord struct {
	Address Address `json:"address"`
	Stake   uint64  `json:"stake"`
	Active  bool    `json:"active"`
}

// BlockMetadata is the storage engine's in-memory index entry for a block.
type BlockMetadata struct {
	Height   uint64 `json:"height"`
	Hash     Hash   `json:"hash"`
	Ts       uint64 `json:"timestamp"`
	TxCount  int    `json:"tx_count"`
	Offset   int64  `json:"offset"`
}
