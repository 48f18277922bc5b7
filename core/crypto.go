package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
)

// DeriveAddress computes the low 20 bytes of SHA-256 over an Ed25519 public
// key, the system's canonical address derivation (§3).
func DeriveAddress(pubKey ed25519.PublicKey) Address {
	sum := sha256.Sum256(pubKey)
	var a Address
	copy(a[:], sum[len(sum)-len(a):])
	return a
}

// Sign produces a 64-byte Ed25519 signature over a canonical hash.
func Sign(priv ed25519.PrivateKey, hash Hash) [64]byte {
	sig := ed25519.Sign(priv, hash[:])
	var out [64]byte
	copy(out[:], sig)
	return out
}

// VerifySignature checks an Ed25519 signature over a canonical hash against
// a public key.
func VerifySignature(pub ed25519.PublicKey, hash Hash, sig [64]byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, hash[:], sig[:])
}

// CanonicalTxHash computes the transaction's canonical hash: SHA-256 over
// from ‖ to ‖ asset_tag ‖ amount ‖ gas_fee ‖ nonce, little-endian fixed
// width (§3). This is the exact on-wire signing/verification contract and
// must not be delegated to a general-purpose codec.
func CanonicalTxHash(tx *Transaction) Hash {
	var buf [20 + 20 + 1 + 8 + 8 + 8]byte
	off := 0
	off += copy(buf[off:], tx.From[:])
	off += copy(buf[off:], tx.To[:])
	buf[off] = byte(tx.Asset)
	off++
	binary.LittleEndian.PutUint64(buf[off:], tx.Amount)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], tx.GasFee)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], tx.Nonce)
	off += 8
	return sha256.Sum256(buf[:off])
}

// MerkleRoot folds transaction canonical hashes into a single digest: a
// SHA-256 hasher fed each hash in order, not a binary tree. This exact
// construction is the system's on-wire contract (§4.2) and must be
// reproduced byte-for-byte.
func MerkleRoot(txs []Transaction) Hash {
	h := sha256.New()
	for i := range txs {
		th := CanonicalTxHash(&txs[i])
		h.Write(th[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CanonicalBlockHash computes the block's hash: SHA-256 over
// index ‖ timestamp_ms ‖ previous_hash ‖ merkle_root ‖ nonce (§3).
func CanonicalBlockHash(b *Block) Hash {
	var buf [8 + 8 + 32 + 32 + 8]byte
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], b.Index)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], b.TimestampMs)
	off += 8
	off += copy(buf[off:], b.PreviousHash[:])
	off += copy(buf[off:], b.MerkleRoot[:])
	binary.LittleEndian.PutUint64(buf[off:], b.Nonce)
	off += 8
	return sha256.Sum256(buf[:off])
}

// SeedFromPrevAndHeight computes the leader-selection seed
// sha256(previous_block.hash ‖ next_height) (§4.5).
func SeedFromPrevAndHeight(prevHash Hash, nextHeight uint64) Hash {
	var buf [32 + 8]byte
	copy(buf[:32], prevHash[:])
	binary.LittleEndian.PutUint64(buf[32:], nextHeight)
	return sha256.Sum256(buf[:])
}

// SeedAsUint64 takes the first 8 bytes of a seed hash as a big-endian u64,
// the modulus input for stake-weighted leader selection.
func SeedAsUint64(seed Hash) uint64 {
	return binary.BigEndian.Uint64(seed[:8])
}
