package core

import (
	"github.com/ethereum/go-ethereum/rlp"
)

// This file is the durable/on-wire codec for Block and Transaction: the
// byte layout written to block files (§6) and shipped over QUIC streams
// (§4.6). It is distinct from crypto.go's canonical hash/signature byte
// layout, which is a fixed wire contract and is never delegated to a
// general-purpose codec. Here, RLP (already a teacher transitive
// dependency for block decoding) is the chosen general envelope codec.

// EncodeTransaction returns the RLP encoding of a transaction.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// DecodeTransaction decodes an RLP-encoded transaction.
func DecodeTransaction(b []byte) (Transaction, error) {
	var tx Transaction
	err := rlp.DecodeBytes(b, &tx)
	return tx, err
}

// EncodeBlock returns the RLP encoding of a block.
func EncodeBlock(b *Block) ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// DecodeBlock decodes an RLP-encoded block.
func DecodeBlock(b []byte) (Block, error) {
	var blk Block
	err := rlp.DecodeBytes(b, &blk)
	return blk, err
}
