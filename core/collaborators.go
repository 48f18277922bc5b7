package core

import "crypto/ed25519"

// This file defines the narrow Go interfaces exposed to out-of-process
// collaborators (§1, §6): the JSON-RPC/REST gateway, the domain-name and
// identity services, the wallet signing front-end, and the pluggable
// smart-contract executor. The core never imports these collaborators; an
// out-of-process adapter implements or consumes them, keeping the
// dependency direction one-way (§9: "the core is generic over them").

// Gateway is the surface the node exposes to the out-of-scope JSON-RPC/REST
// gateway collaborator.
type Gateway interface {
	SubmitTransaction(tx Transaction, pubKey ed25519.PublicKey) error
	GetBlock(height uint64) (Block, bool, error)
	GetBlockByHash(hash Hash) (Block, bool, error)
	GetAccount(addr Address) Account
	GetChainHead() ChainHead
}

// BlockSubscriber and TransactionSubscriber are the subscription surfaces
// referenced in §6 (subscribe_blocks/subscribe_transactions); a gateway
// collaborator registers an implementation via Node.RegisterBlockSubscriber
// or Node.RegisterTransactionSubscriber and is called with each block the
// node produces and broadcasts, or each transaction admitted through
// SubmitTransaction.
type BlockSubscriber interface {
	OnBlock(b Block)
}

type TransactionSubscriber interface {
	OnTransaction(tx Transaction)
}

// ContractExecutor is the pluggable smart-contract execution capability
// (§1, §6): invoked during apply_transaction when a transaction carries a
// contract-call flag, reserved for future use. No transaction in this
// implementation currently sets that flag; the interface exists so the
// ledger can be wired to an executor without depending on one.
type ContractExecutor interface {
	ApplyContractCall(sender, target Address, payload []byte, gasLimit uint64) error
}

// IdentityProvider is the capability set the domain-name/identity service
// collaborator consumes to resolve human-readable names to addresses; the
// core never calls into it, it only guarantees GetAccount/GetChainHead are
// safe to call concurrently from such a consumer.
type IdentityProvider interface {
	GetAccount(addr Address) Account
}
