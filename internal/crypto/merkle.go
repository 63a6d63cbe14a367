package crypto

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AmountLeaf hashes an (investor, amount) pair into a Merkle leaf. Leaves are
// double-hashed so an inner proof node can never be presented as a leaf.
func AmountLeaf(investor common.Address, amount *big.Int) common.Hash {
	inner := ethcrypto.Keccak256(
		common.LeftPadBytes(investor.Bytes(), 32),
		bigIntTo32Bytes(amount),
	)
	return common.BytesToHash(ethcrypto.Keccak256(inner))
}

// VerifyAmountProof recomputes the root from an (investor, amount) leaf and a
// proof path using sorted-pair hashing, and reports whether it equals root.
func VerifyAmountProof(root common.Hash, investor common.Address, amount *big.Int, proof []common.Hash) bool {
	computed := AmountLeaf(investor, amount)
	for _, node := range proof {
		computed = hashPair(computed, node)
	}
	return computed == root
}

// hashPair combines two nodes in byte-sorted order.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(ethcrypto.Keccak256(a.Bytes(), b.Bytes()))
}
