package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferSig is keccak256("Transfer(address,address,uint256)"), the ERC-20
// transfer event topic0. Grounded on the teacher's pattern of hashing event
// signatures once at package init (internal/handler/events.go), narrowed
// here to the single event type the wallet-snapshot domain cares about.
var TransferSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Removed     bool
}

// DecodeTransfer decodes an ERC-20 Transfer log, following the teacher's
// topic/data split: indexed `from`/`to` come from topics[1]/topics[2],
// the non-indexed `value` from the 32-byte data payload.
func DecodeTransfer(log types.Log) (TransferEvent, error) {
	if len(log.Topics) != 3 {
		return TransferEvent{}, fmt.Errorf("invalid Transfer event: expected 3 topics, got %d", len(log.Topics))
	}
	if len(log.Data) < 32 {
		return TransferEvent{}, fmt.Errorf("invalid Transfer data length: %d", len(log.Data))
	}

	return TransferEvent{
		Token:       log.Address,
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(log.Data[0:32]),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Removed:     log.Removed,
	}, nil
}
