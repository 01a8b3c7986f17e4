package chain

import (
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// LogFilter is the pool's provider-agnostic log query; toEthereum adapts it
// to go-ethereum's FilterQuery at the call boundary.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

func (f LogFilter) toEthereum() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(f.FromBlock),
		ToBlock:   new(big.Int).SetUint64(f.ToBlock),
		Addresses: f.Addresses,
		Topics:    f.Topics,
	}
}

func ethCallMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}
