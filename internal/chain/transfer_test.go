package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransfer(t *testing.T) {
	token := common.HexToAddress("0x1111111111111111111111111111111111111111")
	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	value := big.NewInt(1_000_000)

	log := types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 100,
		Index:       3,
	}

	ev, err := DecodeTransfer(log)
	require.NoError(t, err)
	assert.Equal(t, token, ev.Token)
	assert.Equal(t, from, ev.From)
	assert.Equal(t, to, ev.To)
	assert.Equal(t, value, ev.Value)
	assert.Equal(t, uint64(100), ev.BlockNumber)
	assert.Equal(t, uint(3), ev.LogIndex)
}

func TestDecodeTransferRejectsWrongTopicCount(t *testing.T) {
	log := types.Log{Topics: []common.Hash{TransferSig}, Data: make([]byte, 32)}
	_, err := DecodeTransfer(log)
	assert.Error(t, err)
}

func TestDecodeTransferRejectsShortData(t *testing.T) {
	log := types.Log{
		Topics: []common.Hash{TransferSig, common.Hash{}, common.Hash{}},
		Data:   make([]byte, 10),
	}
	_, err := DecodeTransfer(log)
	assert.Error(t, err)
}
