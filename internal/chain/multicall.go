package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/walletd/snapshot-engine/internal/apperr"
)

const maxMulticallBatch = 100

// multicallABI is the minimal Multicall3 "aggregate3" surface: a batch of
// (target, callData) tuples, each allowed to fail independently.
const multicallABI = `[
  {"type":"function","name":"aggregate3","stateMutability":"view",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},
     {"name":"allowFailure","type":"bool"},
     {"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},
     {"name":"returnData","type":"bytes"}]}]}
]`

// erc20ABI covers the ERC-20 view functions balanceOf, decimals, symbol and
// name.
const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"name","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	multicallParsed, _ = abi.JSON(strings.NewReader(multicallABI))
	erc20Parsed, _      = abi.JSON(strings.NewReader(erc20ABI))
)

// Call is one entry of a multicall batch: a contract address and the
// already-packed call data to invoke on it.
type Call struct {
	Target   common.Address
	CallData []byte
}

// CallResult is the per-entry outcome of a multicall batch.
type CallResult struct {
	Success    bool
	ReturnData []byte
	Err        error
}

// Multicall batches view calls through a deployed Multicall3-compatible
// contract, tolerating partial failures and bisecting on a full revert.
type Multicall struct {
	pool      *Pool
	contract  common.Address
}

// NewMulticall builds a Multicall engine bound to one chain's pool and
// deployed multicall contract.
func NewMulticall(pool *Pool, contract common.Address) *Multicall {
	return &Multicall{pool: pool, contract: contract}
}

// BalanceOfCall packs a balanceOf(wallet) call against token.
func BalanceOfCall(token, wallet common.Address) Call {
	data, _ := erc20Parsed.Pack("balanceOf", wallet)
	return Call{Target: token, CallData: data}
}

// DecimalsCall packs a decimals() call against token.
func DecimalsCall(token common.Address) Call {
	data, _ := erc20Parsed.Pack("decimals")
	return Call{Target: token, CallData: data}
}

// SymbolCall packs a symbol() call against token.
func SymbolCall(token common.Address) Call {
	data, _ := erc20Parsed.Pack("symbol")
	return Call{Target: token, CallData: data}
}

// UnpackBalance unpacks a successful balanceOf return value.
func UnpackBalance(data []byte) (*big.Int, error) {
	out, err := erc20Parsed.Unpack("balanceOf", data)
	if err != nil || len(out) == 0 {
		return nil, apperr.Wrap(apperr.CallFailed, "unpack balanceOf", err)
	}
	return out[0].(*big.Int), nil
}

// UnpackDecimals unpacks a successful decimals return value.
func UnpackDecimals(data []byte) (uint8, error) {
	out, err := erc20Parsed.Unpack("decimals", data)
	if err != nil || len(out) == 0 {
		return 0, apperr.Wrap(apperr.CallFailed, "unpack decimals", err)
	}
	return out[0].(uint8), nil
}

// UnpackSymbol unpacks a successful symbol return value.
func UnpackSymbol(data []byte) (string, error) {
	out, err := erc20Parsed.Unpack("symbol", data)
	if err != nil || len(out) == 0 {
		return "", apperr.Wrap(apperr.CallFailed, "unpack symbol", err)
	}
	return out[0].(string), nil
}

// Execute runs calls in batches of up to maxMulticallBatch, returning one
// CallResult per input call in order. A batch whose aggregate3 call itself
// reverts (as opposed to a per-entry allowFailure=true failure) is bisected
// recursively down to singletons, per §4.3.
func (m *Multicall) Execute(ctx context.Context, calls []Call) ([]CallResult, error) {
	results := make([]CallResult, len(calls))
	for start := 0; start < len(calls); start += maxMulticallBatch {
		end := start + maxMulticallBatch
		if end > len(calls) {
			end = len(calls)
		}
		if err := m.executeBatch(ctx, calls[start:end], results[start:end]); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (m *Multicall) executeBatch(ctx context.Context, calls []Call, out []CallResult) error {
	if len(calls) == 0 {
		return nil
	}

	packed, err := m.packAggregate3(calls)
	if err != nil {
		return apperr.Wrap(apperr.CallFailed, "pack aggregate3", err)
	}

	raw, err := m.pool.CallContract(ctx, m.contract, packed)
	if err != nil {
		if len(calls) == 1 {
			out[0] = CallResult{Success: false, Err: apperr.Wrap(apperr.CallFailed, "singleton call reverted", err)}
			return nil
		}
		// Full-batch revert: bisect.
		mid := len(calls) / 2
		if err := m.executeBatch(ctx, calls[:mid], out[:mid]); err != nil {
			return err
		}
		return m.executeBatch(ctx, calls[mid:], out[mid:])
	}

	decoded, err := m.unpackAggregate3(raw)
	if err != nil {
		return apperr.Wrap(apperr.CallFailed, "unpack aggregate3", err)
	}
	if len(decoded) != len(calls) {
		return apperr.New(apperr.CallFailed, "aggregate3 returned unexpected entry count")
	}
	copy(out, decoded)
	return nil
}

func (m *Multicall) packAggregate3(calls []Call) ([]byte, error) {
	type call3 struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	entries := make([]call3, len(calls))
	for i, c := range calls {
		entries[i] = call3{Target: c.Target, AllowFailure: true, CallData: c.CallData}
	}
	return multicallParsed.Pack("aggregate3", entries)
}

// aggregate3Result mirrors the (bool success, bytes returnData) tuple
// aggregate3 returns; field names must match the ABI component names for
// go-ethereum's reflection-based UnpackIntoInterface to populate it.
type aggregate3Result struct {
	Success    bool
	ReturnData []byte
}

func (m *Multicall) unpackAggregate3(data []byte) ([]CallResult, error) {
	var raw []aggregate3Result
	if err := multicallParsed.UnpackIntoInterface(&raw, "aggregate3", data); err != nil {
		return nil, err
	}

	results := make([]CallResult, len(raw))
	for i, r := range raw {
		results[i] = CallResult{Success: r.Success, ReturnData: r.ReturnData}
	}
	return results, nil
}
