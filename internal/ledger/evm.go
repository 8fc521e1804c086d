package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentFuel/internal/errors"
)

// Config describes how to construct an EVM ledger client.
type Config struct {
	RPCURL  string
	ChainID int64
	// PrivateKeyHex signs mutating calls. Empty means read-only; Submit
	// fails with INVALID_ARGUMENT.
	PrivateKeyHex string
}

// EVMClient implements Client against an EVM compatible chain.
type EVMClient struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address

	// submitMu keeps mutating calls strictly ordered: the agent account has a
	// single nonce sequence.
	submitMu sync.Mutex
}

// NewEVMClient dials the configured RPC endpoint.
func NewEVMClient(ctx context.Context, cfg Config) (*EVMClient, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger RPC URL is empty")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "dial ledger node")
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "query chain id")
		}
	}

	client := &EVMClient{rpcClient: rpcClient, eth: eth, chainID: chainID}
	if keyHex := strings.TrimSpace(cfg.PrivateKeyHex); keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse signing key")
		}
		client.key = key
		client.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return client, nil
}

// From returns the signer address, zero when read-only.
func (c *EVMClient) From() common.Address {
	return c.from
}

// Close releases the underlying RPC connection.
func (c *EVMClient) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// BatchRead packs every call into one eth_call batch round trip.
func (c *EVMClient) BatchRead(ctx context.Context, calls []ReadCall) ([][]byte, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	outputs := make([]hexutil.Bytes, len(calls))
	elems := make([]gethrpc.BatchElem, len(calls))
	for i, call := range calls {
		elems[i] = gethrpc.BatchElem{
			Method: "eth_call",
			Args: []any{
				map[string]any{
					"to":   call.To,
					"data": hexutil.Bytes(call.Data),
				},
				"latest",
			},
			Result: &outputs[i],
		}
	}

	if err := c.rpcClient.BatchCallContext(ctx, elems); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "batch read")
	}
	results := make([][]byte, len(calls))
	for i := range elems {
		if elems[i].Error != nil {
			return nil, xerrors.Wrap(xerrors.CodeRPCFailure, elems[i].Error,
				fmt.Sprintf("batch read %s", calls[i].Name))
		}
		results[i] = outputs[i]
	}
	return results, nil
}

// Read executes one eth_call against the latest block.
func (c *EVMClient) Read(ctx context.Context, call ReadCall) ([]byte, error) {
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &call.To, Data: call.Data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "read "+call.Name)
	}
	return output, nil
}

// SuggestGasPrice queries the current network fee price.
func (c *EVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "suggest gas price")
	}
	return price, nil
}

// BalanceAt queries the native balance of an account.
func (c *EVMClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRPCFailure, err, "query balance")
	}
	return balance, nil
}

// EstimateGas estimates the gas a submit request would consume.
func (c *EVMClient) EstimateGas(ctx context.Context, req SubmitRequest) (uint64, error) {
	msg := gethcore.CallMsg{From: c.from, To: &req.To, Value: req.Value, Data: req.Data}
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, classifySubmitError(req.Op, err)
	}
	return gas, nil
}

// Submit signs, sends and waits for the receipt of a mutating call.
func (c *EVMClient) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if c.key == nil {
		return SubmitResult{}, xerrors.New(xerrors.CodeInvalidArgument, "no signing key configured")
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return SubmitResult{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, req.Op+": query nonce")
	}
	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit, err = c.EstimateGas(ctx, req)
		if err != nil {
			return SubmitResult{}, err
		}
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &req.To,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return SubmitResult{}, xerrors.Wrap(xerrors.CodeUnknown, err, req.Op+": sign transaction")
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return SubmitResult{}, classifySubmitError(req.Op, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return SubmitResult{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, req.Op+": wait for receipt")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return SubmitResult{}, xerrors.Newf(xerrors.CodeTxReverted,
			"%s reverted in tx %s", req.Op, signed.Hash().Hex())
	}
	return SubmitResult{
		TxHash:      signed.Hash(),
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// classifySubmitError maps node error strings onto the structured reasons the
// keeper reacts to. Anything unrecognised stays a recoverable RPC failure.
func classifySubmitError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return xerrors.Wrap(xerrors.CodeBalanceShortfall, err, op)
	case strings.Contains(msg, "underpriced"):
		return xerrors.Wrap(xerrors.CodeTxUnderpriced, err, op)
	case strings.Contains(msg, "execution reverted"):
		return xerrors.Wrap(xerrors.CodeTxReverted, err, op)
	default:
		return xerrors.Wrap(xerrors.CodeRPCFailure, err, op)
	}
}

var _ Client = (*EVMClient)(nil)
