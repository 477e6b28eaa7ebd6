package blocks

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/relayforge/relay/engine"
)

// ChainClient is the slice of the JSON-RPC client surface the chain
// blocks use.
type ChainClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	Close()
}

// ChainDialer opens a client for an RPC endpoint.
type ChainDialer func(ctx context.Context, rpcURL string) (ChainClient, error)

// DialChain dials the endpoint with go-ethereum's client.
func DialChain(ctx context.Context, rpcURL string) (ChainClient, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// rpcRetry wraps one JSON-RPC call with a short in-attempt retry for
// transient node errors. Engine-level retries still apply on top.
func rpcRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(engine.IsRecoverable),
	)
}

// BlockchainReadHandler performs read-only chain queries.
type BlockchainReadHandler struct {
	Dial ChainDialer
}

func (h *BlockchainReadHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	rpcURL := stringValue(req.Config, "rpc_url")
	if rpcURL == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "rpc_url is required"))
	}
	method := stringValue(req.Config, "method")

	var account common.Address
	switch method {
	case "balance", "nonce", "code":
		address := stringValue(req.Config, "address")
		if !common.IsHexAddress(address) {
			return engine.Fail(engine.ConfigError(req.Node.ID, fmt.Sprintf("invalid address %q", address)))
		}
		account = common.HexToAddress(address)
	case "block_number", "gas_price", "chain_id":
	default:
		return engine.Fail(engine.ConfigError(req.Node.ID, fmt.Sprintf("unknown read method %q", method)))
	}

	client, err := h.Dial(ctx, rpcURL)
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}
	defer client.Close()

	var value any
	err = rpcRetry(ctx, func() error {
		switch method {
		case "balance":
			balance, err := client.BalanceAt(ctx, account, nil)
			if err != nil {
				return err
			}
			value = balance.String()
		case "nonce":
			nonce, err := client.NonceAt(ctx, account, nil)
			if err != nil {
				return err
			}
			value = float64(nonce)
		case "code":
			code, err := client.CodeAt(ctx, account, nil)
			if err != nil {
				return err
			}
			value = hexutil.Encode(code)
		case "block_number":
			number, err := client.BlockNumber(ctx)
			if err != nil {
				return err
			}
			value = float64(number)
		case "gas_price":
			price, err := client.SuggestGasPrice(ctx)
			if err != nil {
				return err
			}
			value = price.String()
		case "chain_id":
			id, err := client.ChainID(ctx)
			if err != nil {
				return err
			}
			value = float64(id.Int64())
		}
		return nil
	})
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}

	return engine.OK(map[string]any{
		"value":  value,
		"method": method,
	})
}

// BlockchainTransactionHandler signs and submits a value transfer. The
// transaction is signed once and only the submission is retried, so a
// transient node error cannot double-spend with a fresh nonce.
type BlockchainTransactionHandler struct {
	Dial ChainDialer
}

func (h *BlockchainTransactionHandler) Execute(ctx context.Context, req engine.Request) engine.Result {
	rpcURL := stringValue(req.Config, "rpc_url")
	if rpcURL == "" {
		return engine.Fail(engine.ConfigError(req.Node.ID, "rpc_url is required"))
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(stringValue(req.Config, "private_key"), "0x"))
	if err != nil {
		return engine.Fail(engine.ConfigError(req.Node.ID, "invalid private key: "+err.Error()))
	}
	to := stringValue(req.Config, "to")
	if !common.IsHexAddress(to) {
		return engine.Fail(engine.ConfigError(req.Node.ID, fmt.Sprintf("invalid recipient address %q", to)))
	}
	toAddr := common.HexToAddress(to)

	amount, err := parseWei(req.Config["value"])
	if err != nil {
		return engine.Fail(engine.ConfigError(req.Node.ID, err.Error()))
	}

	gasLimit := uint64(21000)
	if limit, ok := numberValue(req.Config, "gas_limit"); ok && limit > 0 {
		gasLimit = uint64(limit)
	}

	client, err := h.Dial(ctx, rpcURL)
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}
	defer client.Close()

	var chainID *big.Int
	if id, ok := numberValue(req.Config, "chain_id"); ok && id > 0 {
		chainID = big.NewInt(int64(id))
	} else {
		err = rpcRetry(ctx, func() error {
			id, cerr := client.ChainID(ctx)
			if cerr != nil {
				return cerr
			}
			chainID = id
			return nil
		})
		if err != nil {
			return engine.Fail(engine.AsError(req.Node.ID, err))
		}
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	var nonce uint64
	err = rpcRetry(ctx, func() error {
		n, nerr := client.PendingNonceAt(ctx, from)
		if nerr != nil {
			return nerr
		}
		nonce = n
		return nil
	})
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}

	var gasPrice *big.Int
	err = rpcRetry(ctx, func() error {
		price, perr := client.SuggestGasPrice(ctx)
		if perr != nil {
			return perr
		}
		gasPrice = price
		return nil
	})
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    amount,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}

	err = rpcRetry(ctx, func() error {
		return client.SendTransaction(ctx, signed)
	})
	// Resubmitting the same signed transaction makes the pool report it
	// as already known; the first submission went through.
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already known") {
		return engine.Fail(engine.AsError(req.Node.ID, err))
	}

	return engine.OK(map[string]any{
		"tx_hash":   signed.Hash().Hex(),
		"nonce":     float64(nonce),
		"gas_price": gasPrice.String(),
	})
}

// parseWei reads a transfer amount as a decimal string. Numeric config
// values are tolerated when integral, since template materialization may
// hand back a number.
func parseWei(v any) (*big.Int, error) {
	switch amount := v.(type) {
	case string:
		wei, ok := new(big.Int).SetString(amount, 10)
		if !ok || wei.Sign() < 0 {
			return nil, fmt.Errorf("invalid value %q, want a non-negative decimal wei string", amount)
		}
		return wei, nil
	case float64:
		if amount < 0 || amount != float64(int64(amount)) {
			return nil, fmt.Errorf("invalid value %v, want a non-negative integer wei amount", amount)
		}
		return big.NewInt(int64(amount)), nil
	}
	return nil, fmt.Errorf("value is required")
}
