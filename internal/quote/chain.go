package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ChainPrefix marks symbols served by the on-chain source, e.g. "ERC4626:0x9D39...".
const ChainPrefix = "ERC4626:"

const erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"assets","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc4626ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// ContractCaller is the subset of ethclient.Client the chain source needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainOptions parameterise the on-chain source.
type ChainOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// Chain prices ERC-4626 vault shares in their underlying asset via convertToAssets.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	caller    ContractCaller
	callerMux sync.Mutex
}

// NewChain builds an on-chain source that dials RPCURL lazily.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	return &Chain{opts: opts, logger: logger.With().Str("component", "quote_chain").Logger()}
}

// NewChainWithCaller uses an existing caller, typically a simulated backend in tests.
func NewChainWithCaller(caller ContractCaller, logger zerolog.Logger) *Chain {
	c := NewChain(ChainOptions{}, logger)
	c.caller = caller
	return c
}

// GetObservations reads the share price of every vault symbol. Failing vaults are
// logged and left out of the result.
func (c *Chain) GetObservations(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return nil, err
	}

	for _, symbol := range symbols {
		addr, ok := VaultAddress(symbol)
		if !ok {
			continue
		}
		rate, err := sharePrice(ctx, caller, addr)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("vault rate unavailable")
			continue
		}
		out[strings.ToUpper(symbol)] = rate
	}
	return out, nil
}

// GetPositions is not supported on-chain.
func (c *Chain) GetPositions(context.Context, string) ([]Position, error) {
	return nil, nil
}

// VaultAddress extracts the contract address from an ERC4626 symbol.
func VaultAddress(symbol string) (common.Address, bool) {
	if len(symbol) <= len(ChainPrefix) || !strings.EqualFold(symbol[:len(ChainPrefix)], ChainPrefix) {
		return common.Address{}, false
	}
	raw := symbol[len(ChainPrefix):]
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func sharePrice(ctx context.Context, caller ContractCaller, addr common.Address) (decimal.Decimal, error) {
	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	payload, err := erc4626ABI.Pack("convertToAssets", oneShare)
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("call convertToAssets: %w", err)
	}

	outputs, err := erc4626ABI.Unpack("convertToAssets", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected convertToAssets response")
	}
	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode convertToAssets output")
	}
	return decimal.NewFromBigInt(assets, -18), nil
}

func (c *Chain) getCaller(ctx context.Context) (ContractCaller, error) {
	c.callerMux.Lock()
	defer c.callerMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	c.caller = client
	return client, nil
}

var _ Client = (*Chain)(nil)
