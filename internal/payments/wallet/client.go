package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// escrowABIJSON is the minimal surface of the marketplace escrow contract
// used by the API: escrow creation is signed client-side, the server only
// reads escrow state and verifies receipts.
const escrowABIJSON = `[
  {"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[{"name":"id","type":"string"},{"name":"seller","type":"address"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"id","type":"string"}],"outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"state","type":"uint8"}]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"id","type":"string"}],"outputs":[]}
]`

// EscrowState mirrors the contract's escrow lifecycle enum.
type EscrowState uint8

const (
	EscrowStateNone     EscrowState = 0
	EscrowStateActive   EscrowState = 1
	EscrowStateReleased EscrowState = 2
	EscrowStateRefunded EscrowState = 3
)

const receiptPollInterval = 3 * time.Second

// Escrow is the on-chain escrow record read back from the contract.
type Escrow struct {
	ID     string
	Buyer  common.Address
	Seller common.Address
	Amount *big.Int
	State  EscrowState
}

// Confirmation summarises a mined transaction for server-side verification.
type Confirmation struct {
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	Success     bool
}

// Config configures the Ethereum client for the crypto rail.
type Config struct {
	RPCURL          string
	ChainIDHex      string
	ContractAddress string
	GasLimit        uint64
	ConfirmTimeout  time.Duration
}

// Client wraps an Ethereum RPC connection and the bound escrow contract.
type Client struct {
	eth            *ethclient.Client
	contract       *bind.BoundContract
	contractAddr   common.Address
	chainID        *big.Int
	chainIDHex     string
	gasLimit       uint64
	confirmTimeout time.Duration
}

// Dial connects to the RPC endpoint and verifies it serves the expected chain.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, NewError(CodeNoProvider, "ethereum rpc url is not configured", nil)
	}
	expectedChainID, err := ParseChainID(cfg.ChainIDHex)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, NewError(CodeNoProvider, fmt.Sprintf("invalid escrow contract address %q", cfg.ContractAddress), nil)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, NewError(CodeUnavailable, "dial ethereum rpc", err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, NewError(CodeUnavailable, "read chain id", err)
	}
	if chainID.Cmp(expectedChainID) != 0 {
		eth.Close()
		return nil, NewError(CodeWrongNetwork,
			fmt.Sprintf("connected to chain %s, expected %s", chainID, expectedChainID), nil)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		eth.Close()
		return nil, NewError(CodeUnavailable, "parse escrow abi", err)
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(addr, parsedABI, eth, eth, eth)

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}

	return &Client{
		eth:            eth,
		contract:       contract,
		contractAddr:   addr,
		chainID:        chainID,
		chainIDHex:     strings.ToLower(strings.TrimSpace(cfg.ChainIDHex)),
		gasLimit:       cfg.GasLimit,
		confirmTimeout: confirmTimeout,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

// ChainIDHex returns the configured chain id in hex form, e.g. "0xaa36a7".
func (c *Client) ChainIDHex() string { return c.chainIDHex }

// GasLimit returns the fixed gas limit advertised to clients for escrow creation.
func (c *Client) GasLimit() uint64 { return c.gasLimit }

// ContractAddress returns the escrow contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// GetEscrow reads the escrow record for the given id from the contract.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (Escrow, error) {
	if c == nil || c.contract == nil {
		return Escrow{}, NewError(CodeNoProvider, "ethereum client not configured", nil)
	}
	id := strings.TrimSpace(escrowID)
	if id == "" {
		return Escrow{}, NewError(CodeNotFound, "escrow id is required", nil)
	}

	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "getEscrow", id); err != nil {
		return Escrow{}, NewError(CodeUnavailable, "read escrow state", err)
	}
	if len(out) != 4 {
		return Escrow{}, NewError(CodeUnavailable, "unexpected escrow call result", nil)
	}

	buyer, _ := out[0].(common.Address)
	seller, _ := out[1].(common.Address)
	amount, _ := out[2].(*big.Int)
	state, _ := out[3].(uint8)

	escrow := Escrow{
		ID:     id,
		Buyer:  buyer,
		Seller: seller,
		Amount: amount,
		State:  EscrowState(state),
	}
	if escrow.State == EscrowStateNone {
		return Escrow{}, NewError(CodeNotFound, fmt.Sprintf("escrow %s does not exist on chain", id), nil)
	}
	return escrow, nil
}

// ConfirmTransaction waits for the transaction to be mined and verifies it
// succeeded. Client-reported success is never trusted; this is the
// authoritative check before a crypto payment is recorded.
func (c *Client) ConfirmTransaction(ctx context.Context, txHash string) (Confirmation, error) {
	if c == nil || c.eth == nil {
		return Confirmation{}, NewError(CodeNoProvider, "ethereum client not configured", nil)
	}
	hash := strings.TrimSpace(txHash)
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		return Confirmation{}, NewError(CodeNotFound, fmt.Sprintf("malformed transaction hash %q", txHash), nil)
	}
	h := common.HexToHash(hash)

	deadline := time.Now().Add(c.confirmTimeout)
	var receipt *types.Receipt
	for {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, h)
		if err == nil {
			break
		}
		if !errors.Is(err, ethereum.NotFound) {
			return Confirmation{}, NewError(CodeUnavailable, "fetch transaction receipt", err)
		}
		if time.Now().After(deadline) {
			return Confirmation{}, NewError(CodeNotFound,
				fmt.Sprintf("transaction %s not mined within %s", hash, c.confirmTimeout), nil)
		}
		select {
		case <-ctx.Done():
			return Confirmation{}, NewError(CodeUnavailable, "confirmation cancelled", ctx.Err())
		case <-time.After(receiptPollInterval):
		}
	}

	tx, _, err := c.eth.TransactionByHash(ctx, h)
	if err != nil {
		return Confirmation{}, NewError(CodeUnavailable, "fetch transaction", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return Confirmation{}, NewError(CodeUnavailable, "recover transaction sender", err)
	}

	confirmation := Confirmation{
		TxHash:      h,
		From:        from,
		Value:       tx.Value(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}
	if to := tx.To(); to != nil {
		confirmation.To = *to
	}
	if !confirmation.Success {
		return confirmation, NewError(CodeRejected, fmt.Sprintf("transaction %s reverted", hash), nil)
	}
	return confirmation, nil
}

// ParseChainID converts a hex chain id such as "0xaa36a7" into its integer form.
func ParseChainID(chainIDHex string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(chainIDHex)), "0x")
	if trimmed == "" {
		return nil, NewError(CodeWrongNetwork, "chain id is required", nil)
	}
	id, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, NewError(CodeWrongNetwork, fmt.Sprintf("malformed chain id %q", chainIDHex), nil)
	}
	return id, nil
}

// EscrowID derives the deterministic escrow identifier for a purchase:
// the listing id, the lowercased buyer wallet, and the creation timestamp
// in milliseconds, joined with dashes.
func EscrowID(listingID, buyerWallet string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d",
		strings.TrimSpace(listingID),
		strings.ToLower(strings.TrimSpace(buyerWallet)),
		at.UnixMilli())
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	return a != "" && a == b
}

// ValidAddress reports whether the value is a well-formed hex address.
func ValidAddress(addr string) bool {
	return common.IsHexAddress(strings.TrimSpace(addr))
}
