// Package wallet handles all blockchain interactions for BMT token transfers
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey   = errors.New("wallet: invalid private key")
	ErrInvalidAddress      = errors.New("wallet: invalid address")
	ErrInvalidAmount       = errors.New("wallet: invalid amount")
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrTransactionFailed   = errors.New("wallet: transaction failed")
	ErrTimeout             = errors.New("wallet: operation timed out")
	ErrRPCConnection       = errors.New("wallet: RPC connection failed")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// Transactor executes blockchain transactions. The transfer nonce is supplied
// by the caller; this package never picks nonces on its own.
type Transactor interface {
	TransferWithNonce(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (*TransferResult, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TransferResult, error)
}

// BalanceChecker reads blockchain state
type BalanceChecker interface {
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	TreasuryBalance(ctx context.Context) (*big.Int, error)
	InvalidateBalance()
}

// TokenWallet combines all wallet operations
type TokenWallet interface {
	Transactor
	BalanceChecker
	Address() string
	PendingNonce(ctx context.Context) (uint64, error)
	Close() error
}

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// ERC20 minimal ABI for transfer, balanceOf and the Transfer event
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// BMTDecimals is the decimal precision of the BMT reward token
	BMTDecimals = 18

	// DefaultGasLimit for ERC20 transfers
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 90 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// TransferEventTopic is the keccak256 hash of Transfer(address,address,uint256)
var TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new wallet
type Config struct {
	RPCURL        string
	PrivateKey    string // Hex string, 0x prefix optional
	ChainID       int64
	TokenContract string

	// BalanceMaxStaleness bounds how old a cached treasury balance may be
	// before TreasuryBalance refreshes it from the chain.
	BalanceMaxStaleness time.Duration
}

// Option configures the wallet
type Option func(*Wallet)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// WithClock overrides the time source for balance staleness checks
func WithClock(now func() time.Time) Option {
	return func(w *Wallet) {
		w.now = now
	}
}

// TransferResult contains details of a completed transfer
type TransferResult struct {
	TxHash      string
	From        string
	To          string
	Amount      string // Human-readable BMT amount
	AmountRaw   *big.Int
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

// Wallet signs and broadcasts BMT transfers from the treasury account
type Wallet struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	tokenContract common.Address
	tokenABI      abi.ABI
	now           func() time.Time

	maxStaleness time.Duration

	balMu     sync.Mutex
	balCached *big.Int
	balAt     time.Time
}

// Compile-time interface check
var _ TokenWallet = (*Wallet)(nil)

// New creates a new Wallet instance
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	staleness := cfg.BalanceMaxStaleness
	if staleness <= 0 {
		staleness = 30 * time.Second
	}

	w := &Wallet{
		privateKey:    privateKey,
		address:       crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:       big.NewInt(cfg.ChainID),
		tokenContract: common.HexToAddress(cfg.TokenContract),
		tokenABI:      parsedABI,
		maxStaleness:  staleness,
		now:           time.Now,
	}

	// Apply options
	for _, opt := range opts {
		opt(w)
	}

	// Connect to RPC if no client provided
	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}

	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.TokenContract == "" {
		return fmt.Errorf("token contract address required")
	}
	return nil
}

// Address returns the treasury wallet's address
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// TokenContract returns the BMT contract address
func (w *Wallet) TokenContract() common.Address {
	return w.tokenContract
}

// PendingNonce returns the next account nonce the chain expects. Used only
// at startup to seed the nonce tracker, never per transfer.
func (w *Wallet) PendingNonce(ctx context.Context) (uint64, error) {
	return w.client.PendingNonceAt(ctx, w.address)
}

// TreasuryBalance returns the treasury BMT balance, refreshing the cached
// value when it is older than the configured staleness bound.
func (w *Wallet) TreasuryBalance(ctx context.Context) (*big.Int, error) {
	w.balMu.Lock()
	defer w.balMu.Unlock()

	if w.balCached != nil && w.now().Sub(w.balAt) < w.maxStaleness {
		return new(big.Int).Set(w.balCached), nil
	}

	raw, err := w.BalanceOf(ctx, w.address)
	if err != nil {
		return nil, err
	}

	w.balCached = raw
	w.balAt = w.now()
	return new(big.Int).Set(raw), nil
}

// InvalidateBalance drops the cached treasury balance. Called after a payout
// broadcast so the next admission check re-reads the chain.
func (w *Wallet) InvalidateBalance() {
	w.balMu.Lock()
	w.balCached = nil
	w.balMu.Unlock()
}

// BalanceOf returns the BMT balance of any address
func (w *Wallet) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := w.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := w.client.CallContract(ctx, ethereum.CallMsg{
		To:   &w.tokenContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	balance := new(big.Int)
	balance.SetBytes(result)
	return balance, nil
}

// TransferWithNonce signs and broadcasts a BMT transfer using the supplied
// account nonce. The caller owns nonce assignment; a broadcast that reaches
// the network consumes the nonce whether or not it later confirms.
func (w *Wallet) TransferWithNonce(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (*TransferResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, &TransferError{Op: "validate", Err: ErrInvalidAmount}
	}

	// Build transfer calldata
	data, err := w.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	// Get gas price
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	// Estimate gas
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &w.tokenContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	// Create transaction
	tx := types.NewTransaction(nonce, w.tokenContract, big.NewInt(0), gasLimit, gasPrice, data)

	// Sign transaction
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	// Send transaction
	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	w.InvalidateBalance()

	return &TransferResult{
		TxHash:    signedTx.Hash().Hex(),
		From:      w.address.Hex(),
		To:        to.Hex(),
		Amount:    FormatBMT(amount),
		AmountRaw: amount,
		Nonce:     nonce,
	}, nil
}

// WaitForConfirmation waits for a transaction to be mined
func (w *Wallet) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TransferResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, &TransferError{
					Op:     "confirm",
					TxHash: txHash,
					Err:    ErrTransactionFailed,
				}
			}

			return &TransferResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// OutboundTransfers returns BMT Transfer events sent from the given address
// within the block range. Used by the sink tracer.
func (w *Wallet) OutboundTransfers(ctx context.Context, from common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{w.tokenContract},
		Topics: [][]common.Hash{
			{TransferEventTopic},
			{common.BytesToHash(from.Bytes())},
		},
	}
	return w.client.FilterLogs(ctx, q)
}

// LatestBlock returns the current chain head number
func (w *Wallet) LatestBlock(ctx context.Context) (uint64, error) {
	return w.client.BlockNumber(ctx)
}

// Close closes the client connection
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// FormatBMT converts a raw token amount to a human-readable string
func FormatBMT(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(BMTDecimals), nil)

	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := fmt.Sprintf("%018s", remainder.String())
	frac = strings.TrimRight(frac, "0")
	return whole.String() + "." + frac
}

// ParseBMT converts a human-readable token string to a raw amount
func ParseBMT(amount string) (*big.Int, error) {
	// Handle empty string
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	// Split on decimal point
	parts := strings.Split(amount, ".")

	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
		decimal = ""
	case 2:
		whole = parts[0]
		decimal = parts[1]
	default:
		return nil, fmt.Errorf("invalid amount format")
	}

	// Parse whole part
	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid whole number")
	}

	// Reject negative amounts
	if wholeBig.Sign() < 0 {
		return nil, fmt.Errorf("negative amounts not allowed")
	}

	// Multiply whole by 10^18
	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(BMTDecimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	// Handle decimal part
	if decimal != "" {
		// Pad or truncate to 18 digits
		if len(decimal) > BMTDecimals {
			decimal = decimal[:BMTDecimals]
		}
		for len(decimal) < BMTDecimals {
			decimal += "0"
		}

		decimalBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal number")
		}
		result.Add(result, decimalBig)
	}

	return result, nil
}
