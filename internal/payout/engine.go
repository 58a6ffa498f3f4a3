package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/idgen"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/ipcheck"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/logging"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/metrics"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/reward"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/traces"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/wallet"
)

// ErrRetriesExhausted means a reward has burned through its retry cap and
// needs operator attention.
var ErrRetriesExhausted = errors.New("payout retry cap reached")

// Rewards is the slice of the reward service the engine drives.
type Rewards interface {
	Get(ctx context.Context, id string) (*reward.Reward, error)
	ListPending(ctx context.Context, limit int) ([]*reward.Reward, error)
	MarkProcessing(ctx context.Context, id, payoutTxID string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
	MarkDenied(ctx context.Context, id, reason string) error
}

// BlacklistChecker answers whether a wallet is individually blocked.
type BlacklistChecker interface {
	IsBlocked(ctx context.Context, wallet string) (bool, error)
}

// ClusterChecker answers whether a wallet belongs to a blocked Sybil cluster.
type ClusterChecker interface {
	IsWalletClusterBlocked(ctx context.Context, wallet string) (bool, error)
}

// RiskScorer scores an IP or device identifier.
type RiskScorer interface {
	Score(ctx context.Context, identifier string) (*ipcheck.Signal, error)
}

// Notifier receives payout lifecycle events. Implementations must not block.
type Notifier interface {
	PayoutCompleted(txID, wallet, amount, txHash string)
	PayoutFailed(txID, wallet, reason string)
}

// Policy holds the payout admission and execution knobs.
type Policy struct {
	DailyCeiling        *big.Int // Raw token units per signing wallet per UTC day; nil = unlimited
	TokenContract       string
	MaxRetries          int
	AllowHighRisk       bool
	ConfirmationTimeout time.Duration
	NonceLockGrace      time.Duration
	// NonceLockTimeout bounds how long Execute waits for a contended nonce
	// lock before giving up. Zero fails fast on the first attempt.
	NonceLockTimeout time.Duration
}

// Engine admits rewards and pays them out from the treasury wallet.
type Engine struct {
	txs      Store
	nonces   NonceStore
	limits   LimitStore
	wallet   wallet.TokenWallet
	rewards  Rewards
	policy   Policy
	bl       BlacklistChecker
	clusters ClusterChecker
	risk     RiskScorer
	notifier Notifier
	now      func() time.Time
}

// NewEngine creates a payout engine.
func NewEngine(txs Store, nonces NonceStore, limits LimitStore, w wallet.TokenWallet, rewards Rewards, policy Policy) *Engine {
	if policy.ConfirmationTimeout <= 0 {
		policy.ConfirmationTimeout = wallet.DefaultConfirmationTimeout
	}
	if policy.NonceLockGrace <= 0 {
		policy.NonceLockGrace = 5 * time.Minute
	}
	return &Engine{
		txs:     txs,
		nonces:  nonces,
		limits:  limits,
		wallet:  w,
		rewards: rewards,
		policy:  policy,
		now:     time.Now,
	}
}

// WithAdmission adds the anti-abuse checks. Nil checkers are skipped.
func (e *Engine) WithAdmission(bl BlacklistChecker, clusters ClusterChecker, risk RiskScorer) *Engine {
	e.bl = bl
	e.clusters = clusters
	e.risk = risk
	return e
}

// WithNotifier adds a lifecycle event notifier.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// Admit runs the ordered admission checks for a reward without creating any
// transaction row. A denial is an *AdmissionError; any other error is an
// infrastructure failure.
func (e *Engine) Admit(ctx context.Context, rw *reward.Reward) error {
	amount, err := wallet.ParseBMT(rw.Amount)
	if err != nil {
		return fmt.Errorf("parse reward amount: %w", err)
	}
	return e.admit(ctx, rw, amount)
}

func (e *Engine) admit(ctx context.Context, rw *reward.Reward, amount *big.Int) error {
	if e.bl != nil {
		blocked, err := e.bl.IsBlocked(ctx, rw.Wallet)
		if err != nil {
			return fmt.Errorf("blacklist check: %w", err)
		}
		if blocked {
			return &AdmissionError{Reason: ReasonWalletBlacklisted}
		}
	}

	if e.clusters != nil {
		blocked, err := e.clusters.IsWalletClusterBlocked(ctx, rw.Wallet)
		if err != nil {
			return fmt.Errorf("cluster check: %w", err)
		}
		if blocked {
			return &AdmissionError{Reason: ReasonClusterBlacklisted}
		}
	}

	if e.risk != nil {
		for _, identifier := range []string{rw.IPAddress, rw.DeviceFingerprint} {
			if identifier == "" {
				continue
			}
			signal, err := e.risk.Score(ctx, identifier)
			if err != nil {
				return fmt.Errorf("risk check: %w", err)
			}
			switch signal.Tier {
			case ipcheck.TierBlocked:
				return &AdmissionError{Reason: ReasonRiskBlocked, Detail: identifier}
			case ipcheck.TierHigh:
				if !e.policy.AllowHighRisk {
					return &AdmissionError{Reason: ReasonRiskHigh, Detail: identifier}
				}
			}
		}
	}

	if e.policy.DailyCeiling != nil {
		total, err := e.limits.Total(ctx, e.wallet.Address(), Day(e.now()))
		if err != nil {
			return fmt.Errorf("daily total: %w", err)
		}
		if new(big.Int).Add(total, amount).Cmp(e.policy.DailyCeiling) > 0 {
			return &AdmissionError{Reason: ReasonDailyLimit}
		}
	}

	balance, err := e.wallet.TreasuryBalance(ctx)
	if err != nil {
		return fmt.Errorf("treasury balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return &AdmissionError{Reason: ReasonInsufficientFunds}
	}
	return nil
}

// Execute pays out a single reward. It admits, reserves the daily limit,
// takes the signer's nonce lock for the broadcast window only, and awaits
// confirmation after the lock is released.
//
// A nonce handed to the chain is treated as consumed no matter what the
// broadcast returned. Failed attempts leave a failed transaction row and
// put the reward back to pending while retries remain.
func (e *Engine) Execute(ctx context.Context, rw *reward.Reward) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "payout.execute",
		traces.RewardID(rw.ID), traces.Wallet(rw.Wallet), traces.Amount(rw.Amount))
	defer span.End()

	log := logging.L(ctx).With("reward", rw.ID, "wallet", rw.Wallet)

	// Only pending and failed rewards are payable. Completed means tokens
	// already left the treasury; processing means an attempt is in flight.
	if rw.Status != reward.StatusPending && rw.Status != reward.StatusFailed {
		return nil, fmt.Errorf("%w: reward is %s", reward.ErrNotPending, rw.Status)
	}

	// The status check above runs on the caller's copy of the reward, which
	// may be stale. An existing non-terminal transaction row means another
	// attempt is already in flight for this reward.
	if active, err := e.txs.GetActiveByReward(ctx, rw.ID); err == nil {
		return nil, fmt.Errorf("%w: payout %s in flight", ErrActivePayout, active.ID)
	} else if !errors.Is(err, ErrTxNotFound) {
		return nil, fmt.Errorf("check in-flight payout: %w", err)
	}

	amount, err := wallet.ParseBMT(rw.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse reward amount: %w", err)
	}

	if err := e.admit(ctx, rw, amount); err != nil {
		return nil, e.deny(ctx, rw, err)
	}

	prior, err := e.txs.CountByReward(ctx, rw.ID)
	if err != nil {
		return nil, fmt.Errorf("count prior attempts: %w", err)
	}
	if prior > e.policy.MaxRetries {
		if mErr := e.rewards.MarkFailed(ctx, rw.ID); mErr != nil && !errors.Is(mErr, reward.ErrAlreadyFinal) {
			log.Error("mark reward failed", "error", mErr)
		}
		return nil, ErrRetriesExhausted
	}

	signer := e.wallet.Address()
	day := Day(e.now())

	if err := e.limits.Reserve(ctx, signer, day, amount, e.policy.DailyCeiling); err != nil {
		if errors.Is(err, ErrDailyLimit) {
			return nil, e.deny(ctx, rw, &AdmissionError{Reason: ReasonDailyLimit})
		}
		return nil, fmt.Errorf("reserve daily limit: %w", err)
	}

	tx := &Transaction{
		ID:         idgen.WithPrefix("pay_"),
		RewardID:   rw.ID,
		Recipient:  rw.Wallet,
		Amount:     rw.Amount,
		Token:      e.policy.TokenContract,
		Status:     StatusPending,
		NonceUsed:  -1,
		RetryCount: prior,
		CreatedAt:  e.now(),
		UpdatedAt:  e.now(),
	}
	if err := e.txs.Create(ctx, tx); err != nil {
		e.releaseLimit(ctx, signer, day, amount)
		if errors.Is(err, ErrActivePayout) {
			return nil, err
		}
		return nil, fmt.Errorf("create payout transaction: %w", err)
	}

	if err := e.ensureNonceState(ctx, signer); err != nil {
		e.failBeforeBroadcast(ctx, tx, signer, day, amount, err.Error())
		return nil, err
	}

	state, err := e.acquireNonce(ctx, signer, tx.ID)
	if err != nil {
		e.failBeforeBroadcast(ctx, tx, signer, day, amount, err.Error())
		switch {
		case errors.Is(err, ErrNonceLocked):
			metrics.NonceLockContentionTotal.Inc()
			log.Info("nonce lock contention", "payout", tx.ID)
		case errors.Is(err, ErrNonceIntegrity):
			// Lock held past grace with nothing in flight. Nonce state is
			// suspect; an operator must inspect and force-unlock.
			log.Error("nonce integrity fault, operator intervention required",
				"signer", signer, "payout", tx.ID)
		}
		return nil, err
	}

	nonce := state.LastUsed + 1
	tx.Status = StatusProcessing
	tx.NonceUsed = nonce
	tx.UpdatedAt = e.now()
	if err := e.txs.Update(ctx, tx); err != nil {
		// Nonce not yet handed to the chain; safe to hand the lock back.
		e.releaseNonce(ctx, signer, tx.ID)
		e.releaseLimit(ctx, signer, day, amount)
		return nil, fmt.Errorf("mark payout processing: %w", err)
	}
	if err := e.rewards.MarkProcessing(ctx, rw.ID, tx.ID); err != nil {
		// The reward moved since it was read; a completed reward here would
		// mean the tokens already left the treasury. The nonce has not been
		// handed to the chain, so the attempt aborts cleanly.
		tx.NonceUsed = -1
		e.releaseNonce(ctx, signer, tx.ID)
		e.failBeforeBroadcast(ctx, tx, signer, day, amount, "reward not payable: "+err.Error())
		return nil, fmt.Errorf("mark reward processing: %w", err)
	}

	start := e.now()
	result, err := e.wallet.TransferWithNonce(ctx, common.HexToAddress(rw.Wallet), amount, uint64(nonce))

	// From here on the nonce is consumed: the transaction may have reached
	// a mempool even when the broadcast call errored.
	if mErr := e.nonces.MarkUsed(ctx, signer, nonce); mErr != nil {
		log.Error("mark nonce used", "signer", signer, "nonce", nonce, "error", mErr)
	}
	e.releaseNonce(ctx, signer, tx.ID)
	e.wallet.InvalidateBalance()

	if err != nil {
		var terr *wallet.TransferError
		if errors.As(err, &terr) && terr.TxHash != "" {
			tx.TxHash = terr.TxHash
		}
		e.failAfterBroadcast(ctx, tx, rw, signer, day, amount, "broadcast: "+err.Error())
		return tx, fmt.Errorf("broadcast transfer: %w", err)
	}
	tx.TxHash = result.TxHash
	tx.UpdatedAt = e.now()
	if err := e.txs.Update(ctx, tx); err != nil {
		log.Error("record broadcast hash", "error", err)
	}
	log.Info("payout broadcast", "payout", tx.ID, "txHash", tx.TxHash, "nonce", nonce)

	// Confirmation is awaited off the lock so other payouts can proceed.
	confirmed, err := e.wallet.WaitForConfirmation(ctx, tx.TxHash, e.policy.ConfirmationTimeout)
	if err != nil {
		e.failAfterBroadcast(ctx, tx, rw, signer, day, amount, "confirmation: "+err.Error())
		return tx, fmt.Errorf("await confirmation: %w", err)
	}

	tx.Status = StatusCompleted
	tx.BlockNumber = confirmed.BlockNumber
	tx.ConfirmedAt = e.now()
	tx.UpdatedAt = tx.ConfirmedAt
	if err := e.txs.Update(ctx, tx); err != nil {
		return tx, fmt.Errorf("mark payout completed: %w", err)
	}
	if err := e.nonces.Confirm(ctx, signer, nonce); err != nil {
		log.Error("advance confirmed nonce", "error", err)
	}
	if err := e.rewards.MarkCompleted(ctx, rw.ID); err != nil {
		log.Error("mark reward completed", "error", err)
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.PayoutDuration.Observe(e.now().Sub(start).Seconds())
	if e.notifier != nil {
		e.notifier.PayoutCompleted(tx.ID, tx.Recipient, tx.Amount, tx.TxHash)
	}
	log.Info("payout completed", "payout", tx.ID, "txHash", tx.TxHash,
		"block", tx.BlockNumber, "nonce", nonce)
	return tx, nil
}

// ProcessPending executes payouts for pending rewards, oldest first. Lock
// contention and admission denials are not fatal; other rewards still run.
func (e *Engine) ProcessPending(ctx context.Context, limit int) (int, error) {
	pending, err := e.rewards.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending rewards: %w", err)
	}

	paid := 0
	for _, rw := range pending {
		if ctx.Err() != nil {
			return paid, ctx.Err()
		}
		if _, err := e.Execute(ctx, rw); err != nil {
			var adm *AdmissionError
			if errors.Is(err, ErrNonceLocked) || errors.Is(err, ErrActivePayout) ||
				errors.As(err, &adm) || errors.Is(err, ErrRetriesExhausted) {
				continue
			}
			logging.L(ctx).Error("payout execution failed", "reward", rw.ID, "error", err)
			continue
		}
		paid++
	}
	return paid, nil
}

// CompleteManually marks a transaction completed without broadcasting.
// Operator path for payouts settled out of band; the daily limit is still
// booked so manual completions count against the ceiling arithmetic.
func (e *Engine) CompleteManually(ctx context.Context, txID, txHash, operator string) (*Transaction, error) {
	tx, err := e.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status == StatusCompleted {
		return nil, ErrNotCompletable
	}

	amount, err := wallet.ParseBMT(tx.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse payout amount: %w", err)
	}
	signer := e.wallet.Address()
	if err := e.limits.Reserve(ctx, signer, Day(e.now()), amount, nil); err != nil {
		return nil, fmt.Errorf("book daily limit: %w", err)
	}

	tx.Status = StatusCompleted
	tx.Manual = true
	if txHash != "" {
		tx.TxHash = txHash
	}
	tx.ErrorMsg = ""
	tx.ConfirmedAt = e.now()
	tx.UpdatedAt = tx.ConfirmedAt
	if err := e.txs.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("mark payout completed: %w", err)
	}
	if err := e.rewards.MarkCompleted(ctx, tx.RewardID); err != nil && !errors.Is(err, reward.ErrAlreadyFinal) {
		logging.L(ctx).Error("mark reward completed", "reward", tx.RewardID, "error", err)
	}

	metrics.ManualCompletionsTotal.Inc()
	metrics.PayoutsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	if e.notifier != nil {
		e.notifier.PayoutCompleted(tx.ID, tx.Recipient, tx.Amount, tx.TxHash)
	}
	logging.L(ctx).Warn("payout completed manually",
		"payout", tx.ID, "reward", tx.RewardID, "operator", operator, "txHash", tx.TxHash)
	return tx, nil
}

// Get returns a payout transaction by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Transaction, error) {
	return e.txs.Get(ctx, id)
}

// ListByWallet returns payouts to a recipient, newest first.
func (e *Engine) ListByWallet(ctx context.Context, walletAddr string, limit int) ([]*Transaction, error) {
	return e.txs.ListByWallet(ctx, walletAddr, limit)
}

// ListByStatus returns payouts in a given state, newest first.
func (e *Engine) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return e.txs.ListByStatus(ctx, status, limit)
}

// Summary returns transaction counts per status.
func (e *Engine) Summary(ctx context.Context) (map[string]int, error) {
	return e.txs.Summary(ctx)
}

// NonceStatus returns the signer's nonce state for the operator surface.
func (e *Engine) NonceStatus(ctx context.Context) (*NonceState, error) {
	return e.nonces.Get(ctx, e.wallet.Address())
}

// UnlockNonce force-clears the signer's nonce lock. Operator recovery after
// an integrity fault; the operator owns verifying nothing is in flight.
func (e *Engine) UnlockNonce(ctx context.Context, operator string) error {
	signer := e.wallet.Address()
	logging.L(ctx).Warn("nonce lock force-cleared", "signer", signer, "operator", operator)
	return e.nonces.ForceUnlock(ctx, signer)
}

// DailyTotal returns the signer's booked payout total for a UTC day.
func (e *Engine) DailyTotal(ctx context.Context, day string) (*big.Int, error) {
	return e.limits.Total(ctx, e.wallet.Address(), day)
}

func (e *Engine) deny(ctx context.Context, rw *reward.Reward, err error) error {
	var adm *AdmissionError
	if !errors.As(err, &adm) {
		return err
	}
	metrics.AdmissionDenialsTotal.WithLabelValues(adm.Reason).Inc()
	if mErr := e.rewards.MarkDenied(ctx, rw.ID, adm.Reason); mErr != nil {
		logging.L(ctx).Error("mark reward denied", "reward", rw.ID, "error", mErr)
	}
	logging.L(ctx).Info("payout denied",
		"reward", rw.ID, "wallet", rw.Wallet, "reason", adm.Reason)
	return err
}

func (e *Engine) ensureNonceState(ctx context.Context, signer string) error {
	_, err := e.nonces.Get(ctx, signer)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNonceStateNotFound) {
		return fmt.Errorf("nonce state: %w", err)
	}
	pending, err := e.wallet.PendingNonce(ctx)
	if err != nil {
		return fmt.Errorf("seed nonce from chain: %w", err)
	}
	return e.nonces.Seed(ctx, signer, int64(pending)-1)
}

// failBeforeBroadcast finalizes a transaction that never reached the chain.
// The reward stays pending and the daily reservation is handed back.
func (e *Engine) failBeforeBroadcast(ctx context.Context, tx *Transaction, signer, day string, amount *big.Int, msg string) {
	tx.Status = StatusFailed
	tx.ErrorMsg = msg
	tx.UpdatedAt = e.now()
	if err := e.txs.Update(ctx, tx); err != nil {
		logging.L(ctx).Error("mark payout failed", "payout", tx.ID, "error", err)
	}
	e.releaseLimit(ctx, signer, day, amount)
	metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
}

// failAfterBroadcast finalizes a failed attempt whose nonce is consumed.
// The reward goes back to pending while retries remain.
func (e *Engine) failAfterBroadcast(ctx context.Context, tx *Transaction, rw *reward.Reward, signer, day string, amount *big.Int, msg string) {
	tx.Status = StatusFailed
	tx.ErrorMsg = msg
	tx.UpdatedAt = e.now()
	if err := e.txs.Update(ctx, tx); err != nil {
		logging.L(ctx).Error("mark payout failed", "payout", tx.ID, "error", err)
	}
	e.releaseLimit(ctx, signer, day, amount)

	retriable := tx.RetryCount < e.policy.MaxRetries
	var mErr error
	if retriable {
		mErr = e.rewards.MarkPending(ctx, rw.ID)
	} else {
		mErr = e.rewards.MarkFailed(ctx, rw.ID)
	}
	if mErr != nil {
		logging.L(ctx).Error("update reward after failed payout", "reward", rw.ID, "error", mErr)
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
	if e.notifier != nil {
		e.notifier.PayoutFailed(tx.ID, tx.Recipient, msg)
	}
	logging.L(ctx).Error("payout failed",
		"payout", tx.ID, "reward", rw.ID, "nonce", tx.NonceUsed,
		"retriable", retriable, "error", msg)
}

// acquireNonce takes the signer's nonce lock. A contended lock is re-polled
// until NonceLockTimeout elapses; a zero timeout keeps the single fail-fast
// attempt.
func (e *Engine) acquireNonce(ctx context.Context, signer, holder string) (*NonceState, error) {
	state, err := e.nonces.Acquire(ctx, signer, holder, e.policy.NonceLockGrace)
	if e.policy.NonceLockTimeout <= 0 || !errors.Is(err, ErrNonceLocked) {
		return state, err
	}

	deadline := time.NewTimer(e.policy.NonceLockTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, err
		case <-poll.C:
			state, err = e.nonces.Acquire(ctx, signer, holder, e.policy.NonceLockGrace)
			if !errors.Is(err, ErrNonceLocked) {
				return state, err
			}
		}
	}
}

func (e *Engine) releaseNonce(ctx context.Context, signer, holder string) {
	if err := e.nonces.Release(ctx, signer, holder); err != nil {
		logging.L(ctx).Error("release nonce lock", "signer", signer, "error", err)
	}
}

func (e *Engine) releaseLimit(ctx context.Context, signer, day string, amount *big.Int) {
	if err := e.limits.Release(ctx, signer, day, amount); err != nil {
		logging.L(ctx).Error("release daily limit", "signer", signer, "error", err)
	}
}
