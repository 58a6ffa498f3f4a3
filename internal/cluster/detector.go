package cluster

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/blacklist"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/idgen"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/logging"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/metrics"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/velocity"
	"github.com/Dr-Liberty/BMT-University-sub001/internal/wallet"
)

// Blacklister is the slice of the blacklist service the detector needs.
type Blacklister interface {
	IsBlocked(ctx context.Context, wallet string) (bool, error)
	Add(ctx context.Context, wallet string, reason blacklist.Reason, severity blacklist.Severity, evidence blacklist.Evidence, addedBy string) (*blacklist.Entry, error)
}

// Notifier receives cluster block events for the operator stream.
type Notifier interface {
	ClusterBlocked(clusterID string, wallets []string, score int)
}

// VelocityReader reports recent claim rates for linkage identifiers.
type VelocityReader interface {
	Rate(ctx context.Context, identifier string, evType velocity.EventType, window time.Duration) (int, error)
}

// Scoring thresholds. Claimed value per member at or above
// highValuePerWallet, or an identifier claiming hotIdentifierRate rewards
// inside an hour, each add weight.
var highValuePerWallet, _ = wallet.ParseBMT("1000")

const hotIdentifierRate = 10

// Detector links wallets through shared identifiers and scores clusters.
type Detector struct {
	store      Store
	blacklist  Blacklister
	notifier   Notifier
	velocity   VelocityReader
	blockScore int

	// Observe and Recompute both read-modify-write cluster rows; a single
	// mutex keeps merges linearized. Cluster volume is small (thousands),
	// so one lock is fine.
	mu sync.Mutex
}

// NewDetector creates a cluster detector. blockScore is the risk score at and
// above which a detected cluster is auto-blocked; notifier may be nil.
func NewDetector(store Store, bl Blacklister, notifier Notifier, blockScore int) *Detector {
	if blockScore <= 0 || blockScore > 100 {
		blockScore = 75
	}
	return &Detector{
		store:      store,
		blacklist:  bl,
		notifier:   notifier,
		blockScore: blockScore,
	}
}

// WithVelocity adds claim-rate input to cluster scoring. Without it, scoring
// runs on cluster shape alone.
func (d *Detector) WithVelocity(v VelocityReader) *Detector {
	d.velocity = v
	return d
}

// Observe links a wallet to the fingerprint and IP seen on a claim and books
// the claimed amount against the cluster's running total. Clusters that the
// new observation bridges are merged into the oldest one. Observing the same
// triple twice is a no-op apart from the claim counter and total.
func (d *Detector) Observe(ctx context.Context, walletAddr, fingerprint, ip, amount string) error {
	walletAddr = strings.ToLower(walletAddr)

	var keys []string
	if fingerprint != "" {
		keys = append(keys, KeyFingerprint+fingerprint)
	}
	if ip != "" {
		keys = append(keys, KeyIP+ip)
	}
	if len(keys) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	matches, err := d.store.FindByKeys(ctx, []string{walletAddr}, keys)
	if err != nil {
		return fmt.Errorf("find clusters: %w", err)
	}

	switch len(matches) {
	case 0:
		now := time.Now()
		c := &Cluster{
			ID:           idgen.WithPrefix("cl_"),
			Wallets:      []string{walletAddr},
			Identifiers:  keys,
			RewardClaims: 1,
			RewardTotal:  addBMT("", amount),
			Status:       StatusDetected,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return d.store.Save(ctx, c)

	case 1:
		c := matches[0]
		c.Wallets = appendUnique(c.Wallets, walletAddr)
		c.Identifiers = appendUniqueAll(c.Identifiers, keys)
		c.RewardClaims++
		c.RewardTotal = addBMT(c.RewardTotal, amount)
		return d.store.Save(ctx, c)

	default:
		// The observation bridges several clusters. Fold everything into
		// the oldest so repeated observation in any order converges on the
		// same cluster.
		into := matches[0]
		var absorbed []string
		for _, other := range matches[1:] {
			into.Wallets = appendUniqueAll(into.Wallets, other.Wallets)
			into.Identifiers = appendUniqueAll(into.Identifiers, other.Identifiers)
			into.RewardClaims += other.RewardClaims
			into.RewardTotal = addBMT(into.RewardTotal, other.RewardTotal)
			// A block on any side survives the merge
			if other.Status == StatusBlocked {
				into.Status = StatusBlocked
				into.AutoBlocked = into.AutoBlocked || other.AutoBlocked
			}
			absorbed = append(absorbed, other.ID)
		}
		into.Wallets = appendUnique(into.Wallets, walletAddr)
		into.Identifiers = appendUniqueAll(into.Identifiers, keys)
		into.RewardClaims++
		into.RewardTotal = addBMT(into.RewardTotal, amount)

		log := logging.L(ctx)
		log.Info("clusters merged",
			"into", into.ID,
			"absorbed", len(absorbed),
			"wallets", len(into.Wallets))
		return d.store.Merge(ctx, into, absorbed)
	}
}

// Recompute rescores every non-final cluster and auto-blocks those crossing
// the threshold. The blacklist cascade runs at most once per cluster; a
// cluster that is already blocked is rescored but never cascaded again, so
// operator deactivations of individual members stick.
func (d *Detector) Recompute(ctx context.Context) (blocked int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	clusters, err := d.store.ListAll(ctx, 10000)
	if err != nil {
		return 0, fmt.Errorf("list clusters: %w", err)
	}

	log := logging.L(ctx)

	for _, c := range clusters {
		if c.Status == StatusCleared {
			continue
		}

		score, scoreErr := d.score(ctx, c)
		if scoreErr != nil {
			log.Warn("cluster scoring failed", "clusterId", c.ID, "error", scoreErr)
			continue
		}
		c.RiskScore = score

		if c.Status == StatusDetected && score >= d.blockScore {
			c.Status = StatusBlocked
			c.AutoBlocked = true

			if cascadeErr := d.cascade(ctx, c); cascadeErr != nil {
				// Leave the cluster detected so the next run retries the
				// cascade; a half-applied cascade is safe because Add is
				// idempotent.
				c.Status = StatusDetected
				c.AutoBlocked = false
				log.Error("blacklist cascade failed", "clusterId", c.ID, "error", cascadeErr)
			} else {
				blocked++
				log.Warn("cluster auto-blocked",
					"clusterId", c.ID,
					"score", score,
					"wallets", len(c.Wallets))
				if d.notifier != nil {
					d.notifier.ClusterBlocked(c.ID, c.Wallets, score)
				}
			}
		}

		if err := d.store.Save(ctx, c); err != nil {
			log.Warn("cluster save failed", "clusterId", c.ID, "error", err)
		}
	}

	if count, err := d.store.CountBlocked(ctx); err == nil {
		metrics.BlockedClusters.Set(float64(count))
	}
	return blocked, nil
}

// score computes a 0-100 risk score from cluster shape.
func (d *Detector) score(ctx context.Context, c *Cluster) (int, error) {
	score := 0

	// Many wallets behind few identities is the core Sybil signal.
	if n := len(c.Wallets); n > 1 {
		score += min(60, (n-1)*15)
	}

	// Shared identifiers beyond the first pair tighten the linkage.
	if n := len(c.Identifiers); n > 1 {
		score += min(15, (n-1)*5)
	}

	// Claim volume disproportionate to cluster size.
	if len(c.Wallets) > 0 && c.RewardClaims/len(c.Wallets) >= 5 {
		score += 15
	}

	// Aggregate claimed value per member. A farm draining real token value
	// scores even while the linkage is still narrow.
	if n := len(c.Wallets); n > 0 && c.RewardTotal != "" {
		if total, err := wallet.ParseBMT(c.RewardTotal); err == nil {
			perWallet := new(big.Int).Div(total, big.NewInt(int64(n)))
			if perWallet.Cmp(highValuePerWallet) >= 0 {
				score += 15
			}
		}
	}

	// A linkage identifier claiming heavily inside the trailing hour marks
	// an active farm rather than a dormant shared device.
	if d.velocity != nil {
		for _, key := range c.Identifiers {
			raw := strings.TrimPrefix(strings.TrimPrefix(key, KeyFingerprint), KeyIP)
			rate, rateErr := d.velocity.Rate(ctx, raw, velocity.EventRewardClaimed, time.Hour)
			if rateErr != nil {
				logging.L(ctx).Warn("velocity rate lookup failed",
					"clusterId", c.ID, "identifier", raw, "error", rateErr)
				continue
			}
			if rate >= hotIdentifierRate {
				score += 15
				break
			}
		}
	}

	// Any member already blacklisted taints the whole cluster.
	for _, w := range c.Wallets {
		isBlocked, err := d.blacklist.IsBlocked(ctx, w)
		if err != nil {
			return 0, err
		}
		if isBlocked {
			score += 30
			break
		}
	}

	return min(100, score), nil
}

// cascade blacklists every member wallet. Entries are upserts, so a rerun
// after partial failure completes the remainder without duplicates.
func (d *Detector) cascade(ctx context.Context, c *Cluster) error {
	linked := append([]string(nil), c.Wallets...)
	sort.Strings(linked)

	for _, w := range c.Wallets {
		_, err := d.blacklist.Add(ctx, w,
			blacklist.ReasonSybilAttack,
			blacklist.SeverityBlocked,
			blacklist.Evidence{
				LinkedWallets: linked,
				ClusterID:     c.ID,
			}, "system")
		if err != nil {
			return fmt.Errorf("blacklist %s: %w", w, err)
		}
	}
	return nil
}

// Get returns a cluster by ID.
func (d *Detector) Get(ctx context.Context, id string) (*Cluster, error) {
	return d.store.Get(ctx, id)
}

// ForWallet returns the cluster containing a wallet, if any.
func (d *Detector) ForWallet(ctx context.Context, walletAddr string) (*Cluster, error) {
	return d.store.FindByWallet(ctx, strings.ToLower(walletAddr))
}

// IsWalletClusterBlocked reports whether the wallet belongs to a blocked
// cluster. Unknown wallets are not blocked.
func (d *Detector) IsWalletClusterBlocked(ctx context.Context, walletAddr string) (bool, error) {
	c, err := d.store.FindByWallet(ctx, strings.ToLower(walletAddr))
	if err == ErrClusterNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Status == StatusBlocked, nil
}

// List returns clusters by status for the operator surface.
func (d *Detector) List(ctx context.Context, status Status, limit int) ([]*Cluster, error) {
	return d.store.List(ctx, status, limit)
}

// Review marks a blocked or detected cluster as reviewed.
func (d *Detector) Review(ctx context.Context, id string) (*Cluster, error) {
	return d.setStatus(ctx, id, StatusReviewed)
}

// Clear releases a cluster. Member blacklist entries are not touched; the
// operator deactivates those separately.
func (d *Detector) Clear(ctx context.Context, id string) (*Cluster, error) {
	return d.setStatus(ctx, id, StatusCleared)
}

// Block manually blocks a cluster and runs the cascade.
func (d *Detector) Block(ctx context.Context, id string) (*Cluster, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusBlocked {
		return c, nil
	}
	c.Status = StatusBlocked
	if err := d.cascade(ctx, c); err != nil {
		return nil, err
	}
	if err := d.store.Save(ctx, c); err != nil {
		return nil, err
	}
	if count, err := d.store.CountBlocked(ctx); err == nil {
		metrics.BlockedClusters.Set(float64(count))
	}
	return c, nil
}

func (d *Detector) setStatus(ctx context.Context, id string, status Status) (*Cluster, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Status = status
	if err := d.store.Save(ctx, c); err != nil {
		return nil, err
	}
	if count, err := d.store.CountBlocked(ctx); err == nil {
		metrics.BlockedClusters.Set(float64(count))
	}
	return c, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func appendUniqueAll(list []string, values []string) []string {
	for _, v := range values {
		list = appendUnique(list, v)
	}
	return list
}

// addBMT sums two decimal BMT amounts. Unparseable operands count as zero,
// so a malformed historical total never wedges observation.
func addBMT(total, amount string) string {
	sum := new(big.Int)
	if v, err := wallet.ParseBMT(total); err == nil {
		sum.Add(sum, v)
	}
	if v, err := wallet.ParseBMT(amount); err == nil {
		sum.Add(sum, v)
	}
	return wallet.FormatBMT(sum)
}
