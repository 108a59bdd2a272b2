// Package quoter serves read-side rebalance quotes. It reuses the vault
// rebalancer's planning path without ever executing, and caches results
// per block: a quote is a pure function of on-chain state, so within one
// block it never changes.
package quoter

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/dloop-labs/dloop-engine/types"
	"github.com/dloop-labs/dloop-engine/utils/metrics"
	"github.com/dloop-labs/dloop-engine/vault"
)

const quoteCacheSize = 1024

// BlockReader reports the latest block number. *ethclient.Client
// satisfies it.
type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Planner produces read-only rebalance plans for one vault.
// *vault.Rebalancer satisfies it.
type Planner interface {
	Vault() vault.Vault
	Position(ctx context.Context) (*types.Position, error)
	PlanRebalance(ctx context.Context) (*vault.Plan, error)
}

// Quote is one rebalance quote, pinned to the block it was computed at.
type Quote struct {
	ID          uuid.UUID
	Vault       string
	BlockNumber uint64
	CreatedAt   time.Time
	Plan        vault.Plan
}

// Quoter answers quote and position queries for the registered vaults.
// Safe for concurrent readers; it holds no mutable state beyond the
// cache.
type Quoter struct {
	blocks   BlockReader
	planners map[string]Planner
	names    []string
	cache    *lru.Cache
	logger   *zap.Logger
	metrics  *metrics.QuoteMetrics
}

// New creates a quoter over the given planners.
func New(blocks BlockReader, planners []Planner, logger *zap.Logger) (*Quoter, error) {
	if blocks == nil {
		return nil, fmt.Errorf("quoter: block reader is required")
	}
	if len(planners) == 0 {
		return nil, fmt.Errorf("quoter: at least one planner is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("quoter: logger is required")
	}

	cache, err := lru.New(quoteCacheSize)
	if err != nil {
		return nil, fmt.Errorf("quoter: failed to create quote cache: %w", err)
	}

	q := &Quoter{
		blocks:   blocks,
		planners: make(map[string]Planner, len(planners)),
		cache:    cache,
		logger:   logger,
		metrics:  metrics.NewQuoteMetrics("dloop_quoter"),
	}
	for _, p := range planners {
		name := p.Vault().Name
		if _, dup := q.planners[name]; dup {
			return nil, fmt.Errorf("quoter: duplicate vault name %q", name)
		}
		q.planners[name] = p
		q.names = append(q.names, name)
	}
	return q, nil
}

// Vaults lists the registered vault descriptors in registration order.
func (q *Quoter) Vaults() []vault.Vault {
	out := make([]vault.Vault, 0, len(q.names))
	for _, name := range q.names {
		out = append(out, q.planners[name].Vault())
	}
	return out
}

// Position reads a vault's live position. Positions are never cached;
// they move with every pool interaction, not just the vault's own.
func (q *Quoter) Position(ctx context.Context, vaultName string) (*types.Position, error) {
	p, err := q.planner(vaultName)
	if err != nil {
		return nil, err
	}
	return p.Position(ctx)
}

// Quote returns the rebalance quote for a vault at the latest block,
// serving repeated requests within a block from cache. Every quote
// carries a fresh ID even when its plan came from cache.
func (q *Quoter) Quote(ctx context.Context, vaultName string) (*Quote, error) {
	p, err := q.planner(vaultName)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	block, err := q.blocks.BlockNumber(ctx)
	if err != nil {
		q.metrics.Errors.Inc()
		return nil, fmt.Errorf("quoter: failed to read block number: %w", err)
	}

	key := cacheKey(vaultName, block)
	if cached, ok := q.cache.Get(key); ok {
		q.metrics.CacheHits.Inc()
		plan := cached.(vault.Plan)
		return q.wrap(vaultName, block, plan), nil
	}
	q.metrics.CacheMisses.Inc()

	plan, err := p.PlanRebalance(ctx)
	if err != nil {
		q.metrics.Errors.Inc()
		return nil, err
	}
	q.cache.Add(key, *plan)

	q.metrics.Quotes.Inc()
	q.metrics.Latency.Observe(time.Since(start).Seconds())
	q.logger.Debug("Quoted rebalance",
		zap.String("vault", vaultName),
		zap.Uint64("block", block),
		zap.String("direction", plan.Direction.String()))
	return q.wrap(vaultName, block, *plan), nil
}

func (q *Quoter) wrap(vaultName string, block uint64, plan vault.Plan) *Quote {
	return &Quote{
		ID:          uuid.New(),
		Vault:       vaultName,
		BlockNumber: block,
		CreatedAt:   time.Now().UTC(),
		Plan:        plan,
	}
}

func (q *Quoter) planner(vaultName string) (Planner, error) {
	p, ok := q.planners[vaultName]
	if !ok {
		return nil, fmt.Errorf("quoter: unknown vault %q", vaultName)
	}
	return p, nil
}

// cacheKey hashes vault name and block number into the cache key.
func cacheKey(vaultName string, block uint64) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(vaultName)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
