package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dloop-labs/dloop-engine/config"
	"github.com/dloop-labs/dloop-engine/gas"
	"github.com/dloop-labs/dloop-engine/lending"
	"github.com/dloop-labs/dloop-engine/lending/dlend"
	"github.com/dloop-labs/dloop-engine/oracle"
	"github.com/dloop-labs/dloop-engine/quoter"
	"github.com/dloop-labs/dloop-engine/server"
	"github.com/dloop-labs/dloop-engine/simulator"
	"github.com/dloop-labs/dloop-engine/swap"
	"github.com/dloop-labs/dloop-engine/swap/odos"
	"github.com/dloop-labs/dloop-engine/swap/pendle"
	"github.com/dloop-labs/dloop-engine/token"
	"github.com/dloop-labs/dloop-engine/utils/metrics"
	"github.com/dloop-labs/dloop-engine/utils/monitor"
	"github.com/dloop-labs/dloop-engine/vault"
)

// Engine wires the full stack: RPC client, transaction gateway, oracle
// gate, swap routing, lending manager, per-vault rebalancers, the keeper
// loop and the HTTP quote API.
type Engine struct {
	cfg    *config.Config
	client *ethclient.Client
	sender *vault.Sender
	tokens *token.Reader
	vaults []vault.Vault
	gas    *gas.Estimator
	keeper *vault.Keeper
	quoter *quoter.Quoter
	server *server.Server
	logger *zap.Logger
	wg     sync.WaitGroup

	approveOnce sync.Once
	approveErr  error
}

// New builds the engine from configuration. Secrets come separately so
// they never transit the JSON config.
func New(cfg *config.Config, secrets *config.SecureConfig, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secrets.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("engine: invalid private key: %w", err)
	}

	client, err := ethclient.Dial(cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to connect to %s: %w", cfg.RPCEndpoint, err)
	}

	sender, err := vault.NewSender(client, key, vault.SenderConfig{
		ChainID:     cfg.ChainID,
		MaxGasPrice: cfg.MaxGasPrice,
	}, logger)
	if err != nil {
		return nil, err
	}
	sender.SetPreflight(simulator.NewSimulator(client, logger))
	account := sender.Address()

	tokens, err := token.NewReader(client, logger)
	if err != nil {
		return nil, err
	}

	feed, err := oracle.NewFeed(client, cfg.OracleAddress, logger)
	if err != nil {
		return nil, err
	}
	var priceFeed oracle.PriceFeed = feed
	if len(cfg.PriceThresholds) > 0 {
		thresholds := make(map[common.Address]oracle.Threshold, len(cfg.PriceThresholds))
		for _, t := range cfg.PriceThresholds {
			thresholds[t.Asset] = oracle.Threshold{
				LowerBound: t.LowerBound,
				FixedPrice: t.FixedPrice,
			}
		}
		priceFeed, err = oracle.NewThresholdFeed(feed, thresholds, logger)
		if err != nil {
			return nil, err
		}
	}

	validator, err := oracle.NewValidator(priceFeed, tokens, logger)
	if err != nil {
		return nil, err
	}
	if err := validator.SetToleranceBps(cfg.OracleToleranceBps); err != nil {
		return nil, err
	}

	classifier, err := swap.NewClassifier(client, logger)
	if err != nil {
		return nil, err
	}
	odosRouter, err := odos.NewRouter(sender, cfg.OdosRouterAddress, logger)
	if err != nil {
		return nil, err
	}
	pendleMarket, err := pendle.NewMarket(sender, cfg.PendleRouterAddress, logger)
	if err != nil {
		return nil, err
	}
	executor, err := swap.NewExecutor(swap.ExecutorConfig{
		Classifier: classifier,
		Oracle:     validator,
		Tokens:     tokens,
		Aggregator: odosRouter,
		PTMarket:   pendleMarket,
		Account:    account,
	}, logger)
	if err != nil {
		return nil, err
	}

	pool, err := dlend.NewPool(client, sender, dlend.Config{
		Address:   cfg.PoolAddress,
		RateLimit: cfg.RPCRateLimit.RequestsPerSecond,
		RateBurst: cfg.RPCRateLimit.BurstSize,
	}, logger)
	if err != nil {
		return nil, err
	}
	manager, err := lending.NewManager(pool, tokens, account, logger)
	if err != nil {
		return nil, err
	}

	estimator := gas.NewEstimator(client, logger)

	vaults, err := config.LoadVaults(cfg.VaultRegistryPath)
	if err != nil {
		return nil, err
	}
	rebalancers := make([]*vault.Rebalancer, 0, len(vaults))
	planners := make([]quoter.Planner, 0, len(vaults))
	for _, v := range vaults {
		r, err := vault.NewRebalancer(vault.RebalancerConfig{
			Vault:   v,
			Lending: manager,
			Swapper: executor,
			Oracle:  validator,
			Feed:    priceFeed,
			Tokens:  tokens,
			Gas:     estimator,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("engine: vault %s: %w", v.Name, err)
		}
		rebalancers = append(rebalancers, r)
		planners = append(planners, r)
	}

	quotes, err := odos.NewQuoteClient(cfg.OdosAPIURL, cfg.ChainID, cfg.OdosRouterAddress, logger)
	if err != nil {
		return nil, err
	}
	keeper, err := vault.NewKeeper(rebalancers, quotes, account, vault.KeeperConfig{
		Interval: cfg.KeeperInterval,
		DryRun:   cfg.DryRun,
		Breaker: vault.BreakerConfig{
			ErrorThreshold: cfg.CircuitBreaker.ErrorThreshold,
			ResetInterval:  cfg.CircuitBreaker.ResetInterval,
			CooldownPeriod: cfg.CircuitBreaker.CooldownPeriod,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	q, err := quoter.New(client, planners, logger)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(server.Config{
		ListenAddr:        cfg.ServerListenAddr,
		RequestsPerSecond: cfg.ServerRateLimit.RequestsPerSecond,
		Burst:             cfg.ServerRateLimit.BurstSize,
		MetricsEnabled:    cfg.PrometheusEnabled,
	}, q, &classifyAdapter{classifier: classifier}, keeper.Healthy, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		client: client,
		sender: sender,
		tokens: tokens,
		vaults: vaults,
		gas:    estimator,
		keeper: keeper,
		quoter: q,
		server: srv,
		logger: logger,
	}
	if err := e.registerMetrics(metrics.Registry(),
		sender, validator, classifier, odosRouter, pendleMarket, executor,
		pool, manager, quotes, keeper,
	); err != nil {
		return nil, err
	}
	for _, r := range rebalancers {
		if err := r.RegisterMetrics(metrics.Registry()); err != nil {
			return nil, fmt.Errorf("engine: failed to register metrics: %w", err)
		}
	}
	return e, nil
}

type metricSource interface {
	RegisterMetrics(reg prometheus.Registerer) error
}

func (e *Engine) registerMetrics(reg prometheus.Registerer, sources ...metricSource) error {
	for _, s := range sources {
		if err := s.RegisterMetrics(reg); err != nil {
			return fmt.Errorf("engine: failed to register metrics: %w", err)
		}
	}
	return nil
}

// Keeper returns the rebalance loop.
func (e *Engine) Keeper() *vault.Keeper {
	return e.keeper
}

// Quoter returns the read-only quote service.
func (e *Engine) Quoter() *quoter.Quoter {
	return e.quoter
}

// approveRouters grants the swap routers an unlimited allowance for
// every vault asset the keeper can trade. Allowances only ever grow, so
// this runs once per process and is skipped in dry-run mode where no
// swaps are broadcast.
func (e *Engine) approveRouters(ctx context.Context) error {
	if e.cfg.DryRun {
		return nil
	}
	e.approveOnce.Do(func() {
		assets := make(map[common.Address]struct{}, len(e.vaults)*2)
		for _, v := range e.vaults {
			assets[v.CollateralAsset] = struct{}{}
			assets[v.DebtAsset] = struct{}{}
		}
		routers := []common.Address{e.cfg.OdosRouterAddress, e.cfg.PendleRouterAddress}
		for asset := range assets {
			for _, router := range routers {
				calldata, err := e.tokens.ApproveCalldata(router, ethmath.MaxBig256)
				if err != nil {
					e.approveErr = err
					return
				}
				if err := e.sender.Send(ctx, asset, calldata); err != nil {
					e.approveErr = fmt.Errorf("engine: approval of %s for router %s failed: %w",
						asset.Hex(), router.Hex(), err)
					return
				}
				e.logger.Info("Approved swap router",
					zap.String("asset", asset.Hex()),
					zap.String("router", router.Hex()))
			}
		}
	})
	return e.approveErr
}

// RunKeeper runs the rebalance loop until the context is cancelled.
func (e *Engine) RunKeeper(ctx context.Context) error {
	if err := e.approveRouters(ctx); err != nil {
		return err
	}
	stop, err := e.startMonitor(ctx)
	if err != nil {
		return err
	}
	defer stop()
	return e.keeper.Run(ctx)
}

// RunServer runs the HTTP quote API until the context is cancelled.
func (e *Engine) RunServer(ctx context.Context) error {
	stop, err := e.startMonitor(ctx)
	if err != nil {
		return err
	}
	defer stop()
	return e.server.Run(ctx)
}

// startMonitor begins process-health sampling for the long-running
// modes.
func (e *Engine) startMonitor(ctx context.Context) (func(), error) {
	mon, err := monitor.NewSystemMonitor(ctx, e.logger)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to start system monitor: %w", err)
	}
	if err := mon.RegisterMetrics(metrics.Registry()); err != nil {
		mon.Cleanup()
		return nil, fmt.Errorf("engine: failed to register metrics: %w", err)
	}
	return func() { mon.Cleanup() }, nil
}

// Run starts the keeper loop and the quote API together and blocks until
// both have stopped.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.approveRouters(ctx); err != nil {
		return err
	}
	stop, err := e.startMonitor(ctx)
	if err != nil {
		return err
	}
	defer stop()

	errCh := make(chan error, 2)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.keeper.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("engine: keeper stopped: %w", err)
		}
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("engine: server stopped: %w", err)
		}
	}()

	e.wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Close releases the engine's connections and background workers.
func (e *Engine) Close() {
	e.gas.Stop()
	e.client.Close()
}

// classifyAdapter exposes the swap classifier to the HTTP layer with the
// wire-level type names.
type classifyAdapter struct {
	classifier *swap.Classifier
}

func (a *classifyAdapter) ClassifySwap(ctx context.Context, tokenIn, tokenOut common.Address) (string, error) {
	t, err := a.classifier.DetermineSwapType(ctx, tokenIn, tokenOut)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}
