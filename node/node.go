// Package node assembles the daemon: storage handles, hub client, chain
// service, consumer pool, rebalance engine, backfill poller, ingress and
// admin servers, with one lifecycle for the lot.
package node

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/everclear/mark/admin"
	"github.com/everclear/mark/backfill"
	"github.com/everclear/mark/bridge"
	"github.com/everclear/mark/chains"
	"github.com/everclear/mark/core"
	"github.com/everclear/mark/everclear"
	"github.com/everclear/mark/ingress/kafka"
	"github.com/everclear/mark/ingress/webhook"
	"github.com/everclear/mark/log"
	"github.com/everclear/mark/params"
	"github.com/everclear/mark/processor"
	"github.com/everclear/mark/rebalance"
	"github.com/everclear/mark/storage/opstore"
	"github.com/everclear/mark/storage/purchase"
	"github.com/everclear/mark/storage/queue"

	_ "github.com/jinzhu/gorm/dialects/mysql"
)

var logger = log.NewModuleLogger("node")

// Node owns every long-running component.
type Node struct {
	cfg *params.Config

	redis *redis.Client
	store *opstore.Store
	queue *queue.Queue
	cache *purchase.Cache

	balances chains.BalanceSource
	tickers  []string

	pool    *processor.Pool
	engine  *rebalance.Engine
	poller  *backfill.Poller
	webhook *webhook.Server
	admin   *admin.Server
	kafka   *kafka.Source

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Node from config. registry carries the bridge adapters the
// deployment enables; an empty registry disables rebalancing transfers but
// the purchase loop still runs.
func New(cfg *params.Config, registry *bridge.Registry) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = bridge.NewRegistry()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	if err := client.Ping().Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}

	store, err := opstore.Open("mysql", cfg.DatabaseURL)
	if err != nil {
		client.Close()
		return nil, err
	}

	q := queue.New(client, cfg.DeadLetterTTL, cfg.MarkerTTL)
	cache := purchase.NewCache(client, cfg.PurchaseTTL)

	hub := everclear.NewClient(cfg.EverclearAPIURL, cfg.HTTPTimeout)
	chainSvc := chains.NewSignerService(cfg.SignerURL, cfg.SignerAddress, cfg.HTTPTimeout)
	balances := chains.NewRPCBalanceSource(providersOf(cfg), cfg.SignerAddress, assetsOf(cfg), cfg.HTTPTimeout)

	proc := processor.New(cfg, hub, store, cache, chainSvc, balances)
	n := &Node{
		cfg:      cfg,
		redis:    client,
		store:    store,
		queue:    q,
		cache:    cache,
		balances: balances,
		tickers:  tickersOf(cfg),
		pool:     processor.NewPool(q, proc, cfg.Workers, cfg.RetryBase, cfg.RetryMax),
		engine:   rebalance.New(cfg, store, registry, chainSvc, balances, hub),
		poller:   backfill.New(hub, q, cache, cfg.PollInterval),
		webhook:  webhook.NewServer(cfg.WebhookAddr, cfg.WebhookToken, q),
	}
	n.admin = admin.NewServer(cfg.AdminAddr, cfg.AdminToken, store, cache, q, n.engine)

	if cfg.Kafka.Enabled {
		src, err := kafka.NewSource(cfg.Kafka, q)
		if err != nil {
			store.Close()
			client.Close()
			return nil, err
		}
		n.kafka = src
	}
	return n, nil
}

// Start launches every component. It returns immediately; Stop blocks until
// everything has drained.
func (n *Node) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.run(func() { n.pool.Run(ctx) })
	n.run(func() { n.engine.Run(ctx) })
	n.run(func() { n.poller.Run(ctx) })
	n.run(func() { n.cleanupLoop(ctx) })
	n.run(func() { n.gaugeLoop(ctx) })
	n.run(func() {
		if err := n.webhook.Run(ctx); err != nil {
			logger.Errorw("webhook server stopped", "err", err)
		}
	})
	n.run(func() {
		if err := n.admin.Run(ctx); err != nil {
			logger.Errorw("admin server stopped", "err", err)
		}
	})
	if n.kafka != nil {
		n.run(func() { n.kafka.Run(ctx) })
	}
	logger.Infow("node started", "workers", n.cfg.Workers, "adminAddr", n.cfg.AdminAddr,
		"webhookAddr", n.cfg.WebhookAddr, "kafka", n.kafka != nil)
}

// Stop cancels every component, waits for them to finish, and closes the
// storage handles. In-flight event handlers observe the cancellation and
// their events stay in processing for the next start to reclaim.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	if err := n.store.Close(); err != nil {
		logger.Errorw("store close failed", "err", err)
	}
	if err := n.redis.Close(); err != nil {
		logger.Errorw("redis close failed", "err", err)
	}
	logger.Infow("node stopped")
}

func (n *Node) run(f func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f()
	}()
}

// providersOf picks the first configured provider per chain.
func providersOf(cfg *params.Config) map[core.ChainID]string {
	out := make(map[core.ChainID]string, len(cfg.Chains))
	for idStr, cc := range cfg.Chains {
		id, err := core.ParseChainID(idStr)
		if err != nil || len(cc.Providers) == 0 {
			continue
		}
		out[id] = cc.Providers[0]
	}
	return out
}

// assetsOf indexes the per-chain asset configs by lowercased ticker hash.
func assetsOf(cfg *params.Config) map[string][]chains.AssetRef {
	out := map[string][]chains.AssetRef{}
	for idStr, cc := range cfg.Chains {
		id, err := core.ParseChainID(idStr)
		if err != nil {
			continue
		}
		for _, a := range cc.Assets {
			key := strings.ToLower(a.TickerHash)
			out[key] = append(out[key], chains.AssetRef{
				ChainID:  id,
				Address:  a.Address,
				Decimals: a.Decimals,
			})
		}
	}
	return out
}

// cleanupLoop prunes expired dead-letter entries hourly.
func (n *Node) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := n.queue.CleanupExpiredDeadLetter(ctx); err != nil {
				logger.Errorw("dead-letter cleanup failed", "err", err)
			} else if removed > 0 {
				logger.Infow("dead-letter entries expired", "count", removed)
			}
		}
	}
}
