// cmd/app/node.go
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"reputation_consensus/pkg/api"
	"reputation_consensus/pkg/arbitration"
	"reputation_consensus/pkg/compensation"
	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/consensus"
	"reputation_consensus/pkg/data"
	"reputation_consensus/pkg/database"
	"reputation_consensus/pkg/fraud"
	"reputation_consensus/pkg/p2p"
	"reputation_consensus/pkg/registry"
	"reputation_consensus/pkg/scheduler"
	"reputation_consensus/pkg/security"
	"reputation_consensus/pkg/trust"
)

const passphraseEnv = "REPCON_KEY_PASSPHRASE"

// Node owns the validator services and their startup/shutdown order.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	db         *database.Service
	repo       data.Repository
	identity   *security.ValidatorIdentity
	registry   *registry.Registry
	graph      *trust.Graph
	oracle     *trust.Oracle
	ledger     *fraud.Ledger
	allocator  *compensation.Allocator
	engine     *consensus.Engine
	arbitrator *arbitration.Arbitrator
	host       *p2p.Host
	apiServer  *api.Server
	scheduler  *scheduler.Scheduler

	// Highest block height observed on the wire. Eligibility and temporal
	// scoring read this instead of querying a chain.
	height atomic.Int64
}

// networkHandler routes inbound gossip into the protocol components. The
// transport stays protocol-agnostic; nonce, membership, and signature
// checks all happen behind these calls.
type networkHandler struct {
	node *Node
}

func (h *networkHandler) HandleChallenge(ctx context.Context, challenge *consensus.Challenge) error {
	h.node.observeHeight(challenge.BlockHeight)
	return h.node.engine.HandleChallenge(ctx, challenge)
}

func (h *networkHandler) HandleVote(ctx context.Context, vote *data.Vote) error {
	return h.node.engine.IngestVote(ctx, vote)
}

func (h *networkHandler) HandleDispute(ctx context.Context, dispute *data.DisputeCase) error {
	return h.node.arbitrator.ReceiveDispute(ctx, dispute)
}

// lateBoundEscalator breaks the engine/arbitrator construction cycle: the
// engine is built first and escalates through this indirection once the
// arbitrator exists.
type lateBoundEscalator struct {
	arbitrator *arbitration.Arbitrator
}

func (e *lateBoundEscalator) Escalate(ctx context.Context, session *data.ValidationSession, reason string) error {
	if e.arbitrator == nil {
		return fmt.Errorf("arbitrator not initialized")
	}
	return e.arbitrator.Escalate(ctx, session, reason)
}

// newNode assembles all services in dependency order. Nothing starts here;
// Start brings the services up.
func newNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	node := &Node{cfg: cfg, logger: logger}

	node.db = database.NewService(&cfg.Database, logger)
	if err := node.db.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting database: %w", err)
	}
	node.repo = node.db.Repository()

	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("%s must be set to unlock the validator key", passphraseEnv)
	}
	identity, err := security.LoadOrCreateIdentity(cfg.Security.KeyFile, []byte(passphrase))
	if err != nil {
		node.shutdownStarted()
		return nil, fmt.Errorf("loading validator identity: %w", err)
	}
	node.identity = identity
	logger.Info("Validator identity ready", zap.String("address", identity.Address()))

	reg, err := registry.NewRegistry(ctx, node.repo, registry.EligibilityRules{
		MinReputation:     cfg.Consensus.MinReputation,
		MinStake:          cfg.Consensus.MinStake,
		MaxInactiveBlocks: cfg.Consensus.MaxInactiveBlocks,
	}, logger)
	if err != nil {
		node.shutdownStarted()
		return nil, fmt.Errorf("loading validator registry: %w", err)
	}
	node.registry = reg
	if err := node.registerSelf(ctx); err != nil {
		node.shutdownStarted()
		return nil, fmt.Errorf("registering local validator: %w", err)
	}

	selector := registry.NewCommitteeSelector(reg, cfg.Consensus.CommitteeSize)
	node.graph = trust.NewGraph()
	node.oracle = trust.NewOracle(reg, node.repo, node.graph, node.height.Load)
	node.ledger = fraud.NewLedger(cfg.Fraud, reg, node.repo, logger)

	allocator, err := compensation.NewAllocator(cfg.Compensation, logger)
	if err != nil {
		node.shutdownStarted()
		return nil, fmt.Errorf("creating compensation allocator: %w", err)
	}
	node.allocator = allocator

	host, err := p2p.NewHost(ctx, &cfg.P2P, &networkHandler{node: node}, logger)
	if err != nil {
		node.shutdownStarted()
		return nil, fmt.Errorf("creating p2p host: %w", err)
	}
	node.host = host

	escalator := &lateBoundEscalator{}
	verifier := security.Ed25519Verifier{}
	node.engine = consensus.NewEngine(cfg.Consensus, reg, selector, node.oracle, node.graph,
		node.repo, node.ledger, escalator, host, identity, verifier, logger)
	node.arbitrator = arbitration.NewArbitrator(cfg.Arbitration, reg, node.repo,
		node.engine, node.ledger, host, logger)
	escalator.arbitrator = node.arbitrator

	if cfg.API.Enabled {
		tokens, err := security.NewTokenManager([]byte(cfg.Security.JWTSecret), cfg.Security.TokenExpiry)
		if err != nil {
			node.shutdownStarted()
			return nil, fmt.Errorf("creating token manager: %w", err)
		}
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(api.NewCollector(api.StatsSources{
			Engine:      node.engine.Stats,
			Ledger:      node.ledger.Stats,
			Arbitration: node.arbitrator.Stats,
			Network:     host.Stats,
		}))
		node.apiServer = api.NewServer(cfg.API, node.engine, node.ledger, node.arbitrator,
			node.allocator, node.graph, tokens, promRegistry, logger)
	}

	node.scheduler = scheduler.NewScheduler(logger)
	if err := node.scheduler.RegisterMaintenanceJobs(cfg.Scheduler, cfg.Consensus.RetentionWindow,
		node.repo, node.arbitrator); err != nil {
		node.shutdownStarted()
		return nil, fmt.Errorf("registering maintenance jobs: %w", err)
	}

	return node, nil
}

// registerSelf makes sure the local identity exists in the validator set.
// A fresh validator enters with zero stake and baseline reputation; it
// becomes committee-eligible only after staking.
func (n *Node) registerSelf(ctx context.Context) error {
	address := n.identity.Address()
	if _, err := n.registry.Get(address); err == nil {
		return nil
	}
	validator, err := data.NewValidator(address, n.identity.PublicKey(), 0, n.height.Load())
	if err != nil {
		return err
	}
	if err := n.registry.Register(ctx, validator); err != nil {
		return err
	}
	n.logger.Info("Registered local validator", zap.String("address", address))
	return nil
}

func (n *Node) observeHeight(height int64) {
	for {
		current := n.height.Load()
		if height <= current || n.height.CompareAndSwap(current, height) {
			return
		}
	}
}

// Start brings up the network-facing services. The database is already
// running: newNode needs it to load the registry.
func (n *Node) Start(ctx context.Context) error {
	if err := n.host.Start(ctx); err != nil {
		return fmt.Errorf("starting p2p host: %w", err)
	}
	n.logger.Info("P2P host started", zap.String("peerID", n.host.ID()))

	if n.apiServer != nil {
		if err := n.apiServer.Start(); err != nil {
			n.host.Stop()
			return fmt.Errorf("starting API server: %w", err)
		}
		n.logger.Info("API server listening", zap.String("addr", n.cfg.API.Addr))
	}

	n.scheduler.Start()
	return nil
}

// Stop shuts the services down in reverse start order.
func (n *Node) Stop(ctx context.Context) error {
	var firstErr error

	if n.scheduler != nil {
		n.scheduler.Stop()
	}
	if n.apiServer != nil {
		if err := n.apiServer.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping API server: %w", err)
		}
	}
	if n.host != nil {
		if err := n.host.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping p2p host: %w", err)
		}
	}
	if n.db != nil {
		if err := n.db.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping database: %w", err)
		}
	}
	return firstErr
}

// shutdownStarted tears down whatever came up before a constructor failure.
func (n *Node) shutdownStarted() {
	if n.host != nil {
		_ = n.host.Stop()
	}
	if n.db != nil {
		if err := n.db.Stop(); err != nil {
			n.logger.Warn("Stopping database during failed startup", zap.Error(err))
		}
	}
}

// waitUntilStopped blocks until the context is cancelled, then stops the
// node with a bounded shutdown window.
func (n *Node) waitUntilStopped(ctx context.Context, shutdownTimeout time.Duration) error {
	<-ctx.Done()
	n.logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.Stop(shutdownCtx)
}
