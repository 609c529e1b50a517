package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
	"reputation_consensus/pkg/consensus"
	"reputation_consensus/pkg/data"
)

const (
	// Topic names
	ChallengeTopic = "repcon-challenges"
	VoteTopic      = "repcon-votes"
	DisputeTopic   = "repcon-disputes"

	msgQueueSize = 1000
)

// MessageHandler receives inbound protocol messages after envelope
// decoding. All protocol-level checks (nonce, membership, signatures)
// belong to the handler, not the transport.
type MessageHandler interface {
	HandleChallenge(ctx context.Context, challenge *consensus.Challenge) error
	HandleVote(ctx context.Context, vote *data.Vote) error
	HandleDispute(ctx context.Context, dispute *data.DisputeCase) error
}

// Host is the gossip transport for the validation protocol. Every message
// goes to every subscribed peer: committee membership stays a local
// computation on the receiving side, which is what makes targeted-delivery
// eclipse attacks structurally impossible.
type Host struct {
	cfg     *config.P2PConfig
	host    host.Host
	pubsub  *pubsub.PubSub
	topics  map[string]*pubsub.Topic
	subs    map[string]*pubsub.Subscription
	handler MessageHandler
	logger  *zap.Logger

	discovery *Discovery
	shutdown  chan struct{}
	msgQueue  chan *Envelope
	metrics   *HostMetrics
	mu        sync.RWMutex
}

// HostMetrics tracks transport throughput.
type HostMetrics struct {
	MessagesPublished int64
	MessagesReceived  int64
	MessagesDropped   int64
	LastUpdate        time.Time
	mu                sync.RWMutex
}

// NewHost creates the libp2p host, joins the protocol topics, and wires
// the inbound queue. Call Start to begin processing.
func NewHost(ctx context.Context, cfg *config.P2PConfig, handler MessageHandler, logger *zap.Logger) (*Host, error) {
	priv, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("key management error: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	discovery, err := NewDiscovery(ctx, h, cfg.BootstrapPeers, logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create discovery: %w", err)
	}

	node := &Host{
		cfg:       cfg,
		host:      h,
		pubsub:    ps,
		topics:    make(map[string]*pubsub.Topic),
		subs:      make(map[string]*pubsub.Subscription),
		handler:   handler,
		logger:    logger,
		discovery: discovery,
		shutdown:  make(chan struct{}),
		msgQueue:  make(chan *Envelope, msgQueueSize),
		metrics:   &HostMetrics{},
	}

	if err := node.joinTopics(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to join topics: %w", err)
	}
	return node, nil
}

// Start begins discovery and inbound message processing.
func (h *Host) Start(ctx context.Context) error {
	h.logger.Info("Starting P2P host",
		zap.String("peerID", h.host.ID().String()),
		zap.Any("listenAddrs", h.host.Addrs()))

	if err := h.discovery.Start(ctx); err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}

	go h.processInbound(ctx)
	return nil
}

// Stop shuts the transport down.
func (h *Host) Stop() error {
	h.logger.Info("Stopping P2P host")
	close(h.shutdown)

	for _, sub := range h.subs {
		sub.Cancel()
	}
	for _, topic := range h.topics {
		topic.Close()
	}
	if err := h.discovery.Stop(); err != nil {
		h.logger.Warn("Discovery shutdown failed", zap.Error(err))
	}
	if err := h.host.Close(); err != nil {
		return fmt.Errorf("failed to close libp2p host: %w", err)
	}
	return nil
}

// ID returns the host's peer ID string.
func (h *Host) ID() string {
	return h.host.ID().String()
}

// ConnectedPeers returns the current connection count.
func (h *Host) ConnectedPeers() int {
	return len(h.host.Network().Peers())
}

// BroadcastChallenge publishes a session-opening challenge.
func (h *Host) BroadcastChallenge(ctx context.Context, challenge *consensus.Challenge) error {
	return h.publish(ctx, ChallengeTopic, ChallengeMessage, challenge)
}

// BroadcastVote publishes a committee vote.
func (h *Host) BroadcastVote(ctx context.Context, vote *data.Vote) error {
	return h.publish(ctx, VoteTopic, VoteMessage, vote)
}

// BroadcastDispute publishes a dispute case to the arbitration body.
func (h *Host) BroadcastDispute(ctx context.Context, dispute *data.DisputeCase) error {
	return h.publish(ctx, DisputeTopic, DisputeMessage, dispute)
}

func (h *Host) publish(ctx context.Context, topicName string, msgType MessageType, payload interface{}) error {
	h.mu.RLock()
	topic, ok := h.topics[topicName]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("topic %s not joined", topicName)
	}

	envelope, err := NewEnvelope(msgType, payload, h.ID())
	if err != nil {
		return err
	}
	raw, err := envelope.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	if err := topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publishing to %s: %w", topicName, err)
	}

	h.metrics.mu.Lock()
	h.metrics.MessagesPublished++
	h.metrics.LastUpdate = time.Now()
	h.metrics.mu.Unlock()
	return nil
}

func (h *Host) joinTopics(ctx context.Context) error {
	for _, topicName := range []string{ChallengeTopic, VoteTopic, DisputeTopic} {
		topic, err := h.pubsub.Join(topicName)
		if err != nil {
			return fmt.Errorf("failed to join topic %s: %w", topicName, err)
		}
		h.topics[topicName] = topic

		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topicName, err)
		}
		h.subs[topicName] = sub

		go h.readTopic(ctx, topicName, sub)
	}
	return nil
}

// readTopic pulls raw gossip messages off one subscription and enqueues
// decoded envelopes. Decoding failures are dropped here; protocol checks
// happen in the handler.
func (h *Host) readTopic(ctx context.Context, topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			select {
			case <-h.shutdown:
			case <-ctx.Done():
			default:
				h.logger.Error("Topic read failed",
					zap.String("topic", topicName), zap.Error(err))
			}
			return
		}

		if msg.ReceivedFrom == h.host.ID() {
			continue
		}

		envelope, err := UnmarshalEnvelope(msg.Data)
		if err != nil {
			h.drop(topicName, err)
			continue
		}

		select {
		case h.msgQueue <- envelope:
			h.metrics.mu.Lock()
			h.metrics.MessagesReceived++
			h.metrics.mu.Unlock()
		default:
			h.drop(topicName, fmt.Errorf("inbound queue full"))
		}
	}
}

func (h *Host) processInbound(ctx context.Context) {
	for {
		select {
		case envelope := <-h.msgQueue:
			if err := h.dispatch(ctx, envelope); err != nil {
				h.logger.Debug("Inbound message discarded",
					zap.String("type", string(envelope.Type)),
					zap.String("sender", envelope.SenderID),
					zap.Error(err))
			}
		case <-h.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Host) dispatch(ctx context.Context, envelope *Envelope) error {
	switch envelope.Type {
	case ChallengeMessage:
		challenge := &consensus.Challenge{}
		if err := envelope.Decode(challenge); err != nil {
			return err
		}
		return h.handler.HandleChallenge(ctx, challenge)
	case VoteMessage:
		vote := &data.Vote{}
		if err := envelope.Decode(vote); err != nil {
			return err
		}
		return h.handler.HandleVote(ctx, vote)
	case DisputeMessage:
		dispute := &data.DisputeCase{}
		if err := envelope.Decode(dispute); err != nil {
			return err
		}
		return h.handler.HandleDispute(ctx, dispute)
	default:
		return fmt.Errorf("unknown message type: %s", envelope.Type)
	}
}

func (h *Host) drop(topicName string, err error) {
	h.metrics.mu.Lock()
	h.metrics.MessagesDropped++
	h.metrics.mu.Unlock()
	h.logger.Debug("Gossip message dropped",
		zap.String("topic", topicName), zap.Error(err))
}

// Stats returns a snapshot of transport metrics.
func (h *Host) Stats() HostStats {
	h.metrics.mu.RLock()
	defer h.metrics.mu.RUnlock()
	return HostStats{
		ConnectedPeers:    h.ConnectedPeers(),
		MessagesPublished: h.metrics.MessagesPublished,
		MessagesReceived:  h.metrics.MessagesReceived,
		MessagesDropped:   h.metrics.MessagesDropped,
		LastUpdate:        h.metrics.LastUpdate,
	}
}

// HostStats is a point-in-time metrics snapshot.
type HostStats struct {
	ConnectedPeers    int
	MessagesPublished int64
	MessagesReceived  int64
	MessagesDropped   int64
	LastUpdate        time.Time
}
