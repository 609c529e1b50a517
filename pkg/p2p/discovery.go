package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	bootstrapTimeout  = 30 * time.Second
	reconnectInterval = 10 * time.Minute
)

// Discovery finds and holds peers through bootstrap nodes and a Kademlia
// DHT running in server mode.
type Discovery struct {
	host           host.Host
	dht            *dht.IpfsDHT
	bootstrapPeers []peer.AddrInfo
	logger         *zap.Logger

	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// NewDiscovery parses the bootstrap addresses and initializes the DHT.
func NewDiscovery(ctx context.Context, h host.Host, bootstrapAddrs []string, logger *zap.Logger) (*Discovery, error) {
	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		return nil, fmt.Errorf("creating DHT: %w", err)
	}

	d := &Discovery{
		host:   h,
		dht:    kadDHT,
		logger: logger,
	}
	if err := d.parseBootstrapAddrs(bootstrapAddrs); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Discovery) parseBootstrapAddrs(addrs []string) error {
	for _, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("parsing bootstrap address %q: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return fmt.Errorf("extracting peer info from %q: %w", addr, err)
		}
		d.bootstrapPeers = append(d.bootstrapPeers, *info)
	}
	return nil
}

// Start bootstraps the DHT, dials the bootstrap peers, and keeps
// reconnecting to them in the background.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("discovery already running")
	}

	if err := d.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping DHT: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.connectBootstrapPeers(runCtx)
	go d.maintainConnections(runCtx)
	return nil
}

// Stop halts discovery.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.cancel()
	d.running = false
	if err := d.dht.Close(); err != nil {
		return fmt.Errorf("closing DHT: %w", err)
	}
	return nil
}

func (d *Discovery) connectBootstrapPeers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, info := range d.bootstrapPeers {
		if d.host.Network().Connectedness(info.ID) == network.Connected {
			continue
		}
		wg.Add(1)
		go func(info peer.AddrInfo) {
			defer wg.Done()
			dialCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
			defer cancel()
			if err := d.host.Connect(dialCtx, info); err != nil {
				d.logger.Warn("Bootstrap connection failed",
					zap.String("peer", info.ID.String()), zap.Error(err))
				return
			}
			d.logger.Info("Connected to bootstrap peer",
				zap.String("peer", info.ID.String()))
		}(info)
	}
	wg.Wait()
}

func (d *Discovery) maintainConnections(ctx context.Context) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.connectBootstrapPeers(ctx)
		case <-ctx.Done():
			return
		}
	}
}
