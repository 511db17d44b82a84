// Package apn assembles a complete node from a Config: identity, peer
// registry, reward ledger, buses, the node runtime and the query service.
package apn

import (
	"fmt"

	"github.com/alpha-protocol/apn-node/src/bus"
	"github.com/alpha-protocol/apn-node/src/bus/tcpbus"
	"github.com/alpha-protocol/apn-node/src/bus/wampbus"
	"github.com/alpha-protocol/apn-node/src/config"
	"github.com/alpha-protocol/apn-node/src/identity"
	"github.com/alpha-protocol/apn-node/src/ledger"
	"github.com/alpha-protocol/apn-node/src/node"
	"github.com/alpha-protocol/apn-node/src/peers"
	"github.com/alpha-protocol/apn-node/src/resources"
	"github.com/alpha-protocol/apn-node/src/rewards"
	"github.com/alpha-protocol/apn-node/src/service"
)

// APN is the top-level engine wrapping all the components of a node.
type APN struct {
	Config   *config.Config
	Identity *identity.Identity
	Registry *peers.Registry
	Ledger   *ledger.Ledger
	Buses    []bus.Bus
	Direct   *tcpbus.Transport
	Node     *node.Node
	Service  *service.Service

	// Settlement may be set before Init to override the HTTP gateway, which
	// tests use to inject a fake.
	Settlement rewards.Settlement

	peerStore peers.Store
}

// NewAPN instantiates an engine from a config. Init must be called before
// Run.
func NewAPN(conf *config.Config) *APN {
	return &APN{
		Config: conf,
	}
}

func (a *APN) initIdentity() error {
	logger := a.Config.Logger()

	if a.Config.Mnemonic != "" {
		id, err := identity.FromMnemonic(a.Config.Mnemonic)
		if err != nil {
			return fmt.Errorf("importing mnemonic: %v", err)
		}
		a.Identity = id
		logger.WithField("node_id", id.NodeID()).Info("Identity imported from mnemonic")
		return nil
	}

	keystore := identity.NewKeystore(a.Config.DataDir)

	id, generated, err := keystore.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("loading identity: %v", err)
	}
	a.Identity = id

	if generated {
		logger.WithField("node_id", id.NodeID()).Info("New identity generated")
		// The recovery phrase is shown exactly once; it is never written to
		// disk.
		fmt.Printf("Recovery phrase (write it down, it will not be shown again):\n\n  %s\n\n", id.Mnemonic())
	} else {
		logger.WithField("node_id", id.NodeID()).Debug("Identity loaded from keyfile")
	}

	return nil
}

func (a *APN) initRegistry() error {
	logger := a.Config.Logger()

	var store peers.Store
	if a.Config.Store {
		badgerStore, err := peers.NewBadgerStore(a.Config.DatabaseDir)
		if err != nil {
			return fmt.Errorf("opening peer database: %v", err)
		}
		store = badgerStore
		logger.WithField("path", a.Config.DatabaseDir).Debug("Peer registry persisted in badger")
	} else {
		store = peers.NewInmemStore()
	}
	a.peerStore = store

	registry, err := peers.NewRegistry(a.Config.HeartbeatInterval, store, logger)
	if err != nil {
		return fmt.Errorf("loading peer registry: %v", err)
	}
	a.Registry = registry

	return nil
}

func (a *APN) initLedger() error {
	l, err := ledger.Open(a.Config.LedgerFile, a.Config.Logger())
	if err != nil {
		return err
	}
	a.Ledger = l
	return nil
}

// initBuses connects the relay client and, unless disabled, starts the
// direct transport and dials the bootstrap peers. A node can run on either
// channel alone, but not on none.
func (a *APN) initBuses() error {
	logger := a.Config.Logger()

	relay, err := wampbus.NewClient(
		a.Config.RelayAddr,
		a.Config.RelayRealm,
		a.Config.TCPTimeout,
		logger,
	)
	if err != nil {
		logger.WithField("relay", a.Config.RelayAddr).WithError(err).
			Warn("Relay unreachable, continuing without it")
	} else {
		a.Buses = append(a.Buses, relay)
	}

	if !a.Config.NoDirect {
		stream, err := tcpbus.NewTCPStreamLayer(a.Config.BindAddr, a.Config.AdvertiseAddr)
		if err != nil {
			return fmt.Errorf("binding direct transport: %v", err)
		}

		a.Direct = tcpbus.NewTransport(stream, a.Identity.Key(), a.Config.TCPTimeout, logger)
		a.Buses = append(a.Buses, a.Direct)

		for _, addr := range a.Config.Bootstrap {
			if err := a.Direct.AddPeer(addr); err != nil {
				logger.WithField("peer", addr).WithError(err).
					Warn("Bootstrap peer unreachable")
			}
		}
	}

	if len(a.Buses) == 0 {
		return fmt.Errorf("no transport available: relay unreachable and direct disabled")
	}

	return nil
}

func (a *APN) initNode() error {
	if a.Settlement == nil {
		a.Settlement = rewards.NewHTTPSettlement(
			a.Config.SettlementURL,
			rewards.DefaultSubmitTimeout,
		)
	}

	logger := a.Config.Logger()
	rates := rewards.DefaultRates()

	tracker := rewards.NewTracker(a.Ledger, rates, 0, logger)
	distributor := rewards.NewDistributor(
		a.Ledger,
		a.Settlement,
		a.Config.MinDistributionAmount(),
		rewards.DefaultSubmitTimeout,
		logger,
	)
	watcher := rewards.NewConfirmationWatcher(a.Ledger, a.Settlement, 0, logger)

	a.Node = node.NewNode(
		a.Config,
		a.Identity,
		a.Registry,
		resources.NewSystemCollector(a.Config.DataDir, logger),
		a.Buses,
		tracker,
		distributor,
		watcher,
	)

	return a.Node.Init()
}

func (a *APN) initService() error {
	if !a.Config.NoService {
		a.Service = service.NewService(a.Config.ServiceAddr, a.Node, a.Ledger, a.Config.Logger())
	}
	return nil
}

// Init initialises all the components in dependency order.
func (a *APN) Init() error {
	if err := a.initIdentity(); err != nil {
		return err
	}

	if err := a.initRegistry(); err != nil {
		return err
	}

	if err := a.initLedger(); err != nil {
		return err
	}

	if err := a.initBuses(); err != nil {
		return err
	}

	if err := a.initNode(); err != nil {
		return err
	}

	if err := a.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service and runs the node. It blocks until Shutdown.
func (a *APN) Run() {
	if a.Service != nil {
		go a.Service.Serve()
	}

	a.Node.Run()
}

// Shutdown stops the node and closes the stores.
func (a *APN) Shutdown() {
	logger := a.Config.Logger()

	if a.Node != nil {
		a.Node.Shutdown()
	}

	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			logger.WithError(err).Warn("Closing ledger")
		}
	}

	if a.peerStore != nil {
		if err := a.peerStore.Close(); err != nil {
			logger.WithError(err).Warn("Closing peer store")
		}
	}
}
