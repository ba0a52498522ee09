// Package node assembles a running chama engine: it opens the store, wires
// every subsystem through the event bus, registers the long-running services
// in a registry and manages their lifecycle, gracefully closing them when
// the process ends.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/chamalabs/chama/auditor"
	"github.com/chamalabs/chama/config/features"
	"github.com/chamalabs/chama/contribution"
	"github.com/chamalabs/chama/cycle"
	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/defaults"
	"github.com/chamalabs/chama/engine"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/lock"
	"github.com/chamalabs/chama/monitoring/prometheus"
	"github.com/chamalabs/chama/notify"
	"github.com/chamalabs/chama/payments"
	"github.com/chamalabs/chama/rotation"
	"github.com/chamalabs/chama/runtime"
	"github.com/chamalabs/chama/runtime/prereqs"
	"github.com/chamalabs/chama/runtime/version"
	"github.com/chamalabs/chama/timer"
)

var log = logrus.WithField("prefix", "node")

// Flag names the node reads from the CLI context.
const (
	DataDirFlagName           = "datadir"
	ForceClearDBFlagName      = "force-clear-db"
	MonitoringHostFlagName    = "monitoring-host"
	MonitoringPortFlagName    = "monitoring-port"
	DisableMonitoringFlagName = "disable-monitoring"
)

// ChamaNode holds the lifecycle of the engine's services. It registers each
// service to a registry and starts them in dependency order.
type ChamaNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.
	db       iface.Database
	bus      *feed.Bus
}

// New creates a new node instance, sets up configuration options, and
// registers every required service.
func New(cliCtx *cli.Context) (*ChamaNode, error) {
	// Warn if user's platform is not supported.
	prereqs.WarnIfPlatformNotSupported(cliCtx.Context)

	features.ConfigureChama(cliCtx)

	registry := runtime.NewServiceRegistry()
	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &ChamaNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: registry,
		stop:     make(chan struct{}),
		bus:      feed.NewBus(),
	}

	if err := node.startDB(cliCtx); err != nil {
		cancel()
		return nil, err
	}

	locks := lock.NewManager(ctx, &lock.Config{Database: node.db})
	if err := registry.RegisterService(locks); err != nil {
		cancel()
		return nil, err
	}

	fsm := contribution.NewFSM(&contribution.Config{
		Database: node.db,
		Locks:    locks,
		Bus:      node.bus,
	})
	rot := rotation.New(&rotation.Config{
		Database: node.db,
		Locks:    locks,
		Bus:      node.bus,
		Settler:  fsm,
	})
	closer := cycle.NewCloser(&cycle.Config{
		Database: node.db,
		Locks:    locks,
		Bus:      node.bus,
	})

	handler := defaults.NewHandler(ctx, &defaults.Config{
		Database: node.db,
		Locks:    locks,
		Bus:      node.bus,
	})
	if err := registry.RegisterService(handler); err != nil {
		cancel()
		return nil, err
	}

	dispatcher := timer.NewDispatcher(ctx, &timer.Config{
		Database: node.db,
		Bus:      node.bus,
		Expirer:  fsm,
	})
	if err := registry.RegisterService(dispatcher); err != nil {
		cancel()
		return nil, err
	}

	aud := auditor.New(ctx, &auditor.Config{Database: node.db, Bus: node.bus})
	if err := registry.RegisterService(aud); err != nil {
		cancel()
		return nil, err
	}

	notifier := notify.NewNotifier(ctx, node.bus, notify.LogSink{})
	if err := registry.RegisterService(notifier); err != nil {
		cancel()
		return nil, err
	}

	eng, err := engine.NewService(ctx, &engine.Config{
		Database: node.db,
		Locks:    locks,
		Bus:      node.bus,
		Rotation: rot,
		FSM:      fsm,
		Defaults: handler,
		Closer:   closer,
		Auditor:  aud,
		Gateway:  payments.NewMemoryGateway(),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	if err := registry.RegisterService(eng); err != nil {
		cancel()
		return nil, err
	}

	if !cliCtx.Bool(DisableMonitoringFlagName) {
		addr := fmt.Sprintf("%s:%d",
			cliCtx.String(MonitoringHostFlagName),
			cliCtx.Int(MonitoringPortFlagName),
		)
		if err := registry.RegisterService(prometheus.NewService(addr, registry)); err != nil {
			cancel()
			return nil, err
		}
	}

	return node, nil
}

func (n *ChamaNode) startDB(cliCtx *cli.Context) error {
	baseDir := cliCtx.String(DataDirFlagName)
	dbPath := filepath.Join(baseDir, "chamadata")
	log.WithField("database-path", dbPath).Info("Checking DB")
	d, err := db.NewDB(n.ctx, dbPath)
	if err != nil {
		return errors.Wrap(err, "could not open database")
	}
	if cliCtx.Bool(ForceClearDBFlagName) {
		log.Warning("Removing database")
		if err := d.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear database")
		}
		d, err = db.NewDB(n.ctx, dbPath)
		if err != nil {
			return errors.Wrap(err, "could not re-open cleared database")
		}
	}
	n.db = d
	return nil
}

// Bus returns the node's event feed for external subscribers.
func (n *ChamaNode) Bus() *feed.Bus {
	return n.bus
}

// Start kicks off every registered service and blocks until the process
// receives an interrupt or Close is called.
func (n *ChamaNode) Start() {
	n.lock.Lock()
	log.WithField("version", version.GetVersion()).Info("Starting chama node")
	n.services.StartAll()
	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the chama node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *ChamaNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping chama node")
	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.WithError(err).Error("Failed to close database")
	}
	n.cancel()
	close(n.stop)
}
