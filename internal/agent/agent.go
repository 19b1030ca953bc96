// Package agent assembles the core and owns its lifecycle. Start order
// follows the data flow: session refresh first (everything needs a token),
// then the three request pipelines, then the dispatcher, modules and command
// processor. Cancelling the root context stops every loop; the dispatcher
// joins its sink workers before Run returns.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vigilsec/vigil-agent/internal/agentinfo"
	"github.com/vigilsec/vigil-agent/internal/centralconfig"
	"github.com/vigilsec/vigil-agent/internal/command"
	"github.com/vigilsec/vigil-agent/internal/comms"
	"github.com/vigilsec/vigil-agent/internal/config"
	"github.com/vigilsec/vigil-agent/internal/eventstore"
	"github.com/vigilsec/vigil-agent/internal/module"
	"github.com/vigilsec/vigil-agent/internal/queue"
	"github.com/vigilsec/vigil-agent/internal/session"
	"github.com/vigilsec/vigil-agent/internal/telemetry"
	"github.com/vigilsec/vigil-agent/internal/transport"
)

// Agent is the assembled core.
type Agent struct {
	cfg    config.Config
	logger *zap.Logger

	info         *agentinfo.AgentInfo
	queue        *queue.MultiQueue
	store        eventstore.Store
	dispatcher   *eventstore.Dispatcher
	client       *transport.Client
	session      *session.Manager
	communicator *comms.Communicator
	modules      *module.Manager
	processor    *command.Processor
	centralCfg   *centralconfig.CentralizedConfig
}

// New builds the agent from the configuration snapshot. The persistent store
// is opened and recovered here so a broken data directory fails startup
// instead of the first dispatch.
func New(cfg config.Config, version string, logger *zap.Logger) (*Agent, error) {
	info, err := agentinfo.New(cfg.DataDir, version, logger)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Create(context.Background()); err != nil {
		store.Close()
		return nil, err
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger.Named("agent"),
		info:   info,
		queue:  queue.NewMultiQueue(),
		store:  store,
		client: transport.NewClient(logger),
	}

	a.session = session.NewManager(a.client, session.Credentials{
		Host:      cfg.ManagerIP,
		Port:      cfg.Port,
		UserAgent: info.UserAgent(),
		UUID:      info.UUID(),
		Key:       info.Key(),
		UseTLS:    cfg.UseTLS,
	}, logger)

	a.communicator = comms.New(
		a.client, a.queue, a.session, cfg, info.UserAgent(), info.Metadata, logger)

	a.dispatcher = eventstore.NewDispatcher(
		store, a.sinkBatch, eventstore.DispatcherOptions{}, logger)

	a.modules = module.NewManager(a.queue.Push, logger)

	a.centralCfg = centralconfig.New(
		info, a.communicator.GetGroupConfigurationFromManager, cfg.DataDir, logger)

	a.processor = command.NewProcessor(a.queue, a.dispatchCommand, logger)

	return a, nil
}

func openStore(cfg config.Config, logger *zap.Logger) (eventstore.Store, error) {
	switch cfg.EventStoreBackend {
	case "bolt":
		return eventstore.NewBoltStore(filepath.Join(cfg.DataDir, "events.db"), logger)
	default:
		return eventstore.NewSQLiteStore(filepath.Join(cfg.DataDir, "events.sqlite"), logger)
	}
}

// RegisterModule adds a module before Run.
func (a *Agent) RegisterModule(mod module.Module) error {
	return a.modules.Register(mod)
}

// EnqueueEvent durably records an event for eventual delivery. Safe to call
// from any goroutine.
func (a *Agent) EnqueueEvent(ctx context.Context, id uint64, payload, eventType string) error {
	return a.store.Insert(ctx, id, payload, eventType)
}

// Run starts every loop and blocks until ctx is cancelled or a fatal error
// escapes the dispatcher. The persistent store is closed on the way out.
func (a *Agent) Run(ctx context.Context) error {
	defer a.store.Close()

	if err := a.modules.Setup(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.session.WaitAndReauthenticate(ctx) })
	g.Go(func() error { return a.communicator.CommandPollLoop(ctx) })
	g.Go(func() error { return a.communicator.StatefulLoop(ctx) })
	g.Go(func() error { return a.communicator.StatelessLoop(ctx) })
	g.Go(func() error { return a.dispatcher.Run(ctx) })
	g.Go(func() error { return a.modules.Start(ctx) })
	g.Go(func() error { return a.processor.Run(ctx) })

	if a.cfg.MetricsListen != "" {
		g.Go(func() error { return telemetry.Serve(ctx, a.cfg.MetricsListen, a.logger) })
	}

	a.logger.Info("agent started",
		zap.String("manager", a.cfg.ManagerIP),
		zap.String("port", a.cfg.Port),
		zap.String("store", a.cfg.EventStoreBackend),
	)

	err := g.Wait()
	a.logger.Info("agent stopped")
	return err
}

// sinkBatch delivers one dispatcher batch to the manager's /events endpoint.
// A non-200 (including the synthetic 500 on transport failure) sends the
// batch back to pending.
func (a *Agent) sinkBatch(payload string) bool {
	resp := a.client.Do(context.Background(), transport.RequestParams{
		Method:    http.MethodPost,
		Host:      a.cfg.ManagerIP,
		Port:      a.cfg.Port,
		Endpoint:  "/events",
		UserAgent: a.info.UserAgent(),
		Token:     a.session.Token().Get(),
		Body:      payload,
		UseTLS:    a.cfg.UseTLS,
	})

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		a.session.TryReAuthenticate()
	}
	return resp.StatusCode == http.StatusOK
}

// dispatchCommand routes one command to its module. Centralized configuration
// is handled by the core itself; everything else goes through the module
// manager.
func (a *Agent) dispatchCommand(ctx context.Context, moduleName, cmd string, parameters []string) command.Result {
	if moduleName == centralconfig.ModuleName {
		return a.centralCfg.ExecuteCommand(ctx, cmd, parameters)
	}

	mod := a.modules.Get(moduleName)
	if mod == nil {
		return command.Result{
			Code:    command.CodeNotFound,
			Message: fmt.Sprintf("module %q is not registered", moduleName),
		}
	}

	out, err := mod.ExecuteCommand(ctx, cmd, parameters)
	if err != nil {
		return command.Result{Code: command.CodeFailure, Message: err.Error()}
	}
	return command.Result{Code: command.CodeSuccess, Message: out}
}
