// Package module defines the capability set every agent module implements
// and the manager that owns their lifecycle. The core treats a module purely
// as a source and sink of messages: modules push telemetry into the message
// queue through the injected push function and receive manager commands via
// ExecuteCommand.
package module

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vigilsec/vigil-agent/internal/queue"
)

// PushFunc delivers a message produced by a module into the message queue.
// It returns the number of messages accepted.
type PushFunc func(queue.Message) int

// Module is the capability set the core requires from every module.
type Module interface {
	// Name identifies the module in command routing.
	Name() string
	// Setup prepares the module. Called once before Start.
	Setup() error
	// Start runs the module until ctx is cancelled.
	Start(ctx context.Context) error
	// Stop releases module resources after Start returned.
	Stop()
	// ExecuteCommand handles one manager command addressed to this module.
	ExecuteCommand(ctx context.Context, cmd string, parameters []string) (string, error)
	// SetPushFunc injects the function the module uses to emit messages.
	SetPushFunc(push PushFunc)
}

// Manager registers modules and drives their lifecycle.
type Manager struct {
	logger *zap.Logger
	push   PushFunc

	mu      sync.Mutex
	modules map[string]Module
	order   []string
}

// NewManager returns an empty module manager. push is handed to every
// registered module.
func NewManager(push PushFunc, logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger.Named("modules"),
		push:    push,
		modules: make(map[string]Module),
	}
}

// Register adds a module. Registering two modules with the same name is a
// programming error and fails.
func (m *Manager) Register(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := mod.Name()
	if _, exists := m.modules[name]; exists {
		return fmt.Errorf("module: %q already registered", name)
	}
	mod.SetPushFunc(m.push)
	m.modules[name] = mod
	m.order = append(m.order, name)
	return nil
}

// Get returns the module with the given name, or nil.
func (m *Manager) Get(name string) Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modules[name]
}

// Setup prepares all registered modules in registration order.
func (m *Manager) Setup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.order {
		if err := m.modules[name].Setup(); err != nil {
			return fmt.Errorf("module: setup %q: %w", name, err)
		}
		m.logger.Info("module ready", zap.String("module", name))
	}
	return nil
}

// Start runs every module until ctx is cancelled, then stops them in
// registration order. The first module error cancels the rest.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	mods := make([]Module, 0, len(m.order))
	for _, name := range m.order {
		mods = append(mods, m.modules[name])
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, mod := range mods {
		g.Go(func() error {
			if err := mod.Start(ctx); err != nil {
				return fmt.Errorf("module: %q: %w", mod.Name(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	for _, mod := range mods {
		mod.Stop()
	}
	m.logger.Info("all modules stopped")
	return err
}
