// Package system provides lifecycle management for long-running background
// components.
package system

import (
	"context"
	"fmt"

	"github.com/civic-chain/engagement/pkg/logger"
)

// Service is a long-running component with explicit start and stop phases.
type Service interface {
	// Name identifies the service in logs.
	Name() string

	// Start begins the service's background work. It must not block.
	Start(ctx context.Context) error

	// Stop halts the service and waits for its background work to finish.
	Stop(ctx context.Context) error
}

// Manager starts and stops a set of services in registration order.
type Manager struct {
	services []Service
	names    map[string]struct{}
	log      *logger.Logger
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{names: make(map[string]struct{}), log: logger.NewDefault("system")}
}

// Register adds a service. Services start in registration order and stop in
// reverse order. Names must be unique.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("system: cannot register nil service")
	}
	name := svc.Name()
	if _, exists := m.names[name]; exists {
		return fmt.Errorf("system: service %s already registered", name)
	}
	m.names[name] = struct{}{}
	m.services = append(m.services, svc)
	return nil
}

// Start starts all registered services. If any service fails to start, the
// already-started services are stopped and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	for i, svc := range m.services {
		m.log.Infof("starting service %s", svc.Name())
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := m.services[j].Stop(ctx); stopErr != nil {
					m.log.WithError(stopErr).Errorf("failed to stop service %s", m.services[j].Name())
				}
			}
			return fmt.Errorf("start service %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop stops all registered services in reverse registration order. All
// services are stopped even if some fail; the first error is returned.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.services) - 1; i >= 0; i-- {
		svc := m.services[i]
		m.log.Infof("stopping service %s", svc.Name())
		if err := svc.Stop(ctx); err != nil {
			m.log.WithError(err).Errorf("failed to stop service %s", svc.Name())
			if firstErr == nil {
				firstErr = fmt.Errorf("stop service %s: %w", svc.Name(), err)
			}
		}
	}
	return firstErr
}
