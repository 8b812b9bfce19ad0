package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultShutdownTimeout bounds each context-aware shutdown hook.
const DefaultShutdownTimeout = 10 * time.Second

// Manager closes the resources an App opened, newest first.
type Manager struct {
	mu        sync.Mutex
	log       zerolog.Logger
	resources []resource
	closed    bool
}

type resource struct {
	name  string
	close func(ctx context.Context) error
}

// NewManager creates an empty manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// Register adds an io.Closer.
func (m *Manager) Register(name string, closer io.Closer) {
	m.RegisterShutdown(name, func(context.Context) error { return closer.Close() })
}

// RegisterFunc adds a plain cleanup function.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.RegisterShutdown(name, func(context.Context) error { return fn() })
}

// RegisterShutdown adds a hook that receives a deadline-bound context, such as
// a tracer provider's Shutdown.
func (m *Manager) RegisterShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, close: fn})
}

// Close runs every hook in reverse registration order, even after failures,
// and returns the joined errors. Subsequent calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		err := res.close(ctx)
		cancel()
		if err != nil {
			m.log.Error().Err(err).Str("resource", res.name).Msg("lifecycle.close_resource_failed")
			errs = append(errs, err)
			continue
		}
		m.log.Debug().Str("resource", res.name).Msg("lifecycle.resource_closed")
	}
	return errors.Join(errs...)
}
