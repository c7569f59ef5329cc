package rollout

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/headline-goat/autowinner/internal/conclusion"
)

// Manager keeps at most one live controller per test.
type Manager struct {
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager creates a manager. Controller loops run until Close.
func NewManager(cfg Config, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		deps:        deps.withDefaults(),
		ctx:         ctx,
		cancel:      cancel,
		controllers: make(map[string]*Controller),
	}
}

// StartImplementation creates and starts a controller for the conclusion.
// A test whose previous controller is terminal may be implemented again.
func (m *Manager) StartImplementation(ctx context.Context, c *conclusion.TestConclusion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctl, err := NewController(c, m.cfg, m.deps)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.controllers[c.TestID]; ok {
		st := existing.Status()
		if st.State != Completed.String() && st.State != RolledBack.String() {
			m.mu.Unlock()
			return &AlreadyImplementingError{TestID: c.TestID, State: st.State}
		}
	}
	m.controllers[c.TestID] = ctl
	m.mu.Unlock()

	if err := ctl.Start(m.ctx); err != nil {
		m.mu.Lock()
		if m.controllers[c.TestID] == ctl {
			delete(m.controllers, c.TestID)
		}
		m.mu.Unlock()
		return err
	}

	m.deps.Logger.Info("implementation started",
		zap.String("test_id", c.TestID),
		zap.String("winner", c.SelectedWinner.Variant.VariantID),
		zap.String("strategy", string(c.ImplementationPlan.Strategy)),
	)
	return nil
}

// Get returns the controller for a test.
func (m *Manager) Get(testID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[testID]
	return c, ok
}

// Active reports whether a test has a controller that has not yet
// completed or rolled back.
func (m *Manager) Active(testID string) bool {
	c, ok := m.Get(testID)
	if !ok {
		return false
	}
	st := c.Status().State
	return st != Completed.String() && st != RolledBack.String()
}

// Statuses returns every controller's status ordered by test ID.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	ctls := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		ctls = append(ctls, c)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(ctls))
	for _, c := range ctls {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestID < out[j].TestID })
	return out
}

// Close stops every controller loop and waits for them.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	ctls := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		ctls = append(ctls, c)
	}
	m.mu.Unlock()

	for _, c := range ctls {
		c.Stop()
	}
}
