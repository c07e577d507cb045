package mockserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mjelen/payrun/pkg/poll"
	"github.com/mjelen/payrun/pkg/process"
)

var (
	// ErrNoMock means a connector under test has no mock implementation
	// mapped to it. Detected at startup, before any process is spawned.
	ErrNoMock = errors.New("no mock available for connector")

	// ErrStartupFailed means a mock process was spawned but never became
	// reachable within the readiness budget.
	ErrStartupFailed = errors.New("mock server startup failed")
)

// Mapping ties a connector id to its mock implementation and fixed port.
type Mapping struct {
	MockName string
	Port     int
	ThreeDS  bool
}

// DefaultMappings is the built-in connector table. Ports are fixed so
// workflow configs can name them statically.
var DefaultMappings = map[string]Mapping{
	"stripe":      {MockName: "Stripe", Port: 8101, ThreeDS: true},
	"adyen":       {MockName: "Adyen", Port: 8102, ThreeDS: true},
	"checkout":    {MockName: "Checkout", Port: 8103, ThreeDS: true},
	"worldpay":    {MockName: "Worldpay", Port: 8104},
	"globalpay":   {MockName: "Globalpay", Port: 8105},
	"authorizedotnet": {MockName: "Authorizedotnet", Port: 8106},
}

// Manager spawns and supervises mock connector processes. One manager per
// run; Start is called once per connector before its workflows begin.
type Manager struct {
	command  string // connector-mock binary
	mappings map[string]Mapping
	poller   *poll.Poller
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*process.Handle
}

func NewManager(command string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		command:  command,
		mappings: DefaultMappings,
		poller:   poll.New(200*time.Millisecond, 50),
		logger:   logger,
		handles:  make(map[string]*process.Handle),
	}
}

// Lookup resolves a connector id to its mapping.
func (m *Manager) Lookup(connector string) (Mapping, error) {
	mp, ok := m.mappings[connector]
	if !ok {
		return Mapping{}, fmt.Errorf("%w: %s", ErrNoMock, connector)
	}
	return mp, nil
}

// Validate checks every requested connector against the mapping table.
// Runs before anything is spawned so a typo fails the whole run up front.
func (m *Manager) Validate(connectors []string) error {
	var missing []string
	for _, c := range connectors {
		if _, ok := m.mappings[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %v", ErrNoMock, missing)
	}
	return nil
}

// BaseURL returns the local URL workflows dispatch against for a connector.
func (m *Manager) BaseURL(connector string) (string, error) {
	mp, err := m.Lookup(connector)
	if err != nil {
		return "", err
	}
	return "http://127.0.0.1:" + strconv.Itoa(mp.Port), nil
}

// Start spawns the mock process for connector and blocks until its port
// accepts connections. A readiness timeout kills the process and returns
// ErrStartupFailed; the caller aborts that connector's run.
func (m *Manager) Start(ctx context.Context, connector string) error {
	mp, err := m.Lookup(connector)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, running := m.handles[connector]; running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	h, err := process.Start(
		"mock:"+connector,
		m.command,
		[]string{"--connector", connector, "--port", strconv.Itoa(mp.Port)},
		nil,
		m.logger,
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStartupFailed, connector, err)
	}

	addr := "127.0.0.1:" + strconv.Itoa(mp.Port)
	if err := m.poller.WaitForReady(ctx, poll.TCPProber{Addr: addr}); err != nil {
		_ = h.Stop()
		return fmt.Errorf("%w: %s on %s: %v", ErrStartupFailed, connector, addr, err)
	}

	m.mu.Lock()
	m.handles[connector] = h
	m.mu.Unlock()
	m.logger.Info("mock server ready",
		slog.String("connector", connector),
		slog.String("mock", mp.MockName),
		slog.Int("port", mp.Port))
	return nil
}

// Stop terminates the mock for connector. Safe to call for connectors that
// never started or already exited.
func (m *Manager) Stop(connector string) error {
	m.mu.Lock()
	h, ok := m.handles[connector]
	delete(m.handles, connector)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Stop()
}

// StopAll tears down every running mock. Used from the runner's deferred
// cleanup path.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*process.Handle)
	m.mu.Unlock()
	for c, h := range handles {
		if err := h.Stop(); err != nil {
			m.logger.Warn("mock server stop failed",
				slog.String("connector", c), slog.String("error", err.Error()))
		}
	}
}
