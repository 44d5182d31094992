package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State string

const (
	StateHealthy   State = "healthy"
	StateWarning   State = "warning"
	StateUnhealthy State = "unhealthy"
	StateUnknown   State = "unknown"
)

// Component is the result of one probe.
type Component struct {
	Name        string                 `json:"name"`
	Status      State                  `json:"status"`
	Message     string                 `json:"message"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Status is the aggregate of the last probe run.
type Status struct {
	Overall     State                `json:"overall"`
	Version     string               `json:"version"`
	Uptime      time.Duration        `json:"uptime"`
	Components  map[string]Component `json:"components"`
	LastChecked time.Time            `json:"last_checked"`
	CheckCount  int64                `json:"check_count"`
}

// Unhealthy returns the names of the failing components, sorted.
func (s *Status) Unhealthy() []string {
	var names []string
	for name, c := range s.Components {
		if c.Status == StateUnhealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Check probes one dependency.
type Check interface {
	Name() string
	Check(ctx context.Context) Component
}

// Checker runs the registered checks concurrently and keeps the last result.
type Checker struct {
	version string
	timeout time.Duration
	logger  *logrus.Logger
	started time.Time

	mu     sync.RWMutex
	checks map[string]Check
	status *Status

	stop chan struct{}
	once sync.Once
}

// NewChecker creates a checker. Each probe run is bounded by timeout.
func NewChecker(version string, timeout time.Duration, logger *logrus.Logger) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		version: version,
		timeout: timeout,
		logger:  logger,
		started: time.Now(),
		checks:  make(map[string]Check),
		status: &Status{
			Overall:    StateUnknown,
			Version:    version,
			Components: make(map[string]Component),
		},
		stop: make(chan struct{}),
	}
}

// Register adds a check, replacing any check with the same name.
func (h *Checker) Register(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[check.Name()] = check
}

// Run executes every check and stores the aggregate.
func (h *Checker) Run(ctx context.Context) *Status {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]Check, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	results := make(chan Component, len(checks))
	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			results <- c.Check(ctx)
		}(c)
	}
	wg.Wait()
	close(results)

	components := make(map[string]Component, len(checks))
	overall := StateHealthy
	for r := range results {
		components[r.Name] = r
		switch r.Status {
		case StateUnhealthy:
			overall = StateUnhealthy
		case StateWarning:
			if overall == StateHealthy {
				overall = StateWarning
			}
		}
	}

	h.mu.Lock()
	status := &Status{
		Overall:     overall,
		Version:     h.version,
		Uptime:      time.Since(h.started),
		Components:  components,
		LastChecked: time.Now().UTC(),
		CheckCount:  h.status.CheckCount + 1,
	}
	h.status = status
	h.mu.Unlock()

	if overall != StateHealthy {
		h.logger.WithFields(logrus.Fields{
			"overall_status":       overall,
			"unhealthy_components": status.Unhealthy(),
		}).Warn("Health check completed with issues")
	} else {
		h.logger.Debug("Health check completed successfully")
	}
	return status.copy()
}

// Status returns a copy of the last result.
func (h *Checker) Status() *Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.copy()
}

func (s *Status) copy() *Status {
	c := *s
	c.Components = make(map[string]Component, len(s.Components))
	for k, v := range s.Components {
		c.Components[k] = v
	}
	return &c
}

// Start runs the checks immediately and then every interval until Stop.
func (h *Checker) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	h.Run(context.Background())

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Run(context.Background())
			case <-h.stop:
				return
			}
		}
	}()
	h.logger.WithField("interval", interval).Info("Health checker started")
}

// Stop ends the background loop. It is safe to call more than once.
func (h *Checker) Stop() {
	h.once.Do(func() { close(h.stop) })
}
