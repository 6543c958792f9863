// Package circuit implements a per-provider sliding-window circuit
// breaker: closed calls pass, a high enough failure rate over enough
// volume opens the circuit, and a single half-open trial decides
// whether to close again or reopen.
package circuit

import (
	"sync"
	"time"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/log"
)

// Outcome is a single call result recorded into a provider's window.
type Outcome bool

const (
	Success Outcome = true
	Failure Outcome = false
)

// Config tunes one provider's breaker.
type Config struct {
	FailureRateThreshold float64
	MinVolume            int
	Cooldown             time.Duration
	MaxSamples           int
}

type window struct {
	samples   []Outcome
	state     domain.CircuitState
	openedAt  time.Time
	halfOpenTrialInFlight bool
}

// Breaker tracks a circuit per provider key.
type Breaker struct {
	mu        sync.Mutex
	providers map[string]*window
	configs   map[string]Config
	defaultCfg Config
	clk       clock.Clock
	logger    *log.Logger
}

// New returns a Breaker. defaultCfg applies to any provider key not
// given an override via WithProviderConfig.
func New(defaultCfg Config, clk clock.Clock, logger *log.Logger) *Breaker {
	return &Breaker{
		providers:  make(map[string]*window),
		configs:    make(map[string]Config),
		defaultCfg: defaultCfg,
		clk:        clk,
		logger:     logger,
	}
}

// WithProviderConfig overrides the breaker tuning for a single provider key.
func (b *Breaker) WithProviderConfig(providerKey string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[providerKey] = cfg
}

func (b *Breaker) configFor(providerKey string) Config {
	if cfg, ok := b.configs[providerKey]; ok {
		return cfg
	}
	return b.defaultCfg
}

func (b *Breaker) windowFor(providerKey string) *window {
	w, ok := b.providers[providerKey]
	if !ok {
		w = &window{state: domain.CircuitClosed}
		b.providers[providerKey] = w
	}
	return w
}

// Gate reports whether a worker may lease a job for providerKey right
// now. It also performs the open -> half-open transition when the
// cooldown has elapsed, since that transition only needs to be observed
// lazily at gate time.
func (b *Breaker) Gate(providerKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.windowFor(providerKey)
	cfg := b.configFor(providerKey)
	now := b.clk.Now()

	switch w.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		if now.Sub(w.openedAt) >= cfg.Cooldown {
			w.state = domain.CircuitHalfOpen
			w.halfOpenTrialInFlight = false
			b.logger.Info().Str("provider", providerKey).Msg("circuit: cooldown elapsed, half-open")
		} else {
			return false
		}
	}

	// half-open: allow exactly one trial in flight.
	if w.halfOpenTrialInFlight {
		return false
	}
	w.halfOpenTrialInFlight = true
	return true
}

// Record reports a call's outcome for providerKey, advancing the window
// and possibly tripping or resetting the circuit.
func (b *Breaker) Record(providerKey string, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.windowFor(providerKey)
	cfg := b.configFor(providerKey)

	if w.state == domain.CircuitHalfOpen {
		w.halfOpenTrialInFlight = false
		if outcome == Success {
			w.state = domain.CircuitClosed
			w.samples = nil
			b.logger.Info().Str("provider", providerKey).Msg("circuit: trial succeeded, closing")
		} else {
			w.state = domain.CircuitOpen
			w.openedAt = b.clk.Now()
			b.logger.Info().Str("provider", providerKey).Msg("circuit: trial failed, reopening")
		}
		return
	}

	w.samples = append(w.samples, outcome)
	if len(w.samples) > cfg.MaxSamples {
		w.samples = w.samples[len(w.samples)-cfg.MaxSamples:]
	}

	if w.state == domain.CircuitClosed && len(w.samples) >= cfg.MinVolume {
		failures := 0
		for _, s := range w.samples {
			if s == Failure {
				failures++
			}
		}
		rate := float64(failures) / float64(len(w.samples))
		if rate >= cfg.FailureRateThreshold {
			w.state = domain.CircuitOpen
			w.openedAt = b.clk.Now()
			b.logger.Error().Str("provider", providerKey).
				Int("failures", failures).Int("samples", len(w.samples)).
				Msg("circuit: failure rate threshold exceeded, opening")
		}
	}
}

// Status reports providerKey's current state for observability.
func (b *Breaker) Status(providerKey string) domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.windowFor(providerKey).state
}
