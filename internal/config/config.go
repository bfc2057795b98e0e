// Package config loads the orchestrator's hierarchical configuration
// (global -> per-principal -> per-workflow) and supports hot reload,
// following the layered viper.New() pattern used for multi-tenant config
// in the pack's service-oriented repos (evalgo-org-eve, kadirpekel-hector).
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/neuroconv/orchestrator/internal/format"
)

// AgentTimeouts holds per-role timeout overrides keyed by role tag.
type AgentTimeouts struct {
	Default time.Duration
	ByRole  map[string]time.Duration
}

// RetryConfig configures the Agent Dispatcher's backoff (spec.md §6.7).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64
	Cap         time.Duration
}

// CircuitConfig configures the Agent Dispatcher's circuit breaker.
type CircuitConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// EventsConfig configures the Event Bus's retention and per-subscriber buffer.
type EventsConfig struct {
	RetentionSize int
	RetentionTime time.Duration
	BufferSize    int
}

// ValidationWeights holds per-severity scoring weights (spec.md §4.4).
type ValidationWeights struct {
	Critical float64
	Error    float64
	Warning  float64
	Info     float64
}

// Config is the fully resolved configuration surface described in spec.md §6.7.
type Config struct {
	AgentTimeout             AgentTimeouts
	AgentRetry               RetryConfig
	AgentCircuit             CircuitConfig
	SessionExpireAfter       time.Duration
	SessionSuspendInputTimeout time.Duration
	EngineMaxConcurrentSessions int
	EngineMaxConcurrentPerRole  map[string]int
	Events                   EventsConfig
	ProvenanceDegradedAfter  int
	ValidationWeights        ValidationWeights
	FormatAmbiguityThreshold float64
	FormatCatalog            format.Catalog
}

// Default returns the configuration used when no overrides are supplied,
// matching the defaults documented inline in graph.Options (30s node
// timeout, 10m wall clock budget, etc.) generalized to this domain.
func Default() Config {
	return Config{
		AgentTimeout: AgentTimeouts{
			Default: 30 * time.Second,
			ByRole:  map[string]time.Duration{},
		},
		AgentRetry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			Jitter:      0.2,
			Cap:         30 * time.Second,
		},
		AgentCircuit: CircuitConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		SessionExpireAfter:         24 * time.Hour,
		SessionSuspendInputTimeout: 15 * time.Minute,
		EngineMaxConcurrentSessions: 64,
		EngineMaxConcurrentPerRole: map[string]int{
			"analysis":           16,
			"metadata_collector": 16,
			"conversion":         8,
			"validation":         8,
		},
		Events: EventsConfig{
			RetentionSize: 10_000,
			RetentionTime: 72 * time.Hour,
			BufferSize:    256,
		},
		ProvenanceDegradedAfter: 5,
		ValidationWeights: ValidationWeights{
			Critical: 25,
			Error:    10,
			Warning:  2,
			Info:     0,
		},
		FormatAmbiguityThreshold: 0.05,
		FormatCatalog: format.Catalog{
			"SpikeGLX":  "SpikeGLXRecordingInterface",
			"OpenEphys": "OpenEphysRecordingInterface",
			"Intan":     "IntanRecordingInterface",
			"NWB":       "NWBRecordingInterface",
		},
	}
}

// Loader loads layered configuration from YAML files and supports
// hot-reload via fsnotify, emitting a ConfigChanged signal through
// OnChange callbacks. Storage port bindings are intentionally excluded
// from hot-reload (spec.md §6.7).
type Loader struct {
	mu        sync.RWMutex
	global    *viper.Viper
	principal map[string]*viper.Viper
	workflow  map[string]*viper.Viper
	current   Config
	watchers  []*fsnotify.Watcher
	onChange  []func(Config)
}

// NewLoader constructs a Loader seeded with Default() and, if globalPath
// is non-empty, merges a global YAML file on top of it.
func NewLoader(globalPath string) (*Loader, error) {
	l := &Loader{
		global:    viper.New(),
		principal: map[string]*viper.Viper{},
		workflow:  map[string]*viper.Viper{},
		current:   Default(),
	}
	l.global.SetConfigType("yaml")
	if globalPath != "" {
		l.global.SetConfigFile(globalPath)
		if err := l.global.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading global config: %w", err)
		}
		if err := l.applyLayer(l.global); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Current returns the currently resolved configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful reload.
// Used to emit a ConfigChanged event onto the Event Bus.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// ForPrincipal resolves configuration with a principal-layer override
// merged on top of the global layer.
func (l *Loader) ForPrincipal(principalID, path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: reading principal config %s: %w", principalID, err)
	}
	l.mu.Lock()
	l.principal[principalID] = v
	l.mu.Unlock()
	return l.resolve(v, nil), nil
}

// ForWorkflow resolves configuration with a workflow-layer override merged
// on top of global + principal layers.
func (l *Loader) ForWorkflow(principalID, workflowID, path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: reading workflow config %s: %w", workflowID, err)
	}
	l.mu.Lock()
	l.workflow[workflowID] = v
	principal := l.principal[principalID]
	l.mu.Unlock()
	return l.resolve(principal, v), nil
}

// Watch starts hot-reloading the global config file on change. Call Close
// to release the fsnotify watcher.
func (l *Loader) Watch() error {
	if l.global.ConfigFileUsed() == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: starting watcher: %w", err)
	}
	if err := watcher.Add(l.global.ConfigFileUsed()); err != nil {
		return fmt.Errorf("config: watching %s: %w", l.global.ConfigFileUsed(), err)
	}
	l.mu.Lock()
	l.watchers = append(l.watchers, watcher)
	l.mu.Unlock()

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.global.ReadInConfig(); err != nil {
				continue
			}
			if err := l.applyLayer(l.global); err != nil {
				continue
			}
			l.mu.RLock()
			cfg := l.current
			callbacks := append([]func(Config){}, l.onChange...)
			l.mu.RUnlock()
			for _, cb := range callbacks {
				cb(cfg)
			}
		}
	}()
	return nil
}

// Close releases any fsnotify watchers started by Watch.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, w := range l.watchers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.watchers = nil
	return firstErr
}

func (l *Loader) applyLayer(v *viper.Viper) error {
	cfg := Default()
	if err := decodeInto(v, &cfg); err != nil {
		return err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return nil
}

func (l *Loader) resolve(principal, workflow *viper.Viper) Config {
	cfg := l.Current()
	if principal != nil {
		_ = decodeInto(principal, &cfg)
	}
	if workflow != nil {
		_ = decodeInto(workflow, &cfg)
	}
	return cfg
}

// decodeInto merges recognized keys from spec.md §6.7 into cfg, leaving
// unrecognized keys ignored (forward compatible).
func decodeInto(v *viper.Viper, cfg *Config) error {
	if v.IsSet("agent.timeout.default") {
		cfg.AgentTimeout.Default = v.GetDuration("agent.timeout.default")
	}
	if roles, ok := v.Get("agent.timeout").(map[string]any); ok {
		for role, val := range roles {
			if role == "default" {
				continue
			}
			if s, ok := val.(string); ok {
				if d, err := time.ParseDuration(s); err == nil {
					if cfg.AgentTimeout.ByRole == nil {
						cfg.AgentTimeout.ByRole = map[string]time.Duration{}
					}
					cfg.AgentTimeout.ByRole[role] = d
				}
			}
		}
	}
	if v.IsSet("agent.retry.maxAttempts") {
		cfg.AgentRetry.MaxAttempts = v.GetInt("agent.retry.maxAttempts")
	}
	if v.IsSet("agent.retry.baseDelay") {
		cfg.AgentRetry.BaseDelay = v.GetDuration("agent.retry.baseDelay")
	}
	if v.IsSet("agent.retry.jitter") {
		cfg.AgentRetry.Jitter = v.GetFloat64("agent.retry.jitter")
	}
	if v.IsSet("agent.retry.cap") {
		cfg.AgentRetry.Cap = v.GetDuration("agent.retry.cap")
	}
	if v.IsSet("agent.circuit.failureThreshold") {
		cfg.AgentCircuit.FailureThreshold = v.GetInt("agent.circuit.failureThreshold")
	}
	if v.IsSet("agent.circuit.cooldown") {
		cfg.AgentCircuit.Cooldown = v.GetDuration("agent.circuit.cooldown")
	}
	if v.IsSet("session.expire.after") {
		cfg.SessionExpireAfter = v.GetDuration("session.expire.after")
	}
	if v.IsSet("session.suspend.inputTimeout") {
		cfg.SessionSuspendInputTimeout = v.GetDuration("session.suspend.inputTimeout")
	}
	if v.IsSet("engine.maxConcurrentSessions") {
		cfg.EngineMaxConcurrentSessions = v.GetInt("engine.maxConcurrentSessions")
	}
	if roles, ok := v.Get("engine.maxConcurrentPerRole").(map[string]any); ok {
		for role, val := range roles {
			if n, ok := val.(int); ok {
				if cfg.EngineMaxConcurrentPerRole == nil {
					cfg.EngineMaxConcurrentPerRole = map[string]int{}
				}
				cfg.EngineMaxConcurrentPerRole[role] = n
			}
		}
	}
	if v.IsSet("events.retention.size") {
		cfg.Events.RetentionSize = v.GetInt("events.retention.size")
	}
	if v.IsSet("events.retention.time") {
		cfg.Events.RetentionTime = v.GetDuration("events.retention.time")
	}
	if v.IsSet("events.subscriber.bufferSize") {
		cfg.Events.BufferSize = v.GetInt("events.subscriber.bufferSize")
	}
	if v.IsSet("provenance.degradedAfterFailures") {
		cfg.ProvenanceDegradedAfter = v.GetInt("provenance.degradedAfterFailures")
	}
	if v.IsSet("validation.weight.critical") {
		cfg.ValidationWeights.Critical = v.GetFloat64("validation.weight.critical")
	}
	if v.IsSet("validation.weight.error") {
		cfg.ValidationWeights.Error = v.GetFloat64("validation.weight.error")
	}
	if v.IsSet("validation.weight.warning") {
		cfg.ValidationWeights.Warning = v.GetFloat64("validation.weight.warning")
	}
	if v.IsSet("validation.weight.info") {
		cfg.ValidationWeights.Info = v.GetFloat64("validation.weight.info")
	}
	if v.IsSet("formatDetection.ambiguityThreshold") {
		cfg.FormatAmbiguityThreshold = v.GetFloat64("formatDetection.ambiguityThreshold")
	}
	if catalog, ok := v.Get("formatDetection.catalog").(map[string]any); ok {
		resolved := make(format.Catalog, len(catalog))
		for tag, iface := range catalog {
			if s, ok := iface.(string); ok {
				// viper lowercases map keys; restore the casing of a tag
				// already in the catalog.
				for known := range cfg.FormatCatalog {
					if strings.EqualFold(known, tag) {
						tag = known
						break
					}
				}
				resolved[tag] = s
			}
		}
		cfg.FormatCatalog = resolved
	}
	return nil
}
