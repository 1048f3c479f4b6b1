package state

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry owns a set of state names and the debug view over every broker
// mounted from them.
type Registry struct {
	mu      sync.RWMutex
	names   map[string]*Factory
	brokers []*Broker
	logger  *slog.Logger
	config  Config
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for registry diagnostics
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryConfig sets the registry config
func WithRegistryConfig(cfg Config) RegistryOption {
	return func(r *Registry) {
		r.config = cfg
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		names:  make(map[string]*Factory),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = r.config.logger()
	}
	return r
}

// CreateState declares a named state. Reusing a name logs a warning, or
// fails with DuplicateStateNameError when StrictNames is set.
func (r *Registry) CreateState(name string, tmpl Template, getActions ActionsFactory, opts ...FactoryOption) (*Factory, error) {
	if name == "" {
		return nil, fmt.Errorf("state name must not be empty")
	}
	if tmpl == nil {
		return nil, fmt.Errorf("state %s: template must not be nil", name)
	}

	f := &Factory{
		name:       name,
		template:   tmpl,
		getActions: getActions,
		registry:   r,
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, imp := range f.imports {
		if imp == nil {
			return nil, fmt.Errorf("state %s: nil import", name)
		}
		if imp.name == name {
			return nil, fmt.Errorf("state %s: a state cannot import its own name", name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[name]; exists {
		if r.config.StrictNames {
			return nil, &DuplicateStateNameError{Name: name}
		}
		r.logger.Warn("state names must be unique", "name", name)
	}
	r.names[name] = f

	r.logger.Debug("created state", "name", name)
	return f, nil
}

// Names returns the declared state names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.names)
}

func (r *Registry) track(b *Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers = append(r.brokers, b)
}

func (r *Registry) untrack(b *Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.brokers {
		if cur == b {
			r.brokers = append(r.brokers[:i:i], r.brokers[i+1:]...)
			return
		}
	}
}

// NamedState pairs a state name with a snapshot of one of its brokers.
type NamedState struct {
	Name  string
	State State
}

// GetAllStates snapshots every mounted broker in mount order.
func (r *Registry) GetAllStates() []NamedState {
	r.mu.RLock()
	brokers := make([]*Broker, len(r.brokers))
	copy(brokers, r.brokers)
	r.mu.RUnlock()

	out := make([]NamedState, 0, len(brokers))
	for _, b := range brokers {
		out = append(out, NamedState{Name: b.name, State: b.GetState()})
	}
	return out
}

// Dump writes the mounted states as YAML, one document keyed by name. When a
// name is mounted more than once, later brokers appear as name#2, name#3 and
// so on. Fields YAML cannot encode are written with %v.
func (r *Registry) Dump(w io.Writer) error {
	doc := make(map[string]map[string]any)
	seen := make(map[string]int)

	for _, ns := range r.GetAllStates() {
		seen[ns.Name]++
		key := ns.Name
		if n := seen[ns.Name]; n > 1 {
			key = fmt.Sprintf("%s#%d", ns.Name, n)
		}
		doc[key] = dumpable(ns.State)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("dumping states: %w", err)
	}
	return enc.Close()
}

func dumpable(s State) map[string]any {
	out := make(map[string]any, len(s))
	for _, k := range s.Keys() {
		if !encodable(s[k]) {
			out[k] = fmt.Sprintf("%v", s[k])
			continue
		}
		out[k] = s[k]
	}
	return out
}

// encodable reports whether v survives yaml.Marshal. The encoder panics on
// some kinds, such as funcs, instead of returning an error.
func encodable(v any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := yaml.Marshal(v)
	return err == nil
}
