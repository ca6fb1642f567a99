package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Factory builds a provider. It is only invoked for the selected name.
type Factory func() (Provider, error)

// Registry holds the known provider factories and the one provider selected for the
// process lifetime. Build it once at startup and pass it to every caller.
type Registry struct {
	mu          sync.Mutex
	factories   map[string]Factory
	defaultName string
	active      Provider
}

// NewRegistry creates a registry whose fallback for unrecognised names is defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		factories:   make(map[string]Factory),
		defaultName: defaultName,
	}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select builds and pins the provider named by configuration. An unknown name falls
// back to the default with a warning so a misconfigured deployment still serves.
// Once a provider is pinned, later calls return it regardless of name.
func (r *Registry) Select(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		if name != r.active.Name() {
			log.Warn().Str("requested", name).Str("active", r.active.Name()).
				Msg("provider already selected for this process; ignoring request")
		}
		return r.active, nil
	}
	if len(r.factories) == 0 {
		return nil, ErrNoFactories
	}

	f, ok := r.factories[name]
	if !ok {
		log.Warn().Str("requested", name).Str("fallback", r.defaultName).
			Msg("unknown provider configured, falling back to default")
		f, ok = r.factories[r.defaultName]
		if !ok {
			return nil, fmt.Errorf("default provider %q not registered", r.defaultName)
		}
	}

	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	if p == nil {
		return nil, ErrNilProvider
	}
	r.active = p
	log.Info().Str("provider", p.Name()).Msg("generation provider selected")
	return p, nil
}

// Active returns the selected provider or ErrNotSelected.
func (r *Registry) Active() (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNotSelected
	}
	return r.active, nil
}
