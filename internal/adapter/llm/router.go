package llm

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"forgeline/internal/domain"
)

// Registry is the set of providers a per-user ModelConfig can name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]domain.LLMProvider)}
}

// Register makes provider routable under its Name. Names are unique, and
// "default" is reserved for the fallback chain.
func (r *Registry) Register(provider domain.LLMProvider) error {
	const op = "Registry.Register"
	if provider == nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "nil provider")
	}
	name := provider.Name()
	if name == "" || name == "default" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("provider name %q is not routable", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("provider %q already registered", name))
	}
	r.providers[name] = provider
	return nil
}

func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns the routable provider names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.providers))
}

// ModelRouter picks the provider for an AI call. A per-user ModelConfig may
// name a provider; otherwise the fallback (normally the failover chain over
// the default provider) serves the call.
type ModelRouter struct {
	registry *Registry
	fallback domain.LLMProvider
}

// NewModelRouter creates a router over registry with fallback as default.
func NewModelRouter(registry *Registry, fallback domain.LLMProvider) *ModelRouter {
	return &ModelRouter{
		registry: registry,
		fallback: fallback,
	}
}

// Route resolves mc to a provider. An empty or "default" provider name maps
// to the fallback; an unknown name is an error rather than a silent fallback
// so misconfigured overrides surface.
func (r *ModelRouter) Route(mc domain.ModelConfig) (domain.LLMProvider, error) {
	if mc.Provider == "" || mc.Provider == "default" {
		if r.fallback == nil {
			return nil, fmt.Errorf("no default provider configured")
		}
		return r.fallback, nil
	}
	if r.registry == nil {
		return nil, domain.NewDomainError("ModelRouter.Route", domain.ErrProviderNotFound, mc.Provider)
	}
	p, err := r.registry.Get(mc.Provider)
	if err != nil {
		return nil, fmt.Errorf("model override: %w", err)
	}
	return p, nil
}

// applyModelConfig layers mc's model settings onto req.
func applyModelConfig(req *domain.ChatRequest, mc domain.ModelConfig) {
	if mc.Model != "" {
		req.Model = mc.Model
	}
	if mc.MaxTokens > 0 {
		req.MaxTokens = mc.MaxTokens
	}
	if mc.Temperature != nil {
		req.Temperature = *mc.Temperature
	}
}
