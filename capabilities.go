package chatstream

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/capabilities/*.yaml
var capabilitiesFS embed.FS

// Capabilities Philosophy:
//
// This registry provides MODEL METADATA consulted for routing decisions:
// whether caller-supplied tools are actually sent upstream, whether vision
// content is accepted, and the output-token ceiling to clamp requests to.
// It does NOT enforce validation - the backend is the source of truth.
//
// Capability data may lag behind provider releases. Library users can
// override the embedded data by calling LoadCapabilitiesFromFile() or
// RegisterProviderCapabilities(). Unknown models resolve permissively
// (tools and vision assumed supported) so new models keep working.

// ProviderCapabilities represents the capability configuration for a provider.
type ProviderCapabilities struct {
	Provider string                     `yaml:"provider"`
	Models   map[string]ModelCapability `yaml:"models"`
}

// ModelCapability represents the capabilities of a model family.
// Map keys are model-name prefixes; the longest matching prefix wins.
type ModelCapability struct {
	ContextWindow   int           `yaml:"context_window"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	Features        ModelFeatures `yaml:"features"`
}

// ModelFeatures indicates which features a model supports.
type ModelFeatures struct {
	Vision    bool `yaml:"vision"`
	Tools     bool `yaml:"tools"`
	Thinking  bool `yaml:"thinking"`
	Streaming bool `yaml:"streaming"`
}

// CapabilityRegistry manages provider capabilities.
type CapabilityRegistry struct {
	capabilities map[string]*ProviderCapabilities
	mu           sync.RWMutex
}

var (
	globalCapRegistry     *CapabilityRegistry
	globalCapRegistryOnce sync.Once
)

// GetCapabilityRegistry returns the global capability registry (singleton).
func GetCapabilityRegistry() *CapabilityRegistry {
	globalCapRegistryOnce.Do(func() {
		globalCapRegistry = &CapabilityRegistry{
			capabilities: make(map[string]*ProviderCapabilities),
		}
		if err := globalCapRegistry.loadEmbedded(); err != nil {
			fmt.Fprintf(os.Stderr, "chatstream: failed to load embedded capabilities: %v\n", err)
		}
	})
	return globalCapRegistry
}

// loadEmbedded loads every embedded capability file.
func (r *CapabilityRegistry) loadEmbedded() error {
	entries, err := capabilitiesFS.ReadDir("config/capabilities")
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		data, err := capabilitiesFS.ReadFile("config/capabilities/" + entry.Name())
		if err != nil {
			return err
		}

		var caps ProviderCapabilities
		if err := yaml.Unmarshal(data, &caps); err != nil {
			return fmt.Errorf("unmarshal %s: %w", entry.Name(), err)
		}
		r.capabilities[caps.Provider] = &caps
	}

	return nil
}

// GetProviderCapabilities returns capabilities for a provider.
func (r *CapabilityRegistry) GetProviderCapabilities(provider ProviderID) (*ProviderCapabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps, ok := r.capabilities[provider.String()]
	if !ok {
		return nil, fmt.Errorf("no capabilities found for provider: %s", provider)
	}
	return caps, nil
}

// GetModelCapability resolves the capability entry for a model by longest
// prefix match against the provider's model families.
func (r *CapabilityRegistry) GetModelCapability(provider ProviderID, model string) (*ModelCapability, error) {
	providerCaps, err := r.GetProviderCapabilities(provider)
	if err != nil {
		return nil, err
	}

	m := strings.ToLower(model)
	var best *ModelCapability
	bestLen := -1
	for prefix := range providerCaps.Models {
		if strings.HasPrefix(m, prefix) && len(prefix) > bestLen {
			mc := providerCaps.Models[prefix]
			best = &mc
			bestLen = len(prefix)
		}
	}

	if best == nil {
		return nil, fmt.Errorf("model %s not found for provider %s", model, provider)
	}
	return best, nil
}

// SupportsTools checks if a model supports tool calling.
// Unknown models resolve to true; the backend is the source of truth.
func (r *CapabilityRegistry) SupportsTools(provider ProviderID, model string) bool {
	mc, err := r.GetModelCapability(provider, model)
	if err != nil {
		return true
	}
	return mc.Features.Tools
}

// SupportsVision checks if a model accepts image content.
// Unknown models resolve to true.
func (r *CapabilityRegistry) SupportsVision(provider ProviderID, model string) bool {
	mc, err := r.GetModelCapability(provider, model)
	if err != nil {
		return true
	}
	return mc.Features.Vision
}

// MaxOutputTokens returns the model's output ceiling, or def when unknown.
func (r *CapabilityRegistry) MaxOutputTokens(provider ProviderID, model string, def int) int {
	mc, err := r.GetModelCapability(provider, model)
	if err != nil || mc.MaxOutputTokens <= 0 {
		return def
	}
	return mc.MaxOutputTokens
}

// LoadCapabilitiesFromFile loads provider capabilities from a YAML file,
// overriding the embedded data for that provider.
func (r *CapabilityRegistry) LoadCapabilitiesFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read capabilities file: %w", err)
	}

	var caps ProviderCapabilities
	if err := yaml.Unmarshal(data, &caps); err != nil {
		return fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[caps.Provider] = &caps

	return nil
}

// RegisterProviderCapabilities programmatically registers provider capabilities.
func (r *CapabilityRegistry) RegisterProviderCapabilities(provider ProviderID, caps *ProviderCapabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[provider.String()] = caps
}

// LoadCapabilitiesFromFile is a convenience wrapper over the global registry.
func LoadCapabilitiesFromFile(path string) error {
	return GetCapabilityRegistry().LoadCapabilitiesFromFile(path)
}

// RegisterProviderCapabilities is a convenience wrapper over the global registry.
func RegisterProviderCapabilities(provider ProviderID, caps *ProviderCapabilities) {
	GetCapabilityRegistry().RegisterProviderCapabilities(provider, caps)
}
