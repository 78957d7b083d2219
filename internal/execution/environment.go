package execution

import (
	"log/slog"
	"strings"

	"pds/internal/domain"
)

// Parameter keys every product accepts on top of its own allow-list.
var defaultAllowedKeys = []string{
	"pds.scan.target.url",
	"pds.scan.target.type",
}

// EnvironmentMap is an insertion ordered set of environment variables.
type EnvironmentMap struct {
	keys   []string
	values map[string]string
}

// NewEnvironmentMap returns an empty map.
func NewEnvironmentMap() *EnvironmentMap {
	return &EnvironmentMap{values: make(map[string]string)}
}

// Set adds or replaces key. A replaced key keeps its original position.
func (m *EnvironmentMap) Set(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored for key.
func (m *EnvironmentMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (m *EnvironmentMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *EnvironmentMap) Len() int { return len(m.keys) }

// Merge copies every entry of other into m, other wins on conflicts.
func (m *EnvironmentMap) Merge(other *EnvironmentMap) {
	for _, k := range other.keys {
		m.Set(k, other.values[k])
	}
}

// Environ renders the map in KEY=value form, ready for exec.Cmd.Env.
func (m *EnvironmentMap) Environ() []string {
	out := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k+"="+m.values[k])
	}
	return out
}

// EnvironmentBuilder turns job parameters into process environment variables.
// Only keys declared by the product (or the server defaults) are forwarded.
type EnvironmentBuilder struct {
	logger *slog.Logger
}

// NewEnvironmentBuilder creates a new EnvironmentBuilder instance.
func NewEnvironmentBuilder(logger *slog.Logger) *EnvironmentBuilder {
	return &EnvironmentBuilder{logger: logger.With("component", "environment-builder")}
}

// Build filters the job parameters through the product's allow-list.
// Rejected keys are logged and never forwarded.
func (b *EnvironmentBuilder) Build(cfg *domain.JobConfiguration, setup domain.ParameterSetup) *EnvironmentMap {
	env := NewEnvironmentMap()
	for _, p := range cfg.Parameters {
		if !isAllowed(p.Key, setup) {
			b.logger.Warn("parameter not accepted by product, not added to environment",
				"key", p.Key, "product_id", cfg.ProductID)
			continue
		}
		env.Set(EnvironmentKey(p.Key), p.Value)
	}
	return env
}

func isAllowed(key string, setup domain.ParameterSetup) bool {
	for _, k := range defaultAllowedKeys {
		if k == key {
			return true
		}
	}
	return setup.Allows(key)
}

// EnvironmentKey converts a parameter key like scan.target.url to SCAN_TARGET_URL.
func EnvironmentKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
