package tasks

import (
	"fmt"

	"lapse/internal/config"
)

// extraProcessors are engines compiled in behind build tags.
var extraProcessors []func(cfg *config.AlignmentConfig) AlignmentProcessor

// AlignmentManager selects the engine used for a run.
type AlignmentManager struct {
	processors map[string]AlignmentProcessor
	order      []string
	config     *config.AlignmentConfig
}

// NewAlignmentManager registers the native engine followed by any optional
// engines built into the binary.
func NewAlignmentManager(cfg *config.AlignmentConfig) *AlignmentManager {
	m := &AlignmentManager{processors: make(map[string]AlignmentProcessor), config: cfg}
	m.Register(NewNativeProcessor(cfg))
	for _, build := range extraProcessors {
		m.Register(build(cfg))
	}
	return m
}

// Register a processor.
func (m *AlignmentManager) Register(p AlignmentProcessor) {
	if p == nil {
		return
	}
	if _, exists := m.processors[p.Name()]; !exists {
		m.order = append(m.order, p.Name())
	}
	m.processors[p.Name()] = p
}

// Processors exposes registry.
func (m *AlignmentManager) Processors() map[string]AlignmentProcessor {
	return m.processors
}

// Names lists registered processors in registration order.
func (m *AlignmentManager) Names() []string {
	return append([]string(nil), m.order...)
}

// Select returns the named processor. An empty name means the configured
// default, falling back to the first available processor.
func (m *AlignmentManager) Select(name string) (AlignmentProcessor, error) {
	if name != "" {
		p, ok := m.processors[name]
		if !ok {
			return nil, fmt.Errorf("unknown alignment processor %q", name)
		}
		if !p.IsAvailable() {
			return nil, fmt.Errorf("alignment processor %q is not available", name)
		}
		return p, nil
	}

	if m.config != nil && m.config.DefaultProcessor != "" {
		if p, ok := m.processors[m.config.DefaultProcessor]; ok && p.IsAvailable() {
			return p, nil
		}
	}
	for _, n := range m.order {
		if p := m.processors[n]; p.IsAvailable() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no alignment processor available")
}
