package adapter

import (
	"fmt"
	"sync"

	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// UnsupportedBrandError means no factory is registered for a device's
// brand. Configuration error: fails fast, never retried, and no operation
// log is written because no network attempt was made.
type UnsupportedBrandError struct {
	Brand models.Brand
}

func (e *UnsupportedBrandError) Error() string {
	return fmt.Sprintf("unsupported device brand %q", e.Brand)
}

// Registry maps device brands to adapter factories. Populated once at
// startup; test doubles are injected by registering a fake factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.Brand]Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		factories: make(map[models.Brand]Factory),
		logger:    logger,
	}
}

// Register adds a factory for a brand.
func (r *Registry) Register(brand models.Brand, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[brand]; exists {
		return fmt.Errorf("brand %q already registered", brand)
	}
	r.factories[brand] = f
	r.logger.Info("adapter registered", zap.String("brand", string(brand)))
	return nil
}

// New builds an adapter for the given brand and device config.
func (r *Registry) New(brand models.Brand, cfg Config) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[brand]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnsupportedBrandError{Brand: brand}
	}
	return f(cfg, r.logger.Named(string(brand)))
}

// Supported reports whether a factory is registered for the brand.
func (r *Registry) Supported(brand models.Brand) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[brand]
	return ok
}

// RegisterDefaults wires the production vendor adapters.
func RegisterDefaults(r *Registry) error {
	defaults := map[models.Brand]Factory{
		models.BrandMikroTik: NewMikroTik,
		models.BrandHuawei:   NewHuawei,
		models.BrandCisco:    NewCisco,
	}
	for brand, f := range defaults {
		if err := r.Register(brand, f); err != nil {
			return err
		}
	}
	return nil
}
