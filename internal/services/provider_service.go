package services

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"mira/internal/config"
	"mira/internal/models"
)

const activeProviderKey = "active"

// ProviderService holds the configured model providers and the fallback
// order. The active provider (the first one that recently worked) is cached;
// configuration reloads invalidate the cache explicitly rather than relying
// on ambient global state.
type ProviderService struct {
	mu          sync.RWMutex
	providers   []models.Provider
	activeCache *cache.Cache
}

// NewProviderService creates a provider service from the given configuration.
func NewProviderService(cfg *models.ProvidersConfig) *ProviderService {
	s := &ProviderService{
		activeCache: cache.New(10*time.Minute, 5*time.Minute),
	}
	s.apply(cfg)
	return s
}

// apply replaces the provider set, keeping only usable entries in priority order.
func (s *ProviderService) apply(cfg *models.ProvidersConfig) {
	var usable []models.Provider
	for _, p := range cfg.Providers {
		if p.Enabled && p.HasCredentials() {
			usable = append(usable, p)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Priority < usable[j].Priority
	})

	s.mu.Lock()
	s.providers = usable
	s.mu.Unlock()

	log.Printf("✅ [PROVIDER] Loaded %d usable provider(s)", len(usable))
}

// Reload re-reads the providers file and invalidates the active-provider
// cache. Called from the config file watcher.
func (s *ProviderService) Reload(filePath string) error {
	cfg, err := config.LoadProviders(filePath)
	if err != nil {
		return fmt.Errorf("failed to reload providers: %w", err)
	}
	s.apply(cfg)
	s.InvalidateActive()
	log.Printf("🔄 [PROVIDER] Providers reloaded from %s", filePath)
	return nil
}

// Chain returns the fallback chain: the active provider first (when one is
// cached), then the remaining providers in priority order.
func (s *ProviderService) Chain() []models.Provider {
	s.mu.RLock()
	providers := make([]models.Provider, len(s.providers))
	copy(providers, s.providers)
	s.mu.RUnlock()

	active, found := s.activeCache.Get(activeProviderKey)
	if !found {
		return providers
	}
	activeName, _ := active.(string)

	ordered := make([]models.Provider, 0, len(providers))
	for _, p := range providers {
		if p.Name == activeName {
			ordered = append(ordered, p)
			break
		}
	}
	for _, p := range providers {
		if p.Name != activeName {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// MarkActive records the provider that last served a request successfully so
// subsequent requests try it first.
func (s *ProviderService) MarkActive(name string) {
	s.activeCache.Set(activeProviderKey, name, cache.DefaultExpiration)
}

// InvalidateActive drops the cached active provider. Exposed as part of the
// configuration-reload interface.
func (s *ProviderService) InvalidateActive() {
	s.activeCache.Delete(activeProviderKey)
}

// Count returns the number of usable providers.
func (s *ProviderService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.providers)
}
