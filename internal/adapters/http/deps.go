package http

import (
	"github.com/samirrijal/pulsemap/internal/adapters/postgres"
	"github.com/samirrijal/pulsemap/internal/adapters/valkey"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/core/usecases"
	"github.com/samirrijal/pulsemap/internal/pkg/config"
)

// Dependencies holds all services needed by HTTP handlers.
type Dependencies struct {
	Profiles  *usecases.ProfileService
	Resolver  *usecases.ResolverService
	Broker    ports.Broker
	DB        *postgres.DB
	Cache     *valkey.Cache
	Discovery config.DiscoveryConfig
}
