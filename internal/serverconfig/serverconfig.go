// Package serverconfig loads the products a server can execute from its
// JSON configuration file.
package serverconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"pds/internal/domain"

	"github.com/go-playground/validator/v10"
)

const (
	minMinutesToWait = 1
	// UndefinedServerID is reported when no configuration is loaded.
	UndefinedServerID = "undefined-no-configuration"
)

var validate = validator.New()

// ServerConfiguration is the content of pds-config.json.
type ServerConfiguration struct {
	APIVersion string                `json:"apiVersion" validate:"required"`
	ServerID   string                `json:"serverId" validate:"required,max=30"`
	Products   []domain.ProductSetup `json:"products" validate:"dive"`
}

// Parse decodes and validates a server configuration.
func Parse(data []byte) (*ServerConfiguration, error) {
	var cfg ServerConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode server configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*ServerConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server configuration: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and that product ids are unique.
func (c *ServerConfiguration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}
	seen := make(map[string]bool, len(c.Products))
	var errs []error
	for _, p := range c.Products {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("product id %q defined more than once", p.ID))
		}
		seen[p.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid server configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Timeouts are the server wide limits for waiting on a product.
type Timeouts struct {
	DefaultMinutes int
	MaxMinutes     int
}

// Service implements domain.ProductRegistry on a loaded configuration.
type Service struct {
	cfg            *ServerConfiguration
	products       map[string]*domain.ProductSetup
	defaultMinutes int
	maxMinutes     int
	logger         *slog.Logger
}

var _ domain.ProductRegistry = (*Service)(nil)

// NewService creates the registry. The default timeout is clamped into
// [1, MaxMinutes] with a warning.
func NewService(cfg *ServerConfiguration, timeouts Timeouts, logger *slog.Logger) *Service {
	logger = logger.With("component", "server-configuration")
	s := &Service{
		cfg:            cfg,
		products:       make(map[string]*domain.ProductSetup, len(cfg.Products)),
		defaultMinutes: timeouts.DefaultMinutes,
		maxMinutes:     timeouts.MaxMinutes,
		logger:         logger,
	}
	for i := range cfg.Products {
		p := &cfg.Products[i]
		s.products[p.ID] = p
	}

	if s.maxMinutes < minMinutesToWait {
		s.maxMinutes = minMinutesToWait
	}
	if s.defaultMinutes < minMinutesToWait {
		logger.Warn("server wide minutes to wait for product below minimum, using minimum",
			"configured", s.defaultMinutes, "min", minMinutesToWait)
		s.defaultMinutes = minMinutesToWait
	}
	if s.defaultMinutes > s.maxMinutes {
		logger.Warn("server wide minutes to wait for product exceeds maximum, using maximum",
			"configured", s.defaultMinutes, "max", s.maxMinutes)
		s.defaultMinutes = s.maxMinutes
	}
	return s
}

// ServerID returns the id jobs of this server are stored under.
func (s *Service) ServerID() string {
	if s.cfg == nil {
		return UndefinedServerID
	}
	return s.cfg.ServerID
}

func (s *Service) Product(id string) (*domain.ProductSetup, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProductNotFound, id)
	}
	return p, nil
}

// Products returns all configured products.
func (s *Service) Products() []domain.ProductSetup {
	return s.cfg.Products
}

func (s *Service) DefaultMinutesToWait() int { return s.defaultMinutes }

func (s *Service) MaxMinutesToWait() int { return s.maxMinutes }
