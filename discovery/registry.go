// Package discovery resolves application names to the transport addresses
// unicast sends go to.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
)

// ErrServiceNotFound is returned by Resolve when no instance is known.
var ErrServiceNotFound = errors.New("discovery: service not found")

// Service is one reachable instance of a named application.
type Service struct {
	ID   string            `mapstructure:"id"`
	Name string            `mapstructure:"name"`
	Host string            `mapstructure:"host"`
	Port int               `mapstructure:"port"`
	Tags []string          `mapstructure:"tags"`
	Meta map[string]string `mapstructure:"meta"`
}

// Addr formats host:port.
func (s Service) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Validate checks the fields a registry needs and fills in a missing ID.
func (s *Service) Validate() error {
	if s.Name == "" {
		return errors.New("service name is empty")
	}
	if s.Host == "" {
		return fmt.Errorf("service %s has no host", s.Name)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("service %s port %d out of range", s.Name, s.Port)
	}
	if s.ID == "" {
		s.ID = s.Name + "-" + s.Addr()
	}
	return nil
}

// Registry records and resolves services.
type Registry interface {
	Register(ctx context.Context, svc Service) error
	Deregister(ctx context.Context, id string) error
	Resolve(ctx context.Context, name string) ([]Service, error)
}

// StaticRegistry keeps services in memory.
type StaticRegistry struct {
	mu   sync.RWMutex
	byID map[string]Service
}

// NewStaticRegistry starts with services already registered.
func NewStaticRegistry(services ...Service) (*StaticRegistry, error) {
	r := &StaticRegistry{byID: make(map[string]Service)}
	if err := r.reset(services); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *StaticRegistry) reset(services []Service) error {
	byID := make(map[string]Service, len(services))
	for _, svc := range services {
		if err := svc.Validate(); err != nil {
			return err
		}
		byID[svc.ID] = svc
	}
	r.mu.Lock()
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// FactoryName returns FactoryStatic.
func (r *StaticRegistry) FactoryName() string {
	return FactoryStatic
}

// Register adds or replaces svc in memory.
func (r *StaticRegistry) Register(ctx context.Context, svc Service) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := svc.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[svc.ID] = svc
	return nil
}

// Deregister removes the service with id; unknown ids are ignored.
func (r *StaticRegistry) Deregister(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

// Resolve returns the instances of name ordered by ID.
func (r *StaticRegistry) Resolve(ctx context.Context, name string) ([]Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Service
	for _, id := range slices.Sorted(maps.Keys(r.byID)) {
		if svc := r.byID[id]; svc.Name == name {
			out = append(out, svc)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return out, nil
}
