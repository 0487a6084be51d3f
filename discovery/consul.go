package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-multierror"

	"github.com/lcx/oscroute/log"
)

// ConsulCfg points a ConsulRegistry at an agent.
type ConsulCfg struct {
	Address     string `mapstructure:"address"`
	Scheme      string `mapstructure:"scheme"`
	Token       string `mapstructure:"token"`
	Datacenter  string `mapstructure:"datacenter"`
	PassingOnly bool   `mapstructure:"passingOnly"`
}

// ConsulRegistry registers services with the local Consul agent and
// resolves them from the catalog's health endpoint.
type ConsulRegistry struct {
	client *api.Client
	cfg    ConsulCfg

	mu    sync.Mutex
	owned map[string]struct{}
}

// NewConsulRegistry builds a client; no request is made until first use.
func NewConsulRegistry(cfg ConsulCfg) (*ConsulRegistry, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		apiCfg.Scheme = cfg.Scheme
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulRegistry{client: client, cfg: cfg, owned: make(map[string]struct{})}, nil
}

// FactoryName returns FactoryConsul.
func (r *ConsulRegistry) FactoryName() string {
	return FactoryConsul
}

// Register registers svc with the agent and remembers it as owned.
func (r *ConsulRegistry) Register(ctx context.Context, svc Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	reg := &api.AgentServiceRegistration{
		ID:      svc.ID,
		Name:    svc.Name,
		Address: svc.Host,
		Port:    svc.Port,
		Tags:    svc.Tags,
		Meta:    svc.Meta,
	}
	if err := r.client.Agent().ServiceRegisterOpts(reg, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		return fmt.Errorf("consul register %s: %w", svc.ID, err)
	}

	r.mu.Lock()
	r.owned[svc.ID] = struct{}{}
	r.mu.Unlock()
	log.Info().Str("id", svc.ID).Str("addr", svc.Addr()).Msg("service registered")
	return nil
}

// Deregister removes id from the agent.
func (r *ConsulRegistry) Deregister(ctx context.Context, id string) error {
	q := (&api.QueryOptions{}).WithContext(ctx)
	if err := r.client.Agent().ServiceDeregisterOpts(id, q); err != nil {
		return fmt.Errorf("consul deregister %s: %w", id, err)
	}
	r.mu.Lock()
	delete(r.owned, id)
	r.mu.Unlock()
	return nil
}

// Resolve lists the health entries of name, only passing ones when
// configured. An entry without a service address uses its node's.
func (r *ConsulRegistry) Resolve(ctx context.Context, name string) ([]Service, error) {
	q := (&api.QueryOptions{Datacenter: r.cfg.Datacenter}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(name, "", r.cfg.PassingOnly, q)
	if err != nil {
		return nil, fmt.Errorf("consul resolve %s: %w", name, err)
	}

	out := make([]Service, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		out = append(out, Service{
			ID:   e.Service.ID,
			Name: e.Service.Service,
			Host: host,
			Port: e.Service.Port,
			Tags: e.Service.Tags,
			Meta: e.Service.Meta,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return out, nil
}

// DeregisterOwned removes every service this registry registered.
func (r *ConsulRegistry) DeregisterOwned(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs *multierror.Error
	for _, id := range ids {
		if err := r.Deregister(ctx, id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
