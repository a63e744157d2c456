// Package registry tracks backend service instances and hands out base URLs
// round-robin. Instance lists are process-local; health flags are updated by
// the resolver's probe loop or by explicit calls.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServiceInstance is one addressable backend for a service name.
type ServiceInstance struct {
	ID           string            `json:"id" koanf:"id"`
	ServiceName  string            `json:"serviceName" koanf:"serviceName"`
	BaseURL      string            `json:"baseUrl" koanf:"baseUrl"`
	Healthy      bool              `json:"healthy" koanf:"healthy"`
	RegisteredAt time.Time         `json:"registeredAt" koanf:"-"`
	Weight       int               `json:"weight" koanf:"weight"`
	Metadata     map[string]string `json:"metadata,omitempty" koanf:"metadata"`
}

// ErrUnknownService reports a service name with no registered instances.
var ErrUnknownService = errors.New("registry: unknown service")

type serviceEntry struct {
	mu        sync.Mutex
	instances []ServiceInstance
	cursor    atomic.Uint64
}

// Registry is the per-service instance table.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*serviceEntry
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With(slog.String("component", "service_registry")),
		services: make(map[string]*serviceEntry),
	}
}

func (r *Registry) entry(name string, create bool) *serviceEntry {
	r.mu.RLock()
	entry, ok := r.services[name]
	r.mu.RUnlock()
	if ok || !create {
		return entry
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok = r.services[name]; ok {
		return entry
	}
	entry = &serviceEntry{}
	r.services[name] = entry
	return entry
}

// Register adds or replaces an instance. Replacement is keyed by instance id
// so repeated registrations stay idempotent.
func (r *Registry) Register(instance ServiceInstance) error {
	if instance.ServiceName == "" {
		return errors.New("registry: service name required")
	}
	if instance.ID == "" {
		return errors.New("registry: instance id required")
	}
	if instance.BaseURL == "" {
		return errors.New("registry: instance base url required")
	}
	if instance.RegisteredAt.IsZero() {
		instance.RegisteredAt = time.Now().UTC()
	}
	if instance.Weight <= 0 {
		instance.Weight = 1
	}

	entry := r.entry(instance.ServiceName, true)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for i, existing := range entry.instances {
		if existing.ID == instance.ID {
			entry.instances[i] = instance
			return nil
		}
	}
	entry.instances = append(entry.instances, instance)
	r.logger.Info("service instance registered",
		slog.String("service", instance.ServiceName),
		slog.String("instance", instance.ID),
		slog.String("base_url", instance.BaseURL))
	return nil
}

// Deregister removes the instance with the given id from every service list.
func (r *Registry) Deregister(id string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, entry := range r.services {
		entry.mu.Lock()
		for i, instance := range entry.instances {
			if instance.ID == id {
				entry.instances = append(entry.instances[:i], entry.instances[i+1:]...)
				r.logger.Info("service instance deregistered",
					slog.String("service", name),
					slog.String("instance", id))
				break
			}
		}
		entry.mu.Unlock()
	}
}

// InstancesOf returns a copy of the instance list for name.
func (r *Registry) InstancesOf(name string) []ServiceInstance {
	entry := r.entry(name, false)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]ServiceInstance, len(entry.instances))
	copy(out, entry.instances)
	return out
}

// UpdateHealth flips the health flag on the identified instance.
func (r *Registry) UpdateHealth(id string, healthy bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.services {
		entry.mu.Lock()
		for i := range entry.instances {
			if entry.instances[i].ID == id {
				entry.instances[i].Healthy = healthy
			}
		}
		entry.mu.Unlock()
	}
}

// URLFor selects an instance for name round-robin, preferring the healthy
// subset. When no instance is healthy the whole list serves as the
// last-resort pool so callers still get a URL.
func (r *Registry) URLFor(name string) (string, error) {
	instance, err := r.Select(name)
	if err != nil {
		return "", err
	}
	return instance.BaseURL, nil
}

// Select returns the instance URLFor would use, exposing the full record.
func (r *Registry) Select(name string) (ServiceInstance, error) {
	entry := r.entry(name, false)
	if entry == nil {
		return ServiceInstance{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	entry.mu.Lock()
	pool := make([]ServiceInstance, 0, len(entry.instances))
	for _, instance := range entry.instances {
		if instance.Healthy {
			pool = append(pool, instance)
		}
	}
	if len(pool) == 0 {
		pool = append(pool, entry.instances...)
	}
	entry.mu.Unlock()

	if len(pool) == 0 {
		return ServiceInstance{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	idx := entry.cursor.Add(1) - 1
	return pool[idx%uint64(len(pool))], nil
}
