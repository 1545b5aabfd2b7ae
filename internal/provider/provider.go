// Package provider defines the cloud backend abstraction. Drivers translate
// control-plane intent into provider API calls; they never touch instance
// status, which belongs to internal/lifecycle.
package provider

import (
	"context"
	"fmt"
	"sort"
)

// CreateSpec describes the machine a driver should create.
type CreateSpec struct {
	InstanceID   string // control-plane id, set as a label on the resource
	Zone         string
	InstanceType string
	ModelID      string
	Image        string
	UserData     string // cloud-init payload handed to the worker
}

// Created is the result of a successful create. IPAddress may be empty when
// the provider assigns addresses asynchronously; Get reports it once known.
type Created struct {
	ProviderInstanceID string
	IPAddress          string
}

// VolumeSpec describes a block volume a driver should create.
type VolumeSpec struct {
	InstanceID string // control-plane id of the owning instance
	Zone       string
	Name       string
	SizeGB     int
}

// DiscoveredInstance is a provider-side resource as seen by List or Get.
type DiscoveredInstance struct {
	ProviderInstanceID string
	Zone               string
	InstanceType       string
	IPAddress          string
	Running            bool
	Labels             map[string]string
}

// CatalogItem is one offered instance type.
type CatalogItem struct {
	Code         string
	CostPerHour  float64
	CPUCount     int
	RAMGB        int
	GPUCount     int
	VRAMPerGPUGB int
}

// Driver is one cloud backend.
type Driver interface {
	// Name returns the driver's registry key ("mock", "hcloud").
	Name() string

	// Create provisions a machine. Out-of-stock and rate-limit conditions
	// come back as transient errors so the caller retries.
	Create(ctx context.Context, spec CreateSpec) (*Created, error)

	// Start powers the machine on. Starting a machine that is already
	// running returns nil.
	Start(ctx context.Context, providerInstanceID string) error

	// Get fetches one resource. A missing resource is a not-found error.
	Get(ctx context.Context, providerInstanceID string) (*DiscoveredInstance, error)

	// Delete removes a machine. Deleting a resource that is already gone
	// returns nil: the desired state holds either way.
	Delete(ctx context.Context, providerInstanceID string) error

	// Reinstall rebuilds the machine in place, keeping its address.
	Reinstall(ctx context.Context, providerInstanceID string) error

	// List returns every resource this control plane owns at the provider.
	List(ctx context.Context) ([]DiscoveredInstance, error)

	// Catalog returns the instance types currently offered.
	Catalog(ctx context.Context) ([]CatalogItem, error)

	// CreateVolume creates a detached block volume and returns its id.
	CreateVolume(ctx context.Context, spec VolumeSpec) (string, error)

	// AttachVolume mounts the volume on the machine.
	AttachVolume(ctx context.Context, providerVolumeID, providerInstanceID string) error

	// DetachVolume unmounts the volume. Detaching a volume that is not
	// attached returns nil.
	DetachVolume(ctx context.Context, providerVolumeID string) error

	// ResizeVolume grows the volume to sizeGB. Volumes never shrink.
	ResizeVolume(ctx context.Context, providerVolumeID string, sizeGB int) error

	// DeleteVolume removes a block volume. Missing volumes return nil.
	DeleteVolume(ctx context.Context, providerVolumeID string) error
}

// Registry holds the enabled drivers by name.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver under its own name.
func (r *Registry) Register(d Driver) {
	r.drivers[d.Name()] = d
}

// Get returns the named driver.
func (r *Registry) Get(name string) (Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("provider: no driver registered for %q", name)
	}
	return d, nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
