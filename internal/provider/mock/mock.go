// Package mock implements a simulation provider backed by database tables.
// The mock_servers and mock_volumes tables stand in for the remote cloud's
// state, so tests and local runs can stage drift by editing rows directly.
package mock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/provider"
)

// Driver is the simulation backend.
type Driver struct {
	db    *gorm.DB
	zones []string

	// DeleteDelay makes Delete asynchronous: the server lingers in
	// terminating until the delay passes, like a real cloud would.
	DeleteDelay time.Duration

	// OutOfStock makes every Create fail with a capacity error. Tests use
	// it to exercise retry and recovery paths.
	OutOfStock bool
}

// New returns a mock driver writing to db and serving the given zones.
func New(db *gorm.DB, zones []string) *Driver {
	return &Driver{db: db, zones: zones}
}

func (d *Driver) Name() string { return "mock" }

// deterministicIP derives a stable 10.x.y.z address from the server id, so
// reruns of the same scenario see the same addresses.
func deterministicIP(id string) string {
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("10.%d.%d.%d", sum[0], sum[1], sum[2])
}

func (d *Driver) Create(ctx context.Context, spec provider.CreateSpec) (*provider.Created, error) {
	if d.OutOfStock {
		return nil, provider.NewError(provider.KindOutOfStock, "create",
			fmt.Errorf("no capacity for %s in %s", spec.InstanceType, spec.Zone))
	}
	if !d.servesZone(spec.Zone) {
		return nil, provider.NewError(provider.KindPermanent, "create",
			fmt.Errorf("unknown zone %q", spec.Zone))
	}

	now := time.Now().UTC()
	id := "mock-" + uuid.NewString()[:8]
	server := models.MockServer{
		ProviderInstanceID: id,
		Zone:               spec.Zone,
		InstanceType:       spec.InstanceType,
		Status:             "running",
		IPAddress:          deterministicIP(id),
		CreatedAt:          now,
		StartedAt:          &now,
	}
	if err := d.db.WithContext(ctx).Create(&server).Error; err != nil {
		return nil, provider.NewError(provider.KindTransient, "create", err)
	}

	return &provider.Created{
		ProviderInstanceID: server.ProviderInstanceID,
		IPAddress:          server.IPAddress,
	}, nil
}

func (d *Driver) Start(ctx context.Context, providerInstanceID string) error {
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).Model(&models.MockServer{}).
		Where("provider_instance_id = ? AND status NOT IN ?", providerInstanceID, []string{"terminating", "terminated"}).
		Updates(map[string]interface{}{"status": "running", "started_at": now})
	if result.Error != nil {
		return provider.NewError(provider.KindTransient, "start", result.Error)
	}
	if result.RowsAffected == 0 {
		return provider.NewError(provider.KindNotFound, "start",
			fmt.Errorf("server %s not found", providerInstanceID))
	}
	return nil
}

func (d *Driver) Get(ctx context.Context, providerInstanceID string) (*provider.DiscoveredInstance, error) {
	if err := d.sweep(ctx); err != nil {
		return nil, err
	}
	var server models.MockServer
	err := d.db.WithContext(ctx).First(&server, "provider_instance_id = ?", providerInstanceID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, provider.NewError(provider.KindNotFound, "get",
			fmt.Errorf("server %s not found", providerInstanceID))
	}
	if err != nil {
		return nil, provider.NewError(provider.KindTransient, "get", err)
	}
	if server.Status == "terminated" {
		return nil, provider.NewError(provider.KindNotFound, "get",
			fmt.Errorf("server %s is terminated", providerInstanceID))
	}
	return toDiscovered(server), nil
}

func (d *Driver) Delete(ctx context.Context, providerInstanceID string) error {
	if d.DeleteDelay > 0 {
		after := time.Now().UTC().Add(d.DeleteDelay)
		result := d.db.WithContext(ctx).Model(&models.MockServer{}).
			Where("provider_instance_id = ? AND status NOT IN ?", providerInstanceID, []string{"terminating", "terminated"}).
			Updates(map[string]interface{}{"status": "terminating", "delete_after": after})
		if result.Error != nil {
			return provider.NewError(provider.KindTransient, "delete", result.Error)
		}
		return nil
	}
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).Model(&models.MockServer{}).
		Where("provider_instance_id = ?", providerInstanceID).
		Updates(map[string]interface{}{"status": "terminated", "terminated_at": now})
	if result.Error != nil {
		return provider.NewError(provider.KindTransient, "delete", result.Error)
	}
	// Zero rows means the server never existed; deletion already holds.
	return nil
}

func (d *Driver) Reinstall(ctx context.Context, providerInstanceID string) error {
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).Model(&models.MockServer{}).
		Where("provider_instance_id = ? AND status = ?", providerInstanceID, "running").
		Update("started_at", now)
	if result.Error != nil {
		return provider.NewError(provider.KindTransient, "reinstall", result.Error)
	}
	if result.RowsAffected == 0 {
		return provider.NewError(provider.KindNotFound, "reinstall",
			fmt.Errorf("server %s not running", providerInstanceID))
	}
	return nil
}

func (d *Driver) List(ctx context.Context) ([]provider.DiscoveredInstance, error) {
	if err := d.sweep(ctx); err != nil {
		return nil, err
	}
	var servers []models.MockServer
	if err := d.db.WithContext(ctx).Where("status <> ?", "terminated").Find(&servers).Error; err != nil {
		return nil, provider.NewError(provider.KindTransient, "list", err)
	}
	out := make([]provider.DiscoveredInstance, 0, len(servers))
	for _, s := range servers {
		out = append(out, *toDiscovered(s))
	}
	return out, nil
}

func (d *Driver) Catalog(ctx context.Context) ([]provider.CatalogItem, error) {
	return []provider.CatalogItem{
		{Code: "mock-gpu-1x", CostPerHour: 0.50, CPUCount: 8, RAMGB: 32, GPUCount: 1, VRAMPerGPUGB: 24},
		{Code: "mock-gpu-2x", CostPerHour: 1.00, CPUCount: 16, RAMGB: 64, GPUCount: 2, VRAMPerGPUGB: 24},
		{Code: "mock-gpu-4x", CostPerHour: 2.00, CPUCount: 32, RAMGB: 128, GPUCount: 4, VRAMPerGPUGB: 48},
	}, nil
}

func (d *Driver) CreateVolume(ctx context.Context, spec provider.VolumeSpec) (string, error) {
	if !d.servesZone(spec.Zone) {
		return "", provider.NewError(provider.KindPermanent, "create_volume",
			fmt.Errorf("unknown zone %q", spec.Zone))
	}
	vol := models.MockVolume{
		ProviderVolumeID: "mockvol-" + uuid.NewString()[:8],
		Zone:             spec.Zone,
		Name:             spec.Name,
		SizeGB:           spec.SizeGB,
		CreatedAt:        time.Now().UTC(),
	}
	if err := d.db.WithContext(ctx).Create(&vol).Error; err != nil {
		return "", provider.NewError(provider.KindTransient, "create_volume", err)
	}
	return vol.ProviderVolumeID, nil
}

func (d *Driver) AttachVolume(ctx context.Context, providerVolumeID, providerInstanceID string) error {
	result := d.db.WithContext(ctx).Model(&models.MockVolume{}).
		Where("provider_volume_id = ? AND deleted = ?", providerVolumeID, false).
		Update("attached_to", providerInstanceID)
	if result.Error != nil {
		return provider.NewError(provider.KindTransient, "attach_volume", result.Error)
	}
	if result.RowsAffected == 0 {
		return provider.NewError(provider.KindNotFound, "attach_volume",
			fmt.Errorf("volume %s not found", providerVolumeID))
	}
	return nil
}

func (d *Driver) DetachVolume(ctx context.Context, providerVolumeID string) error {
	result := d.db.WithContext(ctx).Model(&models.MockVolume{}).
		Where("provider_volume_id = ?", providerVolumeID).
		Update("attached_to", "")
	if result.Error != nil {
		return provider.NewError(provider.KindTransient, "detach_volume", result.Error)
	}
	// Zero rows means the volume is gone; detachment already holds.
	return nil
}

func (d *Driver) ResizeVolume(ctx context.Context, providerVolumeID string, sizeGB int) error {
	result := d.db.WithContext(ctx).Model(&models.MockVolume{}).
		Where("provider_volume_id = ? AND deleted = ? AND size_gb <= ?", providerVolumeID, false, sizeGB).
		Update("size_gb", sizeGB)
	if result.Error != nil {
		return provider.NewError(provider.KindTransient, "resize_volume", result.Error)
	}
	if result.RowsAffected == 0 {
		return provider.NewError(provider.KindPermanent, "resize_volume",
			fmt.Errorf("volume %s missing or larger than %dGB", providerVolumeID, sizeGB))
	}
	return nil
}

func (d *Driver) DeleteVolume(ctx context.Context, providerVolumeID string) error {
	result := d.db.WithContext(ctx).Model(&models.MockVolume{}).
		Where("provider_volume_id = ?", providerVolumeID).
		Updates(map[string]interface{}{"deleted": true, "attached_to": ""})
	if result.Error != nil {
		return provider.NewError(provider.KindTransient, "delete_volume", result.Error)
	}
	return nil
}

// sweep finishes pending async deletes whose delay has passed.
func (d *Driver) sweep(ctx context.Context) error {
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).Model(&models.MockServer{}).
		Where("status = ? AND delete_after <= ?", "terminating", now).
		Updates(map[string]interface{}{"status": "terminated", "terminated_at": now})
	if result.Error != nil {
		return provider.NewError(provider.KindTransient, "sweep", result.Error)
	}
	return nil
}

func (d *Driver) servesZone(zone string) bool {
	for _, z := range d.zones {
		if z == zone {
			return true
		}
	}
	return false
}

func toDiscovered(s models.MockServer) *provider.DiscoveredInstance {
	return &provider.DiscoveredInstance{
		ProviderInstanceID: s.ProviderInstanceID,
		Zone:               s.Zone,
		InstanceType:       s.InstanceType,
		IPAddress:          s.IPAddress,
		Running:            s.Status == "running",
	}
}
