// Package hcloud implements the Hetzner Cloud backend.
package hcloud

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/zulandar/roundhouse/internal/provider"
)

// instanceIDLabel ties a cloud server back to its control-plane row.
const instanceIDLabel = "roundhouse-instance-id"

// Driver talks to the Hetzner Cloud API. All servers it creates carry the
// ownership label, and List only returns servers matching it, so Roundhouse
// never touches resources it does not own.
type Driver struct {
	client     *hcloud.Client
	image      string
	labelKey   string
	labelValue string
}

// New returns a driver authenticated with token. label is the ownership
// label in "key=value" form.
func New(token, image, label string) (*Driver, error) {
	key, value, ok := strings.Cut(label, "=")
	if !ok || key == "" {
		return nil, fmt.Errorf("hcloud: label %q must be key=value", label)
	}
	return &Driver{
		client:     hcloud.NewClient(hcloud.WithToken(token)),
		image:      image,
		labelKey:   key,
		labelValue: value,
	}, nil
}

func (d *Driver) Name() string { return "hcloud" }

// classify maps an API error onto the retry taxonomy.
func classify(op string, err error) error {
	switch {
	case hcloud.IsError(err, hcloud.ErrorCodeNotFound):
		return provider.NewError(provider.KindNotFound, op, err)
	case hcloud.IsError(err, hcloud.ErrorCodeResourceUnavailable),
		hcloud.IsError(err, hcloud.ErrorCodeResourceLimitExceeded):
		return provider.NewError(provider.KindOutOfStock, op, err)
	case hcloud.IsError(err, hcloud.ErrorCodeUnauthorized),
		hcloud.IsError(err, hcloud.ErrorCodeForbidden),
		hcloud.IsError(err, hcloud.ErrorCodeInvalidInput):
		return provider.NewError(provider.KindPermanent, op, err)
	default:
		return provider.NewError(provider.KindTransient, op, err)
	}
}

func (d *Driver) Create(ctx context.Context, spec provider.CreateSpec) (*provider.Created, error) {
	opts := hcloud.ServerCreateOpts{
		Name:       "rh-" + spec.InstanceID[:8],
		ServerType: &hcloud.ServerType{Name: spec.InstanceType},
		Image:      &hcloud.Image{Name: d.image},
		Location:   &hcloud.Location{Name: spec.Zone},
		UserData:   spec.UserData,
		Labels: map[string]string{
			d.labelKey:      d.labelValue,
			instanceIDLabel: spec.InstanceID,
		},
	}
	result, _, err := d.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, classify("create", err)
	}

	created := &provider.Created{
		ProviderInstanceID: strconv.FormatInt(result.Server.ID, 10),
	}
	if result.Server.PublicNet.IPv4.IP != nil {
		created.IPAddress = result.Server.PublicNet.IPv4.IP.String()
	}
	return created, nil
}

func (d *Driver) Start(ctx context.Context, providerInstanceID string) error {
	server, err := d.getServer(ctx, providerInstanceID)
	if err != nil {
		return err
	}
	if server.Status == hcloud.ServerStatusRunning {
		return nil
	}
	if _, _, err := d.client.Server.Poweron(ctx, server); err != nil {
		return classify("start", err)
	}
	return nil
}

func (d *Driver) getServer(ctx context.Context, providerInstanceID string) (*hcloud.Server, error) {
	id, err := strconv.ParseInt(providerInstanceID, 10, 64)
	if err != nil {
		return nil, provider.NewError(provider.KindPermanent, "get",
			fmt.Errorf("bad server id %q: %w", providerInstanceID, err))
	}
	server, _, err := d.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, classify("get", err)
	}
	if server == nil {
		return nil, provider.NewError(provider.KindNotFound, "get",
			fmt.Errorf("server %s not found", providerInstanceID))
	}
	return server, nil
}

func (d *Driver) Get(ctx context.Context, providerInstanceID string) (*provider.DiscoveredInstance, error) {
	server, err := d.getServer(ctx, providerInstanceID)
	if err != nil {
		return nil, err
	}
	return toDiscovered(server), nil
}

func (d *Driver) Delete(ctx context.Context, providerInstanceID string) error {
	server, err := d.getServer(ctx, providerInstanceID)
	if provider.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, _, err := d.client.Server.DeleteWithResult(ctx, server); err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return nil
		}
		return classify("delete", err)
	}
	return nil
}

func (d *Driver) Reinstall(ctx context.Context, providerInstanceID string) error {
	server, err := d.getServer(ctx, providerInstanceID)
	if err != nil {
		return err
	}
	_, _, err = d.client.Server.Rebuild(ctx, server, hcloud.ServerRebuildOpts{
		Image: &hcloud.Image{Name: d.image},
	})
	if err != nil {
		return classify("reinstall", err)
	}
	return nil
}

func (d *Driver) List(ctx context.Context) ([]provider.DiscoveredInstance, error) {
	servers, err := d.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{
			LabelSelector: d.labelKey + "=" + d.labelValue,
		},
	})
	if err != nil {
		return nil, classify("list", err)
	}
	out := make([]provider.DiscoveredInstance, 0, len(servers))
	for _, s := range servers {
		out = append(out, *toDiscovered(s))
	}
	return out, nil
}

func (d *Driver) Catalog(ctx context.Context) ([]provider.CatalogItem, error) {
	types, err := d.client.ServerType.All(ctx)
	if err != nil {
		return nil, classify("catalog", err)
	}
	items := make([]provider.CatalogItem, 0, len(types))
	for _, t := range types {
		item := provider.CatalogItem{
			Code:     t.Name,
			CPUCount: t.Cores,
			RAMGB:    int(t.Memory),
		}
		if len(t.Pricings) > 0 {
			if hourly, err := strconv.ParseFloat(t.Pricings[0].Hourly.Gross, 64); err == nil {
				item.CostPerHour = hourly
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func (d *Driver) getVolume(ctx context.Context, providerVolumeID string) (*hcloud.Volume, error) {
	id, err := strconv.ParseInt(providerVolumeID, 10, 64)
	if err != nil {
		return nil, provider.NewError(provider.KindPermanent, "get_volume",
			fmt.Errorf("bad volume id %q: %w", providerVolumeID, err))
	}
	volume, _, err := d.client.Volume.GetByID(ctx, id)
	if err != nil {
		return nil, classify("get_volume", err)
	}
	if volume == nil {
		return nil, provider.NewError(provider.KindNotFound, "get_volume",
			fmt.Errorf("volume %s not found", providerVolumeID))
	}
	return volume, nil
}

func (d *Driver) CreateVolume(ctx context.Context, spec provider.VolumeSpec) (string, error) {
	result, _, err := d.client.Volume.Create(ctx, hcloud.VolumeCreateOpts{
		Name:     spec.Name,
		Size:     spec.SizeGB,
		Location: &hcloud.Location{Name: spec.Zone},
		Format:   hcloud.Ptr("ext4"),
		Labels: map[string]string{
			d.labelKey:      d.labelValue,
			instanceIDLabel: spec.InstanceID,
		},
	})
	if err != nil {
		return "", classify("create_volume", err)
	}
	return strconv.FormatInt(result.Volume.ID, 10), nil
}

func (d *Driver) AttachVolume(ctx context.Context, providerVolumeID, providerInstanceID string) error {
	volume, err := d.getVolume(ctx, providerVolumeID)
	if err != nil {
		return err
	}
	server, err := d.getServer(ctx, providerInstanceID)
	if err != nil {
		return err
	}
	if volume.Server != nil && volume.Server.ID == server.ID {
		return nil
	}
	_, _, err = d.client.Volume.AttachWithOpts(ctx, volume, hcloud.VolumeAttachOpts{
		Server:    server,
		Automount: hcloud.Ptr(true),
	})
	if err != nil {
		return classify("attach_volume", err)
	}
	return nil
}

func (d *Driver) DetachVolume(ctx context.Context, providerVolumeID string) error {
	volume, err := d.getVolume(ctx, providerVolumeID)
	if provider.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if volume.Server == nil {
		return nil
	}
	if _, _, err := d.client.Volume.Detach(ctx, volume); err != nil {
		return classify("detach_volume", err)
	}
	return nil
}

func (d *Driver) ResizeVolume(ctx context.Context, providerVolumeID string, sizeGB int) error {
	volume, err := d.getVolume(ctx, providerVolumeID)
	if err != nil {
		return err
	}
	if volume.Size >= sizeGB {
		return nil
	}
	if _, _, err := d.client.Volume.Resize(ctx, volume, sizeGB); err != nil {
		return classify("resize_volume", err)
	}
	return nil
}

func (d *Driver) DeleteVolume(ctx context.Context, providerVolumeID string) error {
	volume, err := d.getVolume(ctx, providerVolumeID)
	if provider.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if volume.Server != nil {
		if _, _, err := d.client.Volume.Detach(ctx, volume); err != nil {
			return classify("delete_volume", err)
		}
	}
	if _, err := d.client.Volume.Delete(ctx, volume); err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return nil
		}
		return classify("delete_volume", err)
	}
	return nil
}

func toDiscovered(s *hcloud.Server) *provider.DiscoveredInstance {
	d := &provider.DiscoveredInstance{
		ProviderInstanceID: strconv.FormatInt(s.ID, 10),
		Running:            s.Status == hcloud.ServerStatusRunning,
		Labels:             s.Labels,
	}
	if s.ServerType != nil {
		d.InstanceType = s.ServerType.Name
	}
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		d.Zone = s.Datacenter.Location.Name
	}
	if s.PublicNet.IPv4.IP != nil {
		d.IPAddress = s.PublicNet.IPv4.IP.String()
	}
	return d
}
