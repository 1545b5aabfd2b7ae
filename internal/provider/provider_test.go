package provider

import (
	"context"
	"errors"
	"testing"
)

type fakeDriver struct{ name string }

func (f *fakeDriver) Name() string { return f.name }
func (f *fakeDriver) Create(context.Context, CreateSpec) (*Created, error) {
	return nil, nil
}
func (f *fakeDriver) Start(context.Context, string) error                      { return nil }
func (f *fakeDriver) Get(context.Context, string) (*DiscoveredInstance, error) { return nil, nil }
func (f *fakeDriver) Delete(context.Context, string) error                     { return nil }
func (f *fakeDriver) Reinstall(context.Context, string) error                  { return nil }
func (f *fakeDriver) List(context.Context) ([]DiscoveredInstance, error)       { return nil, nil }
func (f *fakeDriver) Catalog(context.Context) ([]CatalogItem, error)           { return nil, nil }
func (f *fakeDriver) CreateVolume(context.Context, VolumeSpec) (string, error) { return "", nil }
func (f *fakeDriver) AttachVolume(context.Context, string, string) error       { return nil }
func (f *fakeDriver) DetachVolume(context.Context, string) error               { return nil }
func (f *fakeDriver) ResizeVolume(context.Context, string, int) error          { return nil }
func (f *fakeDriver) DeleteVolume(context.Context, string) error               { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeDriver{name: "mock"})
	r.Register(&fakeDriver{name: "hcloud"})

	d, err := r.Get("mock")
	if err != nil {
		t.Fatalf("Get(mock): %v", err)
	}
	if d.Name() != "mock" {
		t.Errorf("Name = %q, want mock", d.Name())
	}

	if _, err := r.Get("aws"); err == nil {
		t.Fatal("Get(aws) succeeded, want error")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "hcloud" || names[1] != "mock" {
		t.Errorf("Names = %v, want [hcloud mock]", names)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	nf := NewError(KindNotFound, "get", base)
	if !IsNotFound(nf) {
		t.Error("IsNotFound = false for not-found error")
	}
	if IsTransient(nf) {
		t.Error("IsTransient = true for not-found error")
	}

	oos := NewError(KindOutOfStock, "create", base)
	if !IsOutOfStock(oos) || !IsTransient(oos) {
		t.Error("out-of-stock should be both out-of-stock and transient")
	}

	perm := NewError(KindPermanent, "create", base)
	if IsTransient(perm) {
		t.Error("IsTransient = true for permanent error")
	}

	// Unclassified errors default to transient.
	if !IsTransient(base) {
		t.Error("IsTransient = false for plain error, want true")
	}
	if IsNotFound(base) {
		t.Error("IsNotFound = true for plain error")
	}

	// Unwrap reaches the base error.
	if !errors.Is(nf, base) {
		t.Error("errors.Is failed to unwrap")
	}
}
