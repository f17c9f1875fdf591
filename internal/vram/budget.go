// Package vram tracks per-device memory headroom and routes models to
// devices. Queries are read-through against the backend's running-model
// listing; nothing is cached across calls, so one attempt never counts a
// phantom allocation twice.
package vram

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"codesmith/internal/types"
)

// safetyGB is subtracted from every availability figure on top of the
// device's configured reservation.
const safetyGB = 1.0

// swapPreferenceGB is the size above which a model prefers the swap device
// on dual-GPU hosts.
const swapPreferenceGB = 10.0

// Budget answers fit and routing questions for the configured devices.
type Budget struct {
	backend types.InferenceBackend
	devices map[types.DeviceID]types.Device
	dual    bool
	logger  *zap.Logger
}

// New builds a budget over the device table. Dual routing activates when a
// swap device is present.
func New(backend types.InferenceBackend, devices []types.Device, logger *zap.Logger) *Budget {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := make(map[types.DeviceID]types.Device, len(devices))
	for _, d := range devices {
		table[d.ID] = d
	}
	_, dual := table[types.DeviceSwap]
	return &Budget{
		backend: backend,
		devices: table,
		dual:    dual,
		logger:  logger.Named("vram"),
	}
}

// Device returns the device record for an id.
func (b *Budget) Device(id types.DeviceID) (types.Device, bool) {
	d, ok := b.devices[id]
	return d, ok
}

// Port returns the backend port serving a device. Unknown devices fall back
// to the pinned port so callers always get something dialable.
func (b *Budget) Port(id types.DeviceID) int {
	if d, ok := b.devices[id]; ok {
		return d.Port
	}
	return b.devices[types.DevicePinned].Port
}

// AvailableOn reports the headroom on a device in gigabytes: capacity minus
// reservation minus everything currently resident minus the safety slack.
// Negative values mean the device is over-committed already.
func (b *Budget) AvailableOn(ctx context.Context, id types.DeviceID) (float64, error) {
	dev, ok := b.devices[id]
	if !ok {
		return 0, fmt.Errorf("vram: unknown device %q", id)
	}

	resident, err := b.backend.ListRunning(ctx, dev.Port)
	if err != nil {
		return 0, fmt.Errorf("vram: introspect device %s: %w", id, err)
	}

	used := 0.0
	for _, m := range resident {
		used += float64(m.VRAMBytes) / (1 << 30)
	}
	available := dev.CapacityGB - dev.ReservedGB - used - safetyGB
	b.logger.Debug("device headroom",
		zap.String("device", string(id)),
		zap.Float64("usedGb", used),
		zap.Float64("availableGb", available))
	return available, nil
}

// Fits reports whether the model can be placed on the device right now.
func (b *Budget) Fits(ctx context.Context, model types.ModelDescriptor, id types.DeviceID) (bool, error) {
	available, err := b.AvailableOn(ctx, id)
	if err != nil {
		return false, err
	}
	return model.SizeGB <= available, nil
}

// Route picks the device for a model. Dual-device hosts send anything above
// the swap-preference size to the swap device; smaller models stay pinned
// when they fit there, and spill to swap otherwise. Pinned residents are
// never evicted: a model that fits nowhere routes to swap and the selection
// layer rejects it via Fits.
func (b *Budget) Route(ctx context.Context, model types.ModelDescriptor) (types.DeviceID, error) {
	if !b.dual {
		return types.DevicePinned, nil
	}
	if model.SizeGB > swapPreferenceGB {
		return types.DeviceSwap, nil
	}
	fits, err := b.Fits(ctx, model, types.DevicePinned)
	if err != nil {
		return "", err
	}
	if fits {
		return types.DevicePinned, nil
	}
	return types.DeviceSwap, nil
}

// Placeable combines Route and Fits: the device the model should land on and
// whether it actually has room there.
func (b *Budget) Placeable(ctx context.Context, model types.ModelDescriptor) (types.DeviceID, bool, error) {
	device, err := b.Route(ctx, model)
	if err != nil {
		return "", false, err
	}
	fits, err := b.Fits(ctx, model, device)
	if err != nil {
		return device, false, err
	}
	return device, fits, nil
}
