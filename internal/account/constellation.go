package account

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/wrale/oauth2-account-manager/internal/oauth"
)

// DeviceConfig describes the local device record
type DeviceConfig struct {
	Name         string
	Type         oauth.DeviceType
	Capabilities []oauth.DeviceCapability
}

// ConstellationState is the account's device list as last fetched
type ConstellationState struct {
	LocalDevice   *oauth.Device  `json:"local_device,omitempty"`
	RemoteDevices []oauth.Device `json:"remote_devices"`
}

// DeviceConstellation tracks the devices attached to the account.
// It is safe for concurrent use.
type DeviceConstellation struct {
	account *Account

	mu    sync.RWMutex
	state *ConstellationState
}

func newDeviceConstellation(a *Account) *DeviceConstellation {
	return &DeviceConstellation{account: a}
}

// InitDevice registers the local device
func (c *DeviceConstellation) InitDevice(ctx context.Context, name string, typ oauth.DeviceType, capabilities []oauth.DeviceCapability) error {
	if err := c.account.InitializeDevice(ctx, name, typ, capabilities); err != nil {
		return fmt.Errorf("initializing device: %w", err)
	}
	return nil
}

// EnsureCapabilities updates the local device's capabilities
func (c *DeviceConstellation) EnsureCapabilities(ctx context.Context, capabilities []oauth.DeviceCapability) error {
	if err := c.account.EnsureCapabilities(ctx, capabilities); err != nil {
		return fmt.Errorf("ensuring capabilities: %w", err)
	}
	return nil
}

// RefreshState refetches the device list
func (c *DeviceConstellation) RefreshState(ctx context.Context) error {
	devices, err := c.account.FetchDevices(ctx)
	if err != nil {
		return fmt.Errorf("fetching devices: %w", err)
	}

	state := &ConstellationState{RemoteDevices: []oauth.Device{}}
	for _, d := range devices {
		if d.IsCurrentDevice && state.LocalDevice == nil {
			local := d
			state.LocalDevice = &local
			continue
		}
		state.RemoteDevices = append(state.RemoteDevices, d)
	}

	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return nil
}

// State returns a copy of the last fetched device list, or nil before the first refresh
func (c *DeviceConstellation) State() *ConstellationState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == nil {
		return nil
	}
	out := &ConstellationState{RemoteDevices: slices.Clone(c.state.RemoteDevices)}
	if c.state.LocalDevice != nil {
		local := *c.state.LocalDevice
		out.LocalDevice = &local
	}
	return out
}

// pollCommands drains commands queued for the local device
func (c *DeviceConstellation) pollCommands(ctx context.Context) ([]oauth.DeviceCommand, error) {
	return c.account.PollDeviceCommands(ctx)
}

// HandlePushMessage decodes a push payload. A remote device disconnect is
// reflected in the cached state.
func (c *DeviceConstellation) HandlePushMessage(ctx context.Context, payload []byte) ([]oauth.AccountEvent, error) {
	events, err := c.account.HandlePushMessage(ctx, payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, ev := range events {
		if ev.Kind == oauth.EventDeviceDisconnected && !ev.IsLocalDevice && c.state != nil {
			c.state.RemoteDevices = slices.DeleteFunc(slices.Clone(c.state.RemoteDevices), func(d oauth.Device) bool {
				return d.ID == ev.DeviceID
			})
		}
	}
	c.mu.Unlock()

	return events, nil
}
