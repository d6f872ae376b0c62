package vpn

import (
	"context"
	"os"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/monitor"
	"grimm.is/hostguard/internal/zone"
)

// HealthChecker reports whether a connected zone's tunnel is alive.
type HealthChecker interface {
	Check(ctx context.Context, z zone.Zone) error
}

// WireGuardDevices looks up WireGuard devices.
type WireGuardDevices interface {
	Device(name string) (*wgtypes.Device, error)
}

// OpenWireGuard returns a wgctrl client. The caller closes it.
func OpenWireGuard() (*wgctrl.Client, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDegradedService, "failed to open wgctrl")
	}
	return c, nil
}

// ZoneHealth checks the tunnel interface through wgctrl when it is a
// WireGuard device, then pings the zone's health target if one is set.
type ZoneHealth struct {
	WireGuard WireGuardDevices
	Ping      monitor.Checker
	// MaxHandshakeAge fails a WireGuard tunnel whose newest peer handshake
	// is older than this. Zero disables the check.
	MaxHandshakeAge time.Duration
	Clock           clock.Clock
}

// Check implements HealthChecker.
func (h *ZoneHealth) Check(ctx context.Context, z zone.Zone) error {
	if z.VPN == nil {
		return nil
	}
	if h.WireGuard != nil && z.VPN.Interface != "" {
		if err := h.checkWireGuard(z.VPN.Interface, z.VPN.Kind == zone.VPNService); err != nil {
			return err
		}
	}
	if h.Ping != nil && z.VPN.HealthTarget != "" {
		if err := h.Ping.Check(ctx, z.VPN.HealthTarget); err != nil {
			return errors.Wrapf(err, errors.KindProcessFailure, "health target %s unreachable", z.VPN.HealthTarget)
		}
	}
	return nil
}

// checkWireGuard fails a missing device only for service zones; a process
// client's interface may not be WireGuard at all.
func (h *ZoneHealth) checkWireGuard(iface string, required bool) error {
	dev, err := h.WireGuard.Device(iface)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return errors.Wrapf(err, errors.KindProcessFailure, "wireguard device %s", iface)
	}
	if h.MaxHandshakeAge <= 0 || len(dev.Peers) == 0 {
		return nil
	}

	var newest time.Time
	for _, p := range dev.Peers {
		if p.LastHandshakeTime.After(newest) {
			newest = p.LastHandshakeTime
		}
	}
	if newest.IsZero() {
		return nil
	}
	if age := clock.OrReal(h.Clock).Since(newest); age > h.MaxHandshakeAge {
		return errors.Errorf(errors.KindProcessFailure, "wireguard %s: last handshake %s ago", iface, age.Round(time.Second))
	}
	return nil
}
