package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/zone"
)

const fullConfig = `
log_level = "debug"
state_dir = env.HG_STATE

api {
  listen = "0.0.0.0:9000"
}

collector {
  interval  = "2s"
  conntrack = true
}

security {
  allow_list = ["10.0.0.0/8", "192.0.2.7"]

  rate_limit {
    max    = 5
    window = "60s"

    endpoint "ssh" {
      max    = 3
      window = "30s"
    }
  }

  geoip {
    enabled           = true
    database          = "/var/lib/geoip/country.mmdb"
    blocked_countries = ["ru", "KP"]
  }

  reputation {
    enabled   = true
    threshold = 70

    feed "firehol" {
      url   = "https://example.net/firehol_level1.netset"
      score = 90
    }
  }

  port_knock {
    enabled         = true
    sequence        = [7000, 8000, 9000]
    protected_ports = [22]
  }

  ids {
    disabled_rules = ["port_scan"]
  }
}

vpn {
  stop_grace        = "5s"
  max_handshake_age = "3m"
}

enforcer {
  backend = "memory"
}

zone "corp" {
  name     = "Corporate VPN"
  networks = ["10.8.0.0/24"]

  vpn {
    executable = "/usr/sbin/openvpn"
    config     = "/etc/openvpn/corp.conf"
    interface  = "tun0"
    endpoints  = ["198.51.100.10:1194/udp"]
    kill_switch = true

    split_tunnel {
      mode   = "include"
      routes = ["10.0.0.0/8", "172.16.5.4"]
    }
  }
}

zone "lan" {
  networks = ["192.168.0.0/16"]
  enabled  = false
}
`

func TestLoadBytes_Full(t *testing.T) {
	cfg, err := LoadBytes([]byte(fullConfig), "hostguard.hcl", []string{"HG_STATE=/tmp/hg", "IGNORED"})
	require.NoError(t, err)

	assert.Equal(t, logging.LevelDebug, cfg.Level())
	assert.Equal(t, "/tmp/hg", cfg.StateDir)
	assert.Equal(t, filepath.Join("/tmp/hg", "state.db"), cfg.StatePath())
	assert.True(t, cfg.APIEnabled())
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Listen)

	col := cfg.ToCollector()
	assert.Equal(t, 2*time.Second, col.Interval)
	assert.Equal(t, 500*time.Millisecond, col.Timeout)
	assert.True(t, cfg.Collector.Conntrack)

	sec := cfg.ToSecurity()
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.0.2.7/32")}, sec.AllowList)
	assert.True(t, sec.RateLimit.Enabled)
	assert.Equal(t, 5, sec.RateLimit.Default.Max)
	assert.Equal(t, 30*time.Second, sec.RateLimit.Endpoints["ssh"].Window)
	assert.Equal(t, []string{"RU", "KP"}, sec.Geo.BlockedCountries)
	assert.Equal(t, time.Hour, sec.Geo.CacheTTL)
	require.Len(t, sec.Reputation.Feeds, 1)
	assert.Equal(t, 90, sec.Reputation.Feeds[0].Score)
	assert.Equal(t, 70, sec.Reputation.Threshold)
	assert.Equal(t, []uint16{7000, 8000, 9000}, sec.Knock.Sequence)
	assert.Equal(t, []uint16{22}, sec.Knock.ProtectedPorts)
	assert.Equal(t, 10*time.Second, sec.Knock.Timeout)
	assert.True(t, sec.IDS.Enabled)
	assert.Equal(t, []string{"port_scan"}, sec.IDS.Disabled)

	v := cfg.ToVPN()
	assert.Equal(t, 5*time.Second, v.StopGrace)
	assert.Equal(t, 30*time.Second, v.ReadyTimeout)
	assert.Equal(t, 3, v.HealthFailures)
	assert.Equal(t, 3*time.Minute, cfg.MaxHandshakeAge())
	assert.Equal(t, 10*time.Second, cfg.CommitTimeout())
	assert.Equal(t, "memory", cfg.Enforcer.Backend)

	zones := cfg.ToZones()
	require.Len(t, zones, 2)
	corp := zones[0]
	assert.True(t, corp.Enabled)
	require.NotNil(t, corp.VPN)
	assert.Equal(t, "/etc/openvpn/corp.conf", corp.VPN.ConfigPath)
	assert.Equal(t, zone.SplitInclude, corp.VPN.SplitMode)
	assert.Equal(t, []string{"10.0.0.0/8", "172.16.5.4"}, corp.VPN.Routes)
	assert.True(t, corp.VPN.KillSwitch)
	assert.False(t, zones[1].Enabled)
	assert.Nil(t, zones[1].VPN)
}

func TestLoadBytes_Defaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(``), "empty.hcl", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.API.Listen)
	assert.Equal(t, DefaultAlertCapacity, cfg.Alerts.Capacity)
	assert.Equal(t, "nftables", cfg.Enforcer.Backend)
	assert.Empty(t, cfg.ToZones())
	assert.Zero(t, cfg.MaxHandshakeAge())

	sec := cfg.ToSecurity()
	assert.Equal(t, 100, sec.RateLimit.Default.Max)
	assert.Equal(t, 60*time.Second, sec.RateLimit.Default.Window)
	assert.Equal(t, []uint16{1000, 2000, 3000}, sec.Knock.Sequence)
	assert.Equal(t, time.Hour, sec.Reputation.Interval)
	assert.Equal(t, []uint16{22, 23, 3389, 5900}, sec.IDS.SuspiciousPorts)
	assert.False(t, sec.Geo.Enabled)
}

func TestLoadBytes_ValidationListsEveryProblem(t *testing.T) {
	src := `
log_level = "loud"

collector {
  interval = "soon"
}

security {
  allow_list = ["not-an-ip"]
  geoip {
    enabled = true
  }
  reputation {
    feed "bad" {
      url = "ftp://example.net/list"
    }
  }
  port_knock {
    sequence = [0, 70000]
  }
}

enforcer {
  backend = "iptables"
}

zone "vpn" {
  vpn {
    kill_switch = true
  }
}

zone "vpn" {}
`
	_, err := LoadBytes([]byte(src), "bad.hcl", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	problems, _ := errors.GetAttributes(err)["problems"].([]string)
	joined := err.Error()
	for _, want := range []string{
		"log_level",
		"collector.interval",
		"allow_list",
		"geoip.database",
		"feed \"bad\"",
		"port number: 0",
		"port number: 70000",
		"enforcer.backend",
		"defined more than once",
		"executable or config_path",
		"interface is required",
	} {
		assert.Contains(t, joined, want)
	}
	assert.GreaterOrEqual(t, len(problems), 10)
}

func TestLoadBytes_SyntaxError(t *testing.T) {
	_, err := LoadBytes([]byte(`zone "x" {`), "broken.hcl", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = LoadBytes([]byte(`unknown_block {}`), "unknown.hcl", nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = LoadBytes([]byte(`state_dir = env.MISSING`), "env.hcl", []string{"OTHER=1"})
	assert.Error(t, err, "unknown env variables are decode errors")
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostguard.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "warn"`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, cfg.Level())

	_, err = Load(filepath.Join(dir, "missing.hcl"))
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestDefault_Validates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
