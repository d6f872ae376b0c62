package brand

import (
	"testing"
)

func TestGet(t *testing.T) {
	b := Get()
	if b.Name == "" {
		t.Error("Brand name should not be empty")
	}
	if NFTTable == "" || RuleTag == "" {
		t.Error("firewall identifiers must be set")
	}
	if UserAgent() != Name+"/"+Version {
		t.Errorf("unexpected user agent %q", UserAgent())
	}
}

func TestGetDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "")

	if GetConfigDir() != DefaultConfigDir {
		t.Errorf("Expected default config dir %s, got %s", DefaultConfigDir, GetConfigDir())
	}
	if GetStateDir() != DefaultStateDir {
		t.Errorf("Expected default state dir %s, got %s", DefaultStateDir, GetStateDir())
	}

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/tmp/hostguard")
	if GetStateDir() != "/tmp/hostguard/state" {
		t.Errorf("Expected prefix state dir, got %s", GetStateDir())
	}

	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "/custom/config")
	if DefaultConfigPath() != "/custom/config/"+ConfigFileName {
		t.Errorf("unexpected config path %s", DefaultConfigPath())
	}
}
