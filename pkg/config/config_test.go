package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
gateway:
  gateway_id: "somegateway"
keystore:
  backend: memory
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Gateway.WaitForGateway != DefaultWaitForGateway {
		t.Errorf("WaitForGateway = %v, want %v", c.Gateway.WaitForGateway, DefaultWaitForGateway)
	}
	if c.Gateway.ReconnectMaxAttempts != DefaultReconnectMaxAttempts {
		t.Errorf("ReconnectMaxAttempts = %d, want %d", c.Gateway.ReconnectMaxAttempts, DefaultReconnectMaxAttempts)
	}
	if c.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", c.Logging.Level)
	}
}

func TestLoadRejectsMissingGatewaySelection(t *testing.T) {
	path := writeTempConfig(t, `
keystore:
  backend: memory
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a config with no gateway selection method")
	}
}

func TestLoadRejectsDiskKeystoreWithoutPath(t *testing.T) {
	path := writeTempConfig(t, `
gateway:
  gateway_id: "somegateway"
keystore:
  backend: disk
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject disk backend without a path")
	}
}

func TestLoadRejectsUnknownKeystoreBackend(t *testing.T) {
	path := writeTempConfig(t, `
gateway:
  gateway_id: "somegateway"
keystore:
  backend: s3
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an unknown keystore backend")
	}
}

func TestLoadRejectsPostgresWithoutUser(t *testing.T) {
	path := writeTempConfig(t, `
gateway:
  gateway_id: "somegateway"
keystore:
  backend: memory
postgres:
  host: localhost
  dbname: veilmesh
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject postgres config without a user")
	}
}

func TestLoadRejectsInvalidLoggingLevel(t *testing.T) {
	path := writeTempConfig(t, `
gateway:
  gateway_id: "somegateway"
keystore:
  backend: memory
logging:
  level: verbose
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an invalid logging level")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected Load to fail for a missing file")
	}
}

func TestDefaultIsValidOnceGatewaySelected(t *testing.T) {
	c := Default()
	c.Gateway.GatewayID = "somegateway"
	c.Keystore.Backend = "memory"
	if err := c.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	c := Default()
	c.Gateway.GatewayID = "somegateway"
	c.Keystore.Backend = "memory"

	path := filepath.Join(t.TempDir(), "roundtrip.yaml")
	if err := WriteFile(c, path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Gateway.GatewayID != c.Gateway.GatewayID {
		t.Errorf("GatewayID = %q, want %q", loaded.Gateway.GatewayID, c.Gateway.GatewayID)
	}
}
