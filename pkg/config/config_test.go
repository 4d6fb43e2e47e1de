package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
chain:
  enabled: false
containers: []
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Port != 6379 {
		t.Fatalf("redis port default = %d, want 6379", cfg.Redis.Port)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("server port default = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Chain.SnapshotSync.BatchSize != 50 {
		t.Fatalf("batch size default = %d, want 50", cfg.Chain.SnapshotSync.BatchSize)
	}
}

func TestLoad_SubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_RPC_URL", "https://example.test/rpc")
	path := writeTempConfig(t, `
chain:
  enabled: true
  rpc_url: ${TEST_RPC_URL}
  registry_address: "0x0000000000000000000000000000000000000001"
  wallet:
    private_key: "deadbeef"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.RPCURL != "https://example.test/rpc" {
		t.Fatalf("rpc_url = %s, want substituted value", cfg.Chain.RPCURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_ManageContainersRequiresImage(t *testing.T) {
	cfg := &NodeConfig{
		ManageContainers: true,
		Containers:       []ContainerConfig{{ID: "a"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing image")
	}
}

func TestValidate_ChainEnabledRequiresFields(t *testing.T) {
	cfg := &NodeConfig{Chain: ChainConfig{Enabled: true}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for incomplete chain config")
	}
}
