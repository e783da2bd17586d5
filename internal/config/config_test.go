package config

import (
	"strings"
	"testing"
)

// boundEnv is every variable Load binds. Tests blank them all first so
// ambient values cannot leak into assertions; viper treats an empty
// variable as unset and falls back to the default.
var boundEnv = []string{
	"TEE_PROVIDER", "ATTESTATION_URL", "SIGNING_URL", "TEE_PUBKEY_FILE",
	"QUOTE_FILE", "PCCS_URL", "RPC_URL", "USDC_MINT", "STORE_BACKEND",
	"STORE_PATH", "REDIS_ADDR", "REDIS_PASSWORD", "AGENT_NAME",
	"AGENT_ENDPOINT", "COORDINATOR_URL", "CHATTER", "TOPUP_THRESHOLD",
	"MATCH_INTERVAL_MS", "MAX_ACTIVE", "ALLOWLIST_MODE", "RTMR3_ALLOWLIST",
	"SECRET_AI_KEY", "INVENTORY_CMD", "FUNDING_LAMPORTS", "TOPUP_LAMPORTS",
	"TOPUP_THRESHOLD_LAMPORTS", "TOPUP_COOLDOWN_MS", "PORT", "DOCKER_IMAGE",
	"DISPATCH_KEY",
}

func scrubEnv(t *testing.T) {
	t.Helper()
	for _, key := range boundEnv {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	scrubEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.TEE.Provider != "secretvm" {
		t.Errorf("TEE.Provider = %q, want secretvm", cfg.TEE.Provider)
	}
	if cfg.Chain.USDCMint != "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v" {
		t.Errorf("Chain.USDCMint = %q", cfg.Chain.USDCMint)
	}
	if cfg.Store.Backend != "file" || cfg.Store.Path != "/app/data" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q, want redis:6379", cfg.Redis.Addr)
	}
	if cfg.Coordinator.MatchIntervalMS != 60000 {
		t.Errorf("MatchIntervalMS = %d, want 60000", cfg.Coordinator.MatchIntervalMS)
	}
	if cfg.Coordinator.MaxActive != 8 {
		t.Errorf("MaxActive = %d, want 8", cfg.Coordinator.MaxActive)
	}
	if cfg.Coordinator.AllowlistMode != "explicit" {
		t.Errorf("AllowlistMode = %q, want explicit", cfg.Coordinator.AllowlistMode)
	}
	if cfg.Coordinator.FundingLamports != 5_000_000 {
		t.Errorf("FundingLamports = %d, want 5000000", cfg.Coordinator.FundingLamports)
	}
	if cfg.Coordinator.TopUpLamports != 5_000_000 {
		t.Errorf("TopUpLamports = %d, want 5000000", cfg.Coordinator.TopUpLamports)
	}
	if cfg.Coordinator.TopUpThresholdLamports != 1_000_000 {
		t.Errorf("TopUpThresholdLamports = %d, want 1000000", cfg.Coordinator.TopUpThresholdLamports)
	}
	if cfg.Coordinator.TopUpCooldownMS != 600_000 {
		t.Errorf("TopUpCooldownMS = %d, want 600000", cfg.Coordinator.TopUpCooldownMS)
	}
	if cfg.Agent.TopUpThresholdLamports != 1_000_000 {
		t.Errorf("Agent.TopUpThresholdLamports = %d, want 1000000", cfg.Agent.TopUpThresholdLamports)
	}
}

func TestLoadEnvBindings(t *testing.T) {
	scrubEnv(t)
	t.Setenv("AGENT_NAME", "alice")
	t.Setenv("AGENT_ENDPOINT", "http://10.0.0.5:8081")
	t.Setenv("COORDINATOR_URL", "http://coordinator:8080")
	t.Setenv("CHATTER", "true")
	t.Setenv("TOPUP_THRESHOLD", "777")
	t.Setenv("DOCKER_IMAGE", "proofofflip/agent@sha256:abc")
	t.Setenv("DISPATCH_KEY", "sesame")
	t.Setenv("RPC_URL", "https://api.mainnet-beta.solana.com")
	t.Setenv("USDC_MINT", "So11111111111111111111111111111111111111112")
	t.Setenv("TEE_PROVIDER", "mock")
	t.Setenv("PCCS_URL", "https://pccs.example/tdx/certification/v4")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("MATCH_INTERVAL_MS", "1500")
	t.Setenv("MAX_ACTIVE", "3")
	t.Setenv("ALLOWLIST_MODE", "tofu")
	t.Setenv("RTMR3_ALLOWLIST", "aa,bb")
	t.Setenv("SECRET_AI_KEY", "sai-123")
	t.Setenv("INVENTORY_CMD", "secretvm-cli vm ls")
	t.Setenv("FUNDING_LAMPORTS", "123")
	t.Setenv("TOPUP_LAMPORTS", "456")
	t.Setenv("TOPUP_THRESHOLD_LAMPORTS", "789")
	t.Setenv("TOPUP_COOLDOWN_MS", "9000")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Agent.Name != "alice" || cfg.Agent.Endpoint != "http://10.0.0.5:8081" {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Agent.CoordinatorURL != "http://coordinator:8080" {
		t.Errorf("CoordinatorURL = %q", cfg.Agent.CoordinatorURL)
	}
	if !cfg.Agent.Chatter {
		t.Error("Chatter = false, want true")
	}
	if cfg.Agent.TopUpThresholdLamports != 777 {
		t.Errorf("Agent.TopUpThresholdLamports = %d, want 777", cfg.Agent.TopUpThresholdLamports)
	}
	if cfg.DockerImage != "proofofflip/agent@sha256:abc" {
		t.Errorf("DockerImage = %q", cfg.DockerImage)
	}
	if cfg.DispatchKey != "sesame" {
		t.Errorf("DispatchKey = %q", cfg.DispatchKey)
	}
	if cfg.Chain.RPCURL != "https://api.mainnet-beta.solana.com" {
		t.Errorf("Chain.RPCURL = %q", cfg.Chain.RPCURL)
	}
	if cfg.Chain.USDCMint != "So11111111111111111111111111111111111111112" {
		t.Errorf("Chain.USDCMint = %q", cfg.Chain.USDCMint)
	}
	if cfg.TEE.Provider != "mock" {
		t.Errorf("TEE.Provider = %q, want mock", cfg.TEE.Provider)
	}
	if cfg.TEE.PCCSURL != "https://pccs.example/tdx/certification/v4" {
		t.Errorf("TEE.PCCSURL = %q", cfg.TEE.PCCSURL)
	}
	if cfg.Store.Backend != "redis" || cfg.Redis.Addr != "cache:6380" || cfg.Redis.Password != "hunter2" {
		t.Errorf("Store = %+v, Redis = %+v", cfg.Store, cfg.Redis)
	}
	if cfg.Coordinator.MatchIntervalMS != 1500 || cfg.Coordinator.MaxActive != 3 {
		t.Errorf("Coordinator = %+v", cfg.Coordinator)
	}
	if cfg.Coordinator.AllowlistMode != "tofu" || cfg.Coordinator.RTMR3Allowlist != "aa,bb" {
		t.Errorf("allowlist config = %q / %q", cfg.Coordinator.AllowlistMode, cfg.Coordinator.RTMR3Allowlist)
	}
	if cfg.Coordinator.SecretAIKey != "sai-123" {
		t.Errorf("SecretAIKey = %q", cfg.Coordinator.SecretAIKey)
	}
	if cfg.Coordinator.InventoryCmd != "secretvm-cli vm ls" {
		t.Errorf("InventoryCmd = %q", cfg.Coordinator.InventoryCmd)
	}
	if cfg.Coordinator.FundingLamports != 123 || cfg.Coordinator.TopUpLamports != 456 {
		t.Errorf("funding knobs = %d / %d", cfg.Coordinator.FundingLamports, cfg.Coordinator.TopUpLamports)
	}
	if cfg.Coordinator.TopUpThresholdLamports != 789 || cfg.Coordinator.TopUpCooldownMS != 9000 {
		t.Errorf("top-up knobs = %d / %d", cfg.Coordinator.TopUpThresholdLamports, cfg.Coordinator.TopUpCooldownMS)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoadAgentRequiredFields(t *testing.T) {
	required := []string{"AGENT_NAME", "AGENT_ENDPOINT", "COORDINATOR_URL", "DOCKER_IMAGE", "RPC_URL"}

	setAll := func(t *testing.T) {
		t.Setenv("AGENT_NAME", "alice")
		t.Setenv("AGENT_ENDPOINT", "http://10.0.0.5:8081")
		t.Setenv("COORDINATOR_URL", "http://coordinator:8080")
		t.Setenv("DOCKER_IMAGE", "proofofflip/agent@sha256:abc")
		t.Setenv("RPC_URL", "https://rpc.example")
	}

	t.Run("complete", func(t *testing.T) {
		scrubEnv(t)
		setAll(t)
		if _, err := LoadAgent(); err != nil {
			t.Fatalf("LoadAgent() error: %v", err)
		}
	})

	for _, missing := range required {
		t.Run("missing "+missing, func(t *testing.T) {
			scrubEnv(t)
			setAll(t)
			t.Setenv(missing, "")
			_, err := LoadAgent()
			if err == nil {
				t.Fatalf("LoadAgent() succeeded without %s", missing)
			}
			if !strings.Contains(err.Error(), missing) {
				t.Fatalf("error %q does not name %s", err, missing)
			}
		})
	}
}

func TestLoadCoordinatorChecks(t *testing.T) {
	base := func(t *testing.T) {
		scrubEnv(t)
		t.Setenv("RPC_URL", "https://rpc.example")
		t.Setenv("ALLOWLIST_MODE", "open")
	}

	t.Run("complete", func(t *testing.T) {
		base(t)
		if _, err := LoadCoordinator(); err != nil {
			t.Fatalf("LoadCoordinator() error: %v", err)
		}
	})

	t.Run("missing rpc url", func(t *testing.T) {
		base(t)
		t.Setenv("RPC_URL", "")
		_, err := LoadCoordinator()
		if err == nil || !strings.Contains(err.Error(), "RPC_URL") {
			t.Fatalf("err = %v, want RPC_URL complaint", err)
		}
	})

	t.Run("non-positive max active", func(t *testing.T) {
		base(t)
		t.Setenv("MAX_ACTIVE", "0")
		_, err := LoadCoordinator()
		if err == nil || !strings.Contains(err.Error(), "MAX_ACTIVE") {
			t.Fatalf("err = %v, want MAX_ACTIVE complaint", err)
		}
	})

	t.Run("unknown allowlist mode", func(t *testing.T) {
		base(t)
		t.Setenv("ALLOWLIST_MODE", "banana")
		_, err := LoadCoordinator()
		if err == nil || !strings.Contains(err.Error(), "ALLOWLIST_MODE") {
			t.Fatalf("err = %v, want ALLOWLIST_MODE complaint", err)
		}
	})

	t.Run("explicit mode needs seeds", func(t *testing.T) {
		base(t)
		t.Setenv("ALLOWLIST_MODE", "explicit")
		_, err := LoadCoordinator()
		if err == nil || !strings.Contains(err.Error(), "RTMR3_ALLOWLIST") {
			t.Fatalf("err = %v, want RTMR3_ALLOWLIST complaint", err)
		}
	})

	t.Run("explicit mode with seeds", func(t *testing.T) {
		base(t)
		t.Setenv("ALLOWLIST_MODE", "explicit")
		t.Setenv("RTMR3_ALLOWLIST", "aa,bb")
		if _, err := LoadCoordinator(); err != nil {
			t.Fatalf("LoadCoordinator() error: %v", err)
		}
	})
}

func TestValidateCommon(t *testing.T) {
	valid := Config{}
	valid.TEE.Provider = "mock"
	valid.Store.Backend = "file"

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"secretvm provider", func(c *Config) { c.TEE.Provider = "secretvm" }, ""},
		{"unknown provider", func(c *Config) { c.TEE.Provider = "sgx" }, "TEE_PROVIDER"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "s3" }, "STORE_BACKEND"},
		{"redis backend without addr", func(c *Config) { c.Store.Backend = "redis" }, "REDIS_ADDR"},
		{"redis backend with addr", func(c *Config) {
			c.Store.Backend = "redis"
			c.Redis.Addr = "cache:6379"
		}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.validateCommon()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("validateCommon() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %s complaint", err, tc.wantErr)
			}
		})
	}
}

func TestAllowlistValues(t *testing.T) {
	cfg := Config{}
	if got := cfg.AllowlistValues(); got != nil {
		t.Fatalf("AllowlistValues() on empty config = %v, want nil", got)
	}

	cfg.Coordinator.RTMR3Allowlist = " A , b ,, C3 "
	got := cfg.AllowlistValues()
	want := []string{"a", "b", "c3"}
	if len(got) != len(want) {
		t.Fatalf("AllowlistValues() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AllowlistValues()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
