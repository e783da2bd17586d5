package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	TEE         TEEConfig
	Chain       ChainConfig
	Store       StoreConfig
	Redis       RedisConfig
	Agent       AgentConfig
	Coordinator CoordinatorConfig
	Server      ServerConfig

	// DockerImage is the image the running process claims in its birth
	// certificate. Both binaries attest it.
	DockerImage string `mapstructure:"docker_image"`
	// DispatchKey, when set, is required on /play dispatches as the
	// X-Dispatch-Key header. Empty disables the check.
	DispatchKey string `mapstructure:"dispatch_key"`
}

type TEEConfig struct {
	Provider       string `mapstructure:"provider"`
	AttestationURL string `mapstructure:"attestation_url"`
	SigningURL     string `mapstructure:"signing_url"`
	PubkeyFile     string `mapstructure:"pubkey_file"`
	QuoteFile      string `mapstructure:"quote_file"`
	PCCSURL        string `mapstructure:"pccs_url"`
}

type ChainConfig struct {
	RPCURL   string `mapstructure:"rpc_url"`
	USDCMint string `mapstructure:"usdc_mint"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type AgentConfig struct {
	Name                   string `mapstructure:"name"`
	Endpoint               string `mapstructure:"endpoint"`
	CoordinatorURL         string `mapstructure:"coordinator_url"`
	Chatter                bool   `mapstructure:"chatter"`
	TopUpThresholdLamports uint64 `mapstructure:"topup_threshold_lamports"`
}

type CoordinatorConfig struct {
	MatchIntervalMS        int64  `mapstructure:"match_interval_ms"`
	MaxActive              int    `mapstructure:"max_active"`
	AllowlistMode          string `mapstructure:"allowlist_mode"`
	RTMR3Allowlist         string `mapstructure:"rtmr3_allowlist"`
	SecretAIKey            string `mapstructure:"secret_ai_key"`
	InventoryCmd           string `mapstructure:"inventory_cmd"`
	FundingLamports        uint64 `mapstructure:"funding_lamports"`
	TopUpLamports          uint64 `mapstructure:"topup_lamports"`
	TopUpThresholdLamports uint64 `mapstructure:"topup_threshold_lamports"`
	TopUpCooldownMS        int64  `mapstructure:"topup_cooldown_ms"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("tee.provider", "secretvm")
	v.SetDefault("tee.attestation_url", "https://localhost:29343/cpu.html")
	v.SetDefault("tee.signing_url", "http://localhost:29343/sign")
	v.SetDefault("tee.pubkey_file", "/app/tee-pubkey.pem")
	v.SetDefault("tee.quote_file", "/app/quote.txt")
	v.SetDefault("chain.usdc_mint", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "/app/data")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("coordinator.match_interval_ms", 60000)
	v.SetDefault("coordinator.max_active", 8)
	v.SetDefault("coordinator.allowlist_mode", "explicit")
	v.SetDefault("coordinator.funding_lamports", 5_000_000)
	v.SetDefault("coordinator.topup_lamports", 5_000_000)
	v.SetDefault("coordinator.topup_threshold_lamports", 1_000_000)
	v.SetDefault("coordinator.topup_cooldown_ms", 600_000)
	v.SetDefault("agent.topup_threshold_lamports", 1_000_000)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"tee.provider":                         "TEE_PROVIDER",
		"tee.attestation_url":                  "ATTESTATION_URL",
		"tee.signing_url":                      "SIGNING_URL",
		"tee.pubkey_file":                      "TEE_PUBKEY_FILE",
		"tee.quote_file":                       "QUOTE_FILE",
		"tee.pccs_url":                         "PCCS_URL",
		"chain.rpc_url":                        "RPC_URL",
		"chain.usdc_mint":                      "USDC_MINT",
		"store.backend":                        "STORE_BACKEND",
		"store.path":                           "STORE_PATH",
		"redis.addr":                           "REDIS_ADDR",
		"redis.password":                       "REDIS_PASSWORD",
		"agent.name":                           "AGENT_NAME",
		"agent.endpoint":                       "AGENT_ENDPOINT",
		"agent.coordinator_url":                "COORDINATOR_URL",
		"agent.chatter":                        "CHATTER",
		"agent.topup_threshold_lamports":       "TOPUP_THRESHOLD",
		"coordinator.match_interval_ms":        "MATCH_INTERVAL_MS",
		"coordinator.max_active":               "MAX_ACTIVE",
		"coordinator.allowlist_mode":           "ALLOWLIST_MODE",
		"coordinator.rtmr3_allowlist":          "RTMR3_ALLOWLIST",
		"coordinator.secret_ai_key":            "SECRET_AI_KEY",
		"coordinator.inventory_cmd":            "INVENTORY_CMD",
		"coordinator.funding_lamports":         "FUNDING_LAMPORTS",
		"coordinator.topup_lamports":           "TOPUP_LAMPORTS",
		"coordinator.topup_threshold_lamports": "TOPUP_THRESHOLD_LAMPORTS",
		"coordinator.topup_cooldown_ms":        "TOPUP_COOLDOWN_MS",
		"server.port":                          "PORT",
		"docker_image":                         "DOCKER_IMAGE",
		"dispatch_key":                         "DISPATCH_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadAgent loads the shared config and enforces the fields an agent
// process cannot run without.
func LoadAgent() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.validateAgent()
}

// LoadCoordinator loads the shared config and enforces the fields the
// coordinator process cannot run without.
func LoadCoordinator() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.validateCoordinator()
}

func (c *Config) validateAgent() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Agent.Name, "AGENT_NAME"},
		{c.Agent.Endpoint, "AGENT_ENDPOINT"},
		{c.Agent.CoordinatorURL, "COORDINATOR_URL"},
		{c.DockerImage, "DOCKER_IMAGE"},
		{c.Chain.RPCURL, "RPC_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return c.validateCommon()
}

func (c *Config) validateCoordinator() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("required config missing: RPC_URL")
	}
	if c.Coordinator.MaxActive <= 0 {
		return fmt.Errorf("MAX_ACTIVE must be positive")
	}
	switch c.Coordinator.AllowlistMode {
	case "explicit", "tofu", "open":
	default:
		return fmt.Errorf("unknown ALLOWLIST_MODE: %s", c.Coordinator.AllowlistMode)
	}
	if c.Coordinator.AllowlistMode == "explicit" && c.Coordinator.RTMR3Allowlist == "" {
		return fmt.Errorf("required config missing: RTMR3_ALLOWLIST (explicit allowlist mode)")
	}
	return c.validateCommon()
}

func (c *Config) validateCommon() error {
	switch c.TEE.Provider {
	case "secretvm", "mock":
	default:
		return fmt.Errorf("unknown TEE_PROVIDER: %s", c.TEE.Provider)
	}
	switch c.Store.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown STORE_BACKEND: %s", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR (redis store backend)")
	}
	return nil
}

// AllowlistValues splits the comma separated RTMR3_ALLOWLIST into
// normalized (lowercased, trimmed) entries.
func (c *Config) AllowlistValues() []string {
	if c.Coordinator.RTMR3Allowlist == "" {
		return nil
	}
	parts := strings.Split(c.Coordinator.RTMR3Allowlist, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
