package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

type Config struct {
	Chain    ChainConfig
	Server   ServerConfig
	Store    StoreConfig
	Redis    RedisConfig
	Claim    ClaimConfig
	Pricing  PricingConfig
	Upstream UpstreamConfig
	Admin    AdminConfig
	Oracle   OracleConfig
}

type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ChainID         int64  `mapstructure:"chain_id"`
	ContractAddress string `mapstructure:"contract_address"`
	TokenAddress    string `mapstructure:"token_address"`
	PrivateKey      string `mapstructure:"provider_private_key"`
	ReceiptWaitSec  int64  `mapstructure:"receipt_wait_sec"`
	MaxBackoffSec   int64  `mapstructure:"max_backoff_sec"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // redis | file
	Path   string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ClaimConfig struct {
	Threshold   string `mapstructure:"threshold"` // USDC base units
	IntervalSec int64  `mapstructure:"interval_sec"`
	Auto        bool   `mapstructure:"auto"`
}

// ThresholdUnits parses the claim threshold as USDC base units.
func (c ClaimConfig) ThresholdUnits() (*big.Int, error) {
	n, ok := new(big.Int).SetString(c.Threshold, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid CLAIM_THRESHOLD %q", c.Threshold)
	}
	return n, nil
}

type PricingConfig struct {
	Source        string                   `mapstructure:"source"` // static | chutes
	SourceURL     string                   `mapstructure:"source_url"`
	APIKey        string                   `mapstructure:"api_key"`
	MarkupPercent string                   `mapstructure:"markup_percent"`
	RefreshSec    int64                    `mapstructure:"refresh_sec"`
	Static        map[string]PriceOverride `mapstructure:"static"`
}

// PriceOverride replaces a built-in model price, in base units per 1k tokens.
type PriceOverride struct {
	Input  string `mapstructure:"input"`
	Output string `mapstructure:"output"`
}

type UpstreamConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	TimeoutSec int64  `mapstructure:"timeout_sec"`
}

type AdminConfig struct {
	Token           string `mapstructure:"token"`
	OperatorAddress string `mapstructure:"operator_address"`
}

type OracleConfig struct {
	CacheTTLMs    int64 `mapstructure:"cache_ttl_ms"`
	ReadTimeoutMs int64 `mapstructure:"read_timeout_ms"`
	ReadRetries   int   `mapstructure:"read_retries"`
}

func (o OracleConfig) CacheTTL() time.Duration {
	return time.Duration(o.CacheTTLMs) * time.Millisecond
}

func (o OracleConfig) ReadTimeout() time.Duration {
	return time.Duration(o.ReadTimeoutMs) * time.Millisecond
}

// staticPriceKeys maps config keys under pricing.static to model names.
// Model names contain dots, which viper treats as key separators.
var staticPriceKeys = map[string]string{
	"gpt4o":       "gpt-4o",
	"gpt4o_mini":  "gpt-4o-mini",
	"gpt4_turbo":  "gpt-4-turbo",
	"gpt35_turbo": "gpt-3.5-turbo",
}

// StaticOverrides returns price overrides keyed by model name.
func (p PricingConfig) StaticOverrides() map[string]PriceOverride {
	out := make(map[string]PriceOverride, len(p.Static))
	for key, o := range p.Static {
		if o.Input == "" && o.Output == "" {
			continue
		}
		model, ok := staticPriceKeys[key]
		if !ok {
			model = key
		}
		out[model] = o
	}
	return out
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("chain.chain_id", drain.ChainPolygon)
	v.SetDefault("chain.receipt_wait_sec", 120)
	v.SetDefault("chain.max_backoff_sec", 16)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.path", "./data/vouchers.json")
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("claim.threshold", "10000000")
	v.SetDefault("claim.interval_sec", 600)
	v.SetDefault("claim.auto", true)
	v.SetDefault("pricing.source", "static")
	v.SetDefault("pricing.markup_percent", "50")
	v.SetDefault("pricing.refresh_sec", 3600)
	v.SetDefault("upstream.base_url", "https://api.openai.com/v1")
	v.SetDefault("upstream.timeout_sec", 120)
	v.SetDefault("oracle.cache_ttl_ms", 5000)
	v.SetDefault("oracle.read_timeout_ms", 3000)
	v.SetDefault("oracle.read_retries", 2)

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
		"chain.rpc_url":              "RPC_URL",
		"chain.chain_id":             "CHAIN_ID",
		"chain.contract_address":     "DRAIN_CONTRACT",
		"chain.token_address":        "USDC_ADDRESS",
		"chain.provider_private_key": "PROVIDER_PRIVATE_KEY",
		"chain.receipt_wait_sec":     "RECEIPT_WAIT_SEC",
		"chain.max_backoff_sec":      "MAX_BACKOFF_SEC",
		"server.host":                "HOST",
		"server.port":                "PORT",
		"store.driver":               "STORE_DRIVER",
		"store.path":                 "STORAGE_PATH",
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"redis.db":                   "REDIS_DB",
		"claim.threshold":            "CLAIM_THRESHOLD",
		"claim.interval_sec":         "CLAIM_INTERVAL_SEC",
		"claim.auto":                 "AUTO_CLAIM",
		"pricing.source":             "PRICING_SOURCE",
		"pricing.source_url":         "PRICING_SOURCE_URL",
		"pricing.api_key":            "PRICING_API_KEY",
		"pricing.markup_percent":     "MARKUP_PERCENT",
		"pricing.refresh_sec":        "PRICING_REFRESH_SEC",
		"upstream.base_url":          "UPSTREAM_BASE_URL",
		"upstream.api_key":           "OPENAI_API_KEY",
		"upstream.timeout_sec":       "UPSTREAM_TIMEOUT_SEC",
		"admin.token":                "ADMIN_TOKEN",
		"admin.operator_address":     "OPERATOR_ADDRESS",
		"oracle.cache_ttl_ms":        "ORACLE_CACHE_TTL_MS",
		"oracle.read_timeout_ms":     "ORACLE_READ_TIMEOUT_MS",
		"oracle.read_retries":        "ORACLE_READ_RETRIES",
	}
	for key := range staticPriceKeys {
		env := "PRICE_" + strings.ToUpper(key)
		bindings["pricing.static."+key+".input"] = env + "_INPUT"
		bindings["pricing.static."+key+".output"] = env + "_OUTPUT"
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

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.PrivateKey, "PROVIDER_PRIVATE_KEY"},
		{c.Upstream.APIKey, "OPENAI_API_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	network, err := drain.ResolveNetwork(c.Chain.ChainID, c.Chain.ContractAddress, c.Chain.TokenAddress)
	if err != nil {
		return err
	}
	if c.Chain.RPCURL == "" {
		if network.RPCURL == "" {
			return fmt.Errorf("required config missing: RPC_URL")
		}
		c.Chain.RPCURL = network.RPCURL
	}
	if _, err := c.Claim.ThresholdUnits(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("required config missing: REDIS_ADDR")
		}
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("required config missing: STORAGE_PATH")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Pricing.Source {
	case "static":
	case "chutes":
		if c.Pricing.SourceURL == "" {
			return fmt.Errorf("required config missing: PRICING_SOURCE_URL")
		}
	default:
		return fmt.Errorf("unknown pricing source %q", c.Pricing.Source)
	}
	return nil
}
