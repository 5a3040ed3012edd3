// Package config loads CIS configuration from environment variables (prefixed
// CIS_) layered over built-in defaults, per spec §6. No config file is read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/eventbus"
)

// Config aggregates every section consumed by the daemon.
type Config struct {
	Node        NodeConfig           `mapstructure:"node"`
	Server      ServerConfig         `mapstructure:"server"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	Storage     StorageConfig        `mapstructure:"storage"`
	Security    SecurityConfig       `mapstructure:"security"`
	Federation  FederationConfig     `mapstructure:"federation"`
	P2P         P2PConfig            `mapstructure:"p2p"`
	WASM        WASMConfig           `mapstructure:"wasm"`
	NATS        eventbus.NATSConfig  `mapstructure:"nats"`
}

// NodeConfig identifies this node for DID derivation and federation.
type NodeConfig struct {
	ID                string `mapstructure:"id"`
	CredentialPrefix  string `mapstructure:"credentialPrefix"`
}

// ServerConfig holds the HTTP API listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig configures internal/common/logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StorageConfig controls where state is persisted.
type StorageConfig struct {
	Dir              string `mapstructure:"dir"`
	ContextStorePath string `mapstructure:"contextStorePath"`
	ACLPath          string `mapstructure:"aclPath"`
	ACLRulesPath     string `mapstructure:"aclRulesPath"`
	PeersPath        string `mapstructure:"peersPath"`
	PostgresDSN      string `mapstructure:"postgresDsn"`
}

// SecurityConfig holds ACL/session limits.
type SecurityConfig struct {
	MaxAgents           int `mapstructure:"maxAgents"`
	MaxScrollbackLines  int `mapstructure:"maxScrollbackLines"`
	DefaultMaxIdleSecs  int `mapstructure:"defaultMaxIdleSecs"`
	AuditRetentionDays  int `mapstructure:"auditRetentionDays"`
	RequireSignatures   bool `mapstructure:"requireSignatures"`
}

// FederationConfig configures the WebSocket transport and sync queue.
type FederationConfig struct {
	ListenPort      int `mapstructure:"listenPort"`
	MaxQueueSize    int `mapstructure:"maxQueueSize"`
	MaxRetries      int `mapstructure:"maxRetries"`
	BatchSize       int `mapstructure:"batchSize"`
	BatchTimeoutMs  int `mapstructure:"batchTimeoutMs"`
	WorkerCount     int `mapstructure:"workerCount"`
}

// P2PConfig configures bootstrap peers.
type P2PConfig struct {
	BootstrapNodes []string `mapstructure:"bootstrapNodes"`
}

// WASMConfig bounds the (out-of-core-scope) WASM host's resource limits.
type WASMConfig struct {
	MaxMemoryMB int `mapstructure:"maxMemoryMb"`
}

// Load reads configuration from CIS_-prefixed env vars overriding defaults.
// Integer-valued variables are validated; an invalid value produces a
// Configuration error naming the variable per spec §6.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindIntEnvs(v)

	if err := validateInts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, cerrors.Wrap(cerrors.KindConfiguration, "failed to unmarshal configuration", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("storage.dir", "./data")
	v.SetDefault("storage.contextStorePath", "./data/context.db")
	v.SetDefault("storage.aclPath", "./data/acl.yaml")
	v.SetDefault("storage.aclRulesPath", "./data/acl-rules.yaml")
	v.SetDefault("storage.peersPath", "./data/peers.yaml")

	v.SetDefault("security.maxAgents", 10)
	v.SetDefault("security.maxScrollbackLines", 10000)
	v.SetDefault("security.defaultMaxIdleSecs", 300)
	v.SetDefault("security.auditRetentionDays", 90)
	v.SetDefault("security.requireSignatures", true)

	v.SetDefault("federation.listenPort", 6768)
	v.SetDefault("federation.maxQueueSize", 10000)
	v.SetDefault("federation.maxRetries", 5)
	v.SetDefault("federation.batchSize", 20)
	v.SetDefault("federation.batchTimeoutMs", 500)
	v.SetDefault("federation.workerCount", 4)

	v.SetDefault("node.credentialPrefix", "CIS_")

	v.SetDefault("wasm.maxMemoryMb", 256)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cisd")
	v.SetDefault("nats.maxReconnects", 10)
}

// intEnvVars enumerates the integer-valued CIS_* variables validated at load.
var intEnvVars = []string{
	"CIS_SERVER_PORT", "CIS_SERVER_READTIMEOUT", "CIS_SERVER_WRITETIMEOUT",
	"CIS_SECURITY_MAXAGENTS", "CIS_SECURITY_MAXSCROLLBACKLINES",
	"CIS_SECURITY_DEFAULTMAXIDLESECS", "CIS_SECURITY_AUDITRETENTIONDAYS",
	"CIS_FEDERATION_LISTENPORT", "CIS_FEDERATION_MAXQUEUESIZE",
	"CIS_FEDERATION_MAXRETRIES", "CIS_FEDERATION_BATCHSIZE",
	"CIS_FEDERATION_BATCHTIMEOUTMS", "CIS_FEDERATION_WORKERCOUNT",
	"CIS_WASM_MAXMEMORYMB",
}

func bindIntEnvs(v *viper.Viper) {
	for _, name := range intEnvVars {
		_ = v.BindEnv(strings.ToLower(strings.TrimPrefix(name, "CIS_")))
	}
}

func validateInts(v *viper.Viper) error {
	for _, name := range intEnvVars {
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			continue
		}
		if _, err := strconv.Atoi(raw); err != nil {
			return cerrors.Wrap(cerrors.KindConfiguration, fmt.Sprintf("invalid %s: expected an integer, got %q", name, raw), err)
		}
	}
	return nil
}
