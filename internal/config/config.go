package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL          MySQLConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Migrate        bool
	HTTPAddr       string
	BootstrapKey   string
	ACME           ACMEConfig
	DNS            DNSConfig
	Hosting        HostingConfig
	Issuance       IssuanceConfig
	WorkflowWorker WorkflowWorkerConfig
	Renewal        RenewalConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// ACMEConfig holds ACME directory/account configuration
type ACMEConfig struct {
	DirectoryURL   string
	Email          string
	AccountKeyPath string
}

// DNSConfig holds managed-DNS API and verification configuration
type DNSConfig struct {
	APIBase   string
	APIToken  string
	Resolvers []string // host:port of public resolvers used for TXT verification
	RecordTTL int      // TTL forced onto challenge TXT record sets
}

// HostingConfig holds hosting control API configuration
type HostingConfig struct {
	APIBase  string
	APIToken string
	MTLS     MTLSConfig
}

// MTLSConfig holds mTLS configuration for the hosting API client
type MTLSConfig struct {
	Enabled    bool
	ClientCert string
	ClientKey  string
	CACert     string
}

// IssuanceConfig holds issuance pipeline tuning
type IssuanceConfig struct {
	BundlePassword    string
	PollMaxAttempts   int
	PollIntervalSec   int
	VerifyMaxAttempts int
	VerifyIntervalSec int
}

// WorkflowWorkerConfig holds workflow worker configuration
type WorkflowWorkerConfig struct {
	Enabled     bool
	IntervalSec int
	BatchSize   int
	LeaseSec    int
}

// RenewalConfig holds renewal scanner configuration
type RenewalConfig struct {
	Enabled        bool
	IntervalSec    int
	BeforeDays     int
	ResourceGroups []string
	IssuerMatch    string
}

// Load loads configuration from environment variables.
// If CONFIG_FILE points at an INI file, values are read with
// priority ENV > INI > default.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	if iniPath := os.Getenv("CONFIG_FILE"); iniPath != "" {
		return LoadFromINI(iniPath)
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "go_certops"),
		},
		Migrate:      getEnv("MIGRATE", "0") == "1",
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		BootstrapKey: getEnv("BOOTSTRAP_KEY", ""),
		ACME: ACMEConfig{
			DirectoryURL:   getEnv("ACME_DIRECTORY_URL", "https://acme-v02.api.letsencrypt.org/directory"),
			Email:          getEnv("ACME_EMAIL", ""),
			AccountKeyPath: getEnv("ACME_ACCOUNT_KEY_PATH", "acme_account.pem"),
		},
		DNS: DNSConfig{
			APIBase:   getEnv("DNS_API_BASE", ""),
			APIToken:  getEnv("DNS_API_TOKEN", ""),
			Resolvers: getEnvList("DNS_RESOLVERS", "8.8.8.8:53,1.1.1.1:53"),
			RecordTTL: getEnvInt("DNS_RECORD_TTL", 60),
		},
		Hosting: HostingConfig{
			APIBase:  getEnv("HOSTING_API_BASE", ""),
			APIToken: getEnv("HOSTING_API_TOKEN", ""),
			MTLS: MTLSConfig{
				Enabled:    getEnv("HOSTING_MTLS_ENABLED", "0") == "1",
				ClientCert: getEnv("HOSTING_CLIENT_CERT", ""),
				ClientKey:  getEnv("HOSTING_CLIENT_KEY", ""),
				CACert:     getEnv("HOSTING_CA_CERT", ""),
			},
		},
		Issuance: IssuanceConfig{
			BundlePassword:    getEnv("ISSUANCE_BUNDLE_PASSWORD", ""),
			PollMaxAttempts:   getEnvInt("ISSUANCE_POLL_MAX_ATTEMPTS", 10),
			PollIntervalSec:   getEnvInt("ISSUANCE_POLL_INTERVAL_SEC", 15),
			VerifyMaxAttempts: getEnvInt("ISSUANCE_VERIFY_MAX_ATTEMPTS", 12),
			VerifyIntervalSec: getEnvInt("ISSUANCE_VERIFY_INTERVAL_SEC", 10),
		},
		WorkflowWorker: WorkflowWorkerConfig{
			Enabled:     getEnv("WORKFLOW_WORKER_ENABLED", "1") == "1",
			IntervalSec: getEnvInt("WORKFLOW_WORKER_INTERVAL_SEC", 5),
			BatchSize:   getEnvInt("WORKFLOW_WORKER_BATCH_SIZE", 10),
			LeaseSec:    getEnvInt("WORKFLOW_WORKER_LEASE_SEC", 300),
		},
		Renewal: RenewalConfig{
			Enabled:        getEnv("RENEWAL_ENABLED", "0") == "1",
			IntervalSec:    getEnvInt("RENEWAL_INTERVAL_SEC", 3600),
			BeforeDays:     getEnvInt("RENEWAL_BEFORE_DAYS", 30),
			ResourceGroups: getEnvList("RENEWAL_RESOURCE_GROUPS", ""),
			IssuerMatch:    getEnv("RENEWAL_ISSUER_MATCH", "Let's Encrypt"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	return splitList(getEnv(key, defaultValue))
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.ACME.Email == "" {
		return fmt.Errorf("ACME_EMAIL is required")
	}
	if cfg.DNS.APIBase == "" {
		return fmt.Errorf("DNS_API_BASE is required")
	}
	if cfg.Hosting.APIBase == "" {
		return fmt.Errorf("HOSTING_API_BASE is required")
	}
	if cfg.Issuance.BundlePassword == "" {
		return fmt.Errorf("ISSUANCE_BUNDLE_PASSWORD is required")
	}
	return nil
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	// Load INI file
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Helper function: get value with priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		// Priority 2: INI file
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		// Priority 3: Default value
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		// Priority 2: INI file
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		// Priority 3: Default value
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		// Priority 2: INI file
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		// Priority 3: Default value
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "go_certops"),
		},
		Migrate:      getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr:     getValue("HTTP_ADDR", "http", "addr", ":8080"),
		BootstrapKey: getValue("BOOTSTRAP_KEY", "app", "bootstrap_key", ""),
		ACME: ACMEConfig{
			DirectoryURL:   getValue("ACME_DIRECTORY_URL", "acme", "directory_url", "https://acme-v02.api.letsencrypt.org/directory"),
			Email:          getValue("ACME_EMAIL", "acme", "email", ""),
			AccountKeyPath: getValue("ACME_ACCOUNT_KEY_PATH", "acme", "account_key_path", "acme_account.pem"),
		},
		DNS: DNSConfig{
			APIBase:   getValue("DNS_API_BASE", "dns", "api_base", ""),
			APIToken:  getValue("DNS_API_TOKEN", "dns", "api_token", ""),
			Resolvers: splitList(getValue("DNS_RESOLVERS", "dns", "resolvers", "8.8.8.8:53,1.1.1.1:53")),
			RecordTTL: getValueInt("DNS_RECORD_TTL", "dns", "record_ttl", 60),
		},
		Hosting: HostingConfig{
			APIBase:  getValue("HOSTING_API_BASE", "hosting", "api_base", ""),
			APIToken: getValue("HOSTING_API_TOKEN", "hosting", "api_token", ""),
			MTLS: MTLSConfig{
				Enabled:    getValueBool("HOSTING_MTLS_ENABLED", "hosting", "mtls_enabled", false),
				ClientCert: getValue("HOSTING_CLIENT_CERT", "hosting", "client_cert", ""),
				ClientKey:  getValue("HOSTING_CLIENT_KEY", "hosting", "client_key", ""),
				CACert:     getValue("HOSTING_CA_CERT", "hosting", "ca_cert", ""),
			},
		},
		Issuance: IssuanceConfig{
			BundlePassword:    getValue("ISSUANCE_BUNDLE_PASSWORD", "issuance", "bundle_password", ""),
			PollMaxAttempts:   getValueInt("ISSUANCE_POLL_MAX_ATTEMPTS", "issuance", "poll_max_attempts", 10),
			PollIntervalSec:   getValueInt("ISSUANCE_POLL_INTERVAL_SEC", "issuance", "poll_interval_sec", 15),
			VerifyMaxAttempts: getValueInt("ISSUANCE_VERIFY_MAX_ATTEMPTS", "issuance", "verify_max_attempts", 12),
			VerifyIntervalSec: getValueInt("ISSUANCE_VERIFY_INTERVAL_SEC", "issuance", "verify_interval_sec", 10),
		},
		WorkflowWorker: WorkflowWorkerConfig{
			Enabled:     getValueBool("WORKFLOW_WORKER_ENABLED", "workflow", "worker_enabled", true),
			IntervalSec: getValueInt("WORKFLOW_WORKER_INTERVAL_SEC", "workflow", "interval_sec", 5),
			BatchSize:   getValueInt("WORKFLOW_WORKER_BATCH_SIZE", "workflow", "batch_size", 10),
			LeaseSec:    getValueInt("WORKFLOW_WORKER_LEASE_SEC", "workflow", "lease_sec", 300),
		},
		Renewal: RenewalConfig{
			Enabled:        getValueBool("RENEWAL_ENABLED", "renewal", "enabled", false),
			IntervalSec:    getValueInt("RENEWAL_INTERVAL_SEC", "renewal", "interval_sec", 3600),
			BeforeDays:     getValueInt("RENEWAL_BEFORE_DAYS", "renewal", "before_days", 30),
			ResourceGroups: splitList(getValue("RENEWAL_RESOURCE_GROUPS", "renewal", "resource_groups", "")),
			IssuerMatch:    getValue("RENEWAL_ISSUER_MATCH", "renewal", "issuer_match", "Let's Encrypt"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
