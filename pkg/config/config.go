// Package config contains the definition of the daemon config structure and
// the logic required to resolve it from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Transport values accepted by the daemon.
const (
	TransportSSE   = "sse"
	TransportStdio = "stdio"
)

// Auth provider values accepted by the daemon.
const (
	ProviderLocal      = "local"
	ProviderCognito    = "cognito"
	ProviderAPIGateway = "api_gateway"
)

// EnvPrefix is the prefix for all daemon environment variables
// (e.g. MCPDEN_PORT, MCPDEN_AUTH_PROVIDER).
const EnvPrefix = "MCPDEN"

// Config represents the configuration of the daemon.
type Config struct {
	// Transport selects the serving mode: "sse" (HTTP + SSE) or "stdio".
	Transport string `mapstructure:"transport"`
	// Host is the listen address for the HTTP transport.
	Host string `mapstructure:"host"`
	// Port is the listen port for the HTTP transport.
	Port int `mapstructure:"port"`

	// MCPConfiguration optionally points at a JSON or YAML document (file
	// path or inline) preloaded under the "default" partition at startup.
	MCPConfiguration string `mapstructure:"mcp_configuration"`

	// GraphQLEndpoint is the URL of the upstream metadata store.
	GraphQLEndpoint string `mapstructure:"graphql_endpoint"`
	// InitializeTables issues a best-effort bootstrap mutation at startup.
	InitializeTables bool `mapstructure:"initialize_tables"`

	// AuthProvider selects bearer-token verification: local, cognito or
	// api_gateway.
	AuthProvider string `mapstructure:"auth_provider"`
	// JWTSecret signs and verifies locally issued HS256 tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// JWTAlgorithm is the local signing algorithm. Only HS256 is supported.
	JWTAlgorithm string `mapstructure:"jwt_algorithm"`
	// AccessTokenExpMinutes bounds the lifetime of minted user tokens.
	AccessTokenExpMinutes int `mapstructure:"access_token_exp_minutes"`
	// LocalUserFile is the JSON file of username -> bcrypt hash entries.
	LocalUserFile string `mapstructure:"local_user_file"`
	// AdminUsername and AdminPassword gate the admin token mint.
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
	// AdminStaticToken, when set, is accepted verbatim as the admin bearer
	// token and returned by the mint endpoint for admin credentials.
	AdminStaticToken string `mapstructure:"admin_static_token"`

	// Cognito / api_gateway provider settings.
	CognitoUserPoolID   string `mapstructure:"cognito_user_pool_id"`
	CognitoAppClientID  string `mapstructure:"cognito_app_client_id"`
	CognitoAppSecret    string `mapstructure:"cognito_app_secret"`
	CognitoJWKSURL      string `mapstructure:"cognito_jwks_url"`
	JWKSCacheTTLSeconds int    `mapstructure:"jwks_cache_ttl_seconds"`

	// Blob store and worker settings.
	Region             string `mapstructure:"region"`
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
	FunctBucketName    string `mapstructure:"funct_bucket_name"`
	FunctZipPath       string `mapstructure:"funct_zip_path"`
	FunctExtractPath   string `mapstructure:"funct_extract_path"`
	// WorkerFunctionName, when set, offloads async tool calls to a remote
	// worker instead of an in-process goroutine.
	WorkerFunctionName string `mapstructure:"worker_function_name"`
}

// SetDefaults registers the daemon defaults on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportSSE)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)
	v.SetDefault("auth_provider", ProviderLocal)
	v.SetDefault("jwt_secret", "CHANGEME")
	v.SetDefault("jwt_algorithm", "HS256")
	v.SetDefault("access_token_exp_minutes", 15)
	v.SetDefault("local_user_file", "users.json")
	v.SetDefault("admin_username", "admin")
	v.SetDefault("admin_password", "admin123")
	v.SetDefault("jwks_cache_ttl_seconds", 3600)
	v.SetDefault("funct_zip_path", "/tmp/funct_zips")
	v.SetDefault("funct_extract_path", "/tmp/functs")
}

// FromViper resolves the daemon configuration from the given viper instance,
// applying defaults and environment bindings (MCPDEN_ prefix).
func FromViper(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for inconsistent or unsupported values.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportSSE, TransportStdio:
	default:
		return fmt.Errorf("invalid transport: %s (valid transports: %s, %s)",
			c.Transport, TransportSSE, TransportStdio)
	}

	switch c.AuthProvider {
	case ProviderLocal:
	case ProviderCognito:
		if c.CognitoUserPoolID == "" || c.Region == "" {
			return fmt.Errorf("auth provider %s requires cognito_user_pool_id and region", ProviderCognito)
		}
	case ProviderAPIGateway:
		if c.CognitoJWKSURL == "" && (c.CognitoUserPoolID == "" || c.Region == "") {
			return fmt.Errorf("auth provider %s requires cognito_jwks_url or cognito_user_pool_id and region", ProviderAPIGateway)
		}
	default:
		return fmt.Errorf("invalid auth provider: %s (valid providers: %s, %s, %s)",
			c.AuthProvider, ProviderLocal, ProviderCognito, ProviderAPIGateway)
	}

	if c.JWTAlgorithm != "HS256" {
		return fmt.Errorf("invalid jwt algorithm: %s (only HS256 is supported)", c.JWTAlgorithm)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	return nil
}

// Issuer returns the token issuer for the remote providers.
func (c *Config) Issuer() string {
	if c.CognitoUserPoolID == "" || c.Region == "" {
		return ""
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.CognitoUserPoolID)
}

// JWKSURL returns the JWKS document URL for the remote providers. An explicit
// cognito_jwks_url wins over the derived well-known location.
func (c *Config) JWKSURL() string {
	if c.CognitoJWKSURL != "" {
		return c.CognitoJWKSURL
	}
	if issuer := c.Issuer(); issuer != "" {
		return issuer + "/.well-known/jwks.json"
	}
	return ""
}
