// Package config loads and validates the proxy's YAML configuration file,
// following the same viper-unmarshal-then-validate shape as
// go.minekube.com/gate's cmd/gate.Run.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// secretEnvVar overrides the configured shared secret when present and
// non-empty, per the Secret Material priority order.
const secretEnvVar = "NUMDRASSL_SECRET"

// Backend is a statically configured backend server descriptor.
type Backend struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Default  bool   `yaml:"default" mapstructure:"default"`
	Hostname string `yaml:"hostname" mapstructure:"hostname"`
}

// Cluster configures cross-proxy coordination.
type Cluster struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	ProxyID  string `yaml:"proxyId" mapstructure:"proxyId"`
	Region   string `yaml:"region" mapstructure:"region"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Password string `yaml:"password" mapstructure:"password"`
	Database int    `yaml:"database" mapstructure:"database"`
	SSL      bool   `yaml:"ssl" mapstructure:"ssl"`
}

// Admin configures the optional read-only health/metrics surface.
type Admin struct {
	Bind string `yaml:"bind" mapstructure:"bind"`
}

// SessionService configures the external identity/session service client.
type SessionService struct {
	Addr       string `yaml:"addr" mapstructure:"addr"`
	TimeoutSec int    `yaml:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	Insecure   bool   `yaml:"insecure" mapstructure:"insecure"`
}

// Config is the root configuration document, per spec.md §6.2.
type Config struct {
	Bind             string         `yaml:"bind" mapstructure:"bind"`
	Port             int            `yaml:"port" mapstructure:"port"`
	PublicHost       string         `yaml:"publicHost" mapstructure:"publicHost"`
	PublicPort       int            `yaml:"publicPort" mapstructure:"publicPort"`
	CertFile         string         `yaml:"certFile" mapstructure:"certFile"`
	KeyFile          string         `yaml:"keyFile" mapstructure:"keyFile"`
	MaxConnections   int            `yaml:"maxConnections" mapstructure:"maxConnections"`
	IdleTimeoutSec   int            `yaml:"idleTimeoutSeconds" mapstructure:"idleTimeoutSeconds"`
	Debug            bool           `yaml:"debug" mapstructure:"debug"`
	Passthrough      bool           `yaml:"passthrough" mapstructure:"passthrough"`
	SecretBase64     string         `yaml:"secret" mapstructure:"secret"`
	Backends         []Backend      `yaml:"backends" mapstructure:"backends"`
	Cluster          Cluster        `yaml:"cluster" mapstructure:"cluster"`
	Admin            Admin          `yaml:"admin" mapstructure:"admin"`
	SessionService   SessionService `yaml:"sessionService" mapstructure:"sessionService"`
	ControlReconnect ControlConfig  `yaml:"controlReconnect" mapstructure:"controlReconnect"`
}

// ControlConfig tunes the Backend Control Manager's reconnect behavior.
type ControlConfig struct {
	ProbeIntervalSec   int `yaml:"probeIntervalSeconds" mapstructure:"probeIntervalSeconds"`
	InitialBackoffMsec int `yaml:"initialBackoffMillis" mapstructure:"initialBackoffMillis"`
	MaxBackoffSec      int `yaml:"maxBackoffSeconds" mapstructure:"maxBackoffSeconds"`
}

// Load reads configuration from path using viper, binds the secret
// environment variable override, and returns the unmarshaled Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	_ = v.BindEnv("secret", secretEnvVar)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("maxConnections", 1000)
	v.SetDefault("idleTimeoutSeconds", 30)
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("sessionService.timeoutSeconds", 5)
	v.SetDefault("controlReconnect.probeIntervalSeconds", 30)
	v.SetDefault("controlReconnect.initialBackoffMillis", 500)
	v.SetDefault("controlReconnect.maxBackoffSeconds", 60)
}

// Secret returns the 32-byte shared secret, applying the Secret Material
// priority order from spec.md §3: the NUMDRASSL_SECRET environment
// variable (already folded into SecretBase64 by Load's BindEnv), then the
// configured secret field, decoding it from base64 if it looks
// base64-encoded, else treating it as raw bytes. If neither is set, a
// random 32-byte secret is generated for this boot only and logged so an
// operator can promote it to config for restart stability.
func (c *Config) Secret(log *zap.Logger) ([]byte, error) {
	raw := strings.TrimSpace(c.SecretBase64)
	if raw == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate random secret: %w", err)
		}
		log.Warn("no secret configured; generated a random one for this boot only",
			zap.String("secret", base64.StdEncoding.EncodeToString(secret)))
		return secret, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b, nil
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("secret must decode to exactly 32 bytes")
}
