// Package config loads the daemon configuration from YAML with ZKVAULT_*
// environment overrides. The credential pepper is read from the environment
// only and never from a file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zkvault/go-backend/internal/credential"
	"zkvault/go-backend/internal/entropy"
	"zkvault/go-backend/internal/recovery"
	"zkvault/go-backend/internal/signature"
	"zkvault/go-backend/internal/vaultcipher"
)

const (
	EnvPepper = "ZKVAULT_PEPPER"

	minPepperBytes = 16

	minArgonTime      = 1
	maxArgonTime      = 10
	minArgonMemoryKiB = 8 * 1024
	maxArgonMemoryKiB = 4 * 1024 * 1024
	minArgonThreads   = 1
	maxArgonThreads   = 16
)

var (
	ErrMissingPepper   = errors.New("ZKVAULT_PEPPER must hold at least 16 bytes")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidSourceID = errors.New("entropy source needs a name and url")
)

type Config struct {
	HTTP       HTTPConfig        `yaml:"http"`
	Log        LogConfig         `yaml:"log"`
	Credential credential.Params `yaml:"credential"`
	Cipher     CipherConfig      `yaml:"cipher"`
	Signature  SignatureConfig   `yaml:"signature"`
	Entropy    EntropyConfig     `yaml:"entropy"`
	Recovery   RecoveryConfig    `yaml:"recovery"`

	Pepper []byte `yaml:"-"`
}

type HTTPConfig struct {
	ListenAddr        string        `yaml:"listenAddr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	DrainDuration     time.Duration `yaml:"drainDuration"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type CipherConfig struct {
	Algorithm string `yaml:"algorithm"`
}

type SignatureConfig struct {
	ProbeInterval time.Duration `yaml:"probeInterval"`
	Fallback      bool          `yaml:"fallback"`
}

type EntropySourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// PublicKey is the base64 ML-DSA-65 key pinning this source, if any.
	PublicKey string `yaml:"publicKey"`
}

type EntropyConfig struct {
	Sources        []EntropySourceConfig `yaml:"sources"`
	SourceTimeout  time.Duration         `yaml:"sourceTimeout"`
	OverallTimeout time.Duration         `yaml:"overallTimeout"`
	RatePerSecond  float64               `yaml:"ratePerSecond"`
	Burst          int                   `yaml:"burst"`
}

type RecoveryConfig struct {
	// DBPath selects the SQLite store; empty keeps kits in memory.
	DBPath     string        `yaml:"dbPath"`
	KitTTL     time.Duration `yaml:"kitTTL"`
	SessionTTL time.Duration `yaml:"sessionTTL"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			ListenAddr:        "127.0.0.1:8080",
			ReadHeaderTimeout: 5 * time.Second,
			DrainDuration:     2 * time.Second,
		},
		Log:        LogConfig{Level: "info", JSON: true},
		Credential: credential.DefaultParams(),
		Cipher:     CipherConfig{Algorithm: vaultcipher.AlgorithmXChaCha20Poly1305},
		Signature: SignatureConfig{
			ProbeInterval: signature.DefaultProbeInterval,
			Fallback:      true,
		},
		Entropy: EntropyConfig{
			SourceTimeout:  entropy.DefaultSourceTimeout,
			OverallTimeout: entropy.DefaultOverallTimeout,
			RatePerSecond:  5,
			Burst:          10,
		},
		Recovery: RecoveryConfig{
			KitTTL:     recovery.DefaultKitTTL,
			SessionTTL: recovery.DefaultSessionTTL,
		},
	}
}

// Load reads path when given, then applies environment overrides. A missing
// explicit path is an error; with no path the defaults are used.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	if addr := envString("ZKVAULT_HTTP_ADDR"); addr != "" {
		cfg.HTTP.ListenAddr = addr
	}
	if level := envString("ZKVAULT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	cfg.Log.JSON = envBoolWithFallback("ZKVAULT_LOG_JSON", cfg.Log.JSON)

	cfg.Credential.Time = uint32(envBoundedIntWithFallback("ZKVAULT_ARGON2_TIME", int(cfg.Credential.Time), minArgonTime, maxArgonTime))
	cfg.Credential.MemoryKiB = uint32(envBoundedIntWithFallback("ZKVAULT_ARGON2_MEMORY_KIB", int(cfg.Credential.MemoryKiB), minArgonMemoryKiB, maxArgonMemoryKiB))
	cfg.Credential.Threads = uint8(envBoundedIntWithFallback("ZKVAULT_ARGON2_THREADS", int(cfg.Credential.Threads), minArgonThreads, maxArgonThreads))

	if alg := envString("ZKVAULT_CIPHER_ALGORITHM"); alg != "" {
		cfg.Cipher.Algorithm = strings.ToUpper(alg)
	}

	cfg.Signature.ProbeInterval = envDurationWithFallback("ZKVAULT_SIGNATURE_PROBE_INTERVAL", cfg.Signature.ProbeInterval)
	cfg.Signature.Fallback = envBoolWithFallback("ZKVAULT_SIGNATURE_FALLBACK", cfg.Signature.Fallback)

	// ZKVAULT_ENTROPY_SOURCES replaces the file list: name=url[,name=url].
	if entries := envCSV("ZKVAULT_ENTROPY_SOURCES"); entries != nil {
		sources := make([]EntropySourceConfig, 0, len(entries))
		for _, entry := range entries {
			name, url, ok := strings.Cut(entry, "=")
			if !ok {
				continue
			}
			sources = append(sources, EntropySourceConfig{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
		}
		cfg.Entropy.Sources = sources
	}
	cfg.Entropy.SourceTimeout = envDurationWithFallback("ZKVAULT_ENTROPY_SOURCE_TIMEOUT", cfg.Entropy.SourceTimeout)
	cfg.Entropy.OverallTimeout = envDurationWithFallback("ZKVAULT_ENTROPY_TIMEOUT", cfg.Entropy.OverallTimeout)
	cfg.Entropy.RatePerSecond = envFloatWithFallback("ZKVAULT_ENTROPY_RPS", cfg.Entropy.RatePerSecond)
	cfg.Entropy.Burst = envBoundedIntWithFallback("ZKVAULT_ENTROPY_BURST", cfg.Entropy.Burst, 0, 1000)

	if path := envString("ZKVAULT_RECOVERY_DB"); path != "" {
		cfg.Recovery.DBPath = path
	}
	cfg.Recovery.KitTTL = envDurationWithFallback("ZKVAULT_RECOVERY_KIT_TTL", cfg.Recovery.KitTTL)
	cfg.Recovery.SessionTTL = envDurationWithFallback("ZKVAULT_RECOVERY_SESSION_TTL", cfg.Recovery.SessionTTL)

	if pepper := os.Getenv(EnvPepper); pepper != "" {
		cfg.Pepper = []byte(pepper)
	}
}

// Validate checks everything the daemon needs before it starts serving.
func (c Config) Validate() error {
	if len(c.Pepper) < minPepperBytes {
		return ErrMissingPepper
	}
	switch c.Cipher.Algorithm {
	case vaultcipher.AlgorithmXChaCha20Poly1305, vaultcipher.AlgorithmAES256GCM:
	default:
		return fmt.Errorf("%w: cipher algorithm %q", ErrInvalidConfig, c.Cipher.Algorithm)
	}
	p := c.Credential
	if p.Time < minArgonTime || p.Time > maxArgonTime ||
		p.MemoryKiB < minArgonMemoryKiB || p.MemoryKiB > maxArgonMemoryKiB ||
		p.Threads < minArgonThreads || p.Threads > maxArgonThreads {
		return fmt.Errorf("%w: argon2 parameters %d/%dKiB/%d", ErrInvalidConfig, p.Time, p.MemoryKiB, p.Threads)
	}
	if strings.TrimSpace(c.HTTP.ListenAddr) == "" {
		return fmt.Errorf("%w: http listen address", ErrInvalidConfig)
	}
	for _, src := range c.Entropy.Sources {
		if src.Name == "" || src.URL == "" {
			return ErrInvalidSourceID
		}
		if _, err := src.DecodePublicKey(); err != nil {
			return fmt.Errorf("%w: entropy source %s public key", ErrInvalidConfig, src.Name)
		}
	}
	return nil
}

func (s EntropySourceConfig) DecodePublicKey() ([]byte, error) {
	if strings.TrimSpace(s.PublicKey) == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s.PublicKey))
}
