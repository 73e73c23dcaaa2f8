// Package config faz o binding YAML da configuração do gateway e publica
// snapshots imutáveis para reload a quente.
//
// Valores fora de faixa são grampeados para defaults seguros em vez de
// rejeitados: um reload ruim não pode derrubar o processamento de requisições.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration aceita strings de duração Go ("30s", "1m30s") no YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config é a raiz da configuração do gateway.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	UpstreamURL string `yaml:"upstream_url"`
	LogLevel    string `yaml:"log_level"`

	Key         KeyConfig         `yaml:"key"`
	Store       StoreConfig       `yaml:"store"`
	Burst       BurstConfig       `yaml:"burst"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Filters     []FilterConfig    `yaml:"filters"`
	Gate        GateConfig        `yaml:"gate"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Smoother    SmootherConfig    `yaml:"smoother"`
	RedisSink   RedisSinkConfig   `yaml:"redis_sink"`
	Admin       AdminConfig       `yaml:"admin"`
}

// KeyConfig controla a extração da chave de cliente.
type KeyConfig struct {
	Header   string `yaml:"header"`
	TrustXFF bool   `yaml:"trust_xff"`
}

// StoreConfig escolhe e parametriza o agregado de eventos.
type StoreConfig struct {
	// Backend: "memory" (padrão) ou "sqlite".
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`

	MaxBytes int64 `yaml:"max_bytes"`
	// Overflow: "drop" (padrão), "evict" ou "clear" (tratado como evict em
	// pressão de escrita; ver infra.OverflowClearAll).
	Overflow          string   `yaml:"overflow"`
	TrimTargetRatio   float64  `yaml:"trim_target_ratio"`
	TrimCooldown      Duration `yaml:"trim_cooldown"`
	TrimMaxCandidates int      `yaml:"trim_max_candidates"`
	TrimMaxEvictions  int      `yaml:"trim_max_evictions"`
	IdleTTL           Duration `yaml:"idle_ttl"`
	SweepEvery        uint64   `yaml:"sweep_every"`
}

// BurstConfig parametriza o guarda de rajada.
type BurstConfig struct {
	Enabled    bool     `yaml:"enabled"`
	RPS        float64  `yaml:"rps"`
	Burst      int      `yaml:"burst"`
	RetryAfter Duration `yaml:"retry_after"`
}

// ConcurrencyConfig parametriza o guarda de concorrência.
type ConcurrencyConfig struct {
	Max            int      `yaml:"max"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// FilterConfig descreve um estágio de filtragem.
type FilterConfig struct {
	Source string `yaml:"source"`
	// Observe: "method", "proto", "user_agent", "header" ou
	// "header_signature".
	Observe string `yaml:"observe"`
	// Header é o nome do header quando Observe = "header".
	Header        string   `yaml:"header"`
	Allow         []string `yaml:"allow"`
	Deny          []string `yaml:"deny"`
	CaseSensitive bool     `yaml:"case_sensitive"`
	// TieBreak: "allow" (padrão) ou "deny".
	TieBreak     string `yaml:"tie_break"`
	Block        bool   `yaml:"block"`
	RejectStatus int    `yaml:"reject_status"`
}

// GateConfig parametriza o portão de avaliação.
type GateConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxBlacklist int64 `yaml:"max_blacklist"`
	LogOnly      bool  `yaml:"log_only"`
	RejectStatus int   `yaml:"reject_status"`
}

// ThrottleConfig parametriza o throttle de janela fixa.
type ThrottleConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Window     Duration     `yaml:"window"`
	Steps      []StepConfig `yaml:"steps"`
	MaxDelay   Duration     `yaml:"max_delay"`
	IdleTTL    Duration     `yaml:"idle_ttl"`
	SweepEvery uint64       `yaml:"sweep_every"`
}

// SmootherConfig parametriza o suavizador com histerese.
type SmootherConfig struct {
	Enabled         bool         `yaml:"enabled"`
	Window          Duration     `yaml:"window"`
	BucketSize      Duration     `yaml:"bucket_size"`
	Steps           []StepConfig `yaml:"steps"`
	Hold            Duration     `yaml:"hold"`
	StepDownEvery   Duration     `yaml:"step_down_every"`
	HysteresisRatio float64      `yaml:"hysteresis_ratio"`
	MaxDelay        Duration     `yaml:"max_delay"`
	// Anonymous: "bypass" (padrão) ou "shared".
	Anonymous string   `yaml:"anonymous"`
	IdleTTL   Duration `yaml:"idle_ttl"`
}

// StepConfig é um degrau (excedeu-contagem -> atraso).
type StepConfig struct {
	Exceeds int64    `yaml:"exceeds"`
	Delay   Duration `yaml:"delay"`
}

// RedisSinkConfig parametriza o sink de resultados em Redis.
type RedisSinkConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	Prefix    string   `yaml:"prefix"`
	TTL       Duration `yaml:"ttl"`
	Bucket    string   `yaml:"bucket"`
	TrackKeys bool     `yaml:"track_keys"`
}

// AdminConfig parametriza a superfície administrativa.
type AdminConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default devolve a configuração base antes do YAML e dos overrides.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Burst:      BurstConfig{RPS: 10, Burst: 20, RetryAfter: Duration(time.Second)},
		Concurrency: ConcurrencyConfig{
			Max: 100,
		},
		Store: StoreConfig{
			Backend:  "memory",
			Overflow: "drop",
		},
		Admin: AdminConfig{ListenAddr: ":8081"},
	}
}

// Load lê o arquivo YAML sobre os defaults e grampeia o resultado.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.clamp()
	if cfg.UpstreamURL == "" {
		return Config{}, fmt.Errorf("upstream_url is required")
	}
	return cfg, nil
}

// clamp grampeia valores fora de faixa para defaults seguros.
func (c *Config) clamp() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Burst.RPS <= 0 {
		c.Burst.RPS = 10
	}
	if c.Burst.Burst <= 0 {
		c.Burst.Burst = 20
	}
	if c.Burst.RetryAfter <= 0 {
		c.Burst.RetryAfter = Duration(time.Second)
	}
	if c.Concurrency.Max < 0 {
		c.Concurrency.Max = 0
	}
	if c.Store.MaxBytes < 0 {
		c.Store.MaxBytes = 0
	}
	if c.Store.TrimTargetRatio < 0 || c.Store.TrimTargetRatio > 1 {
		c.Store.TrimTargetRatio = 0
	}
	if c.Gate.MaxBlacklist < 0 {
		c.Gate.MaxBlacklist = 0
	}
	if c.Smoother.HysteresisRatio < 0 || c.Smoother.HysteresisRatio > 1 {
		c.Smoother.HysteresisRatio = 0
	}
	for i := range c.Filters {
		if c.Filters[i].Source == "" {
			c.Filters[i].Source = fmt.Sprintf("filter-%d", i)
		}
	}
	// durações negativas viram zero (zero = default da implementação)
	clampDur(&c.Store.TrimCooldown)
	clampDur(&c.Store.IdleTTL)
	clampDur(&c.Throttle.Window)
	clampDur(&c.Throttle.MaxDelay)
	clampDur(&c.Throttle.IdleTTL)
	clampDur(&c.Smoother.Window)
	clampDur(&c.Smoother.BucketSize)
	clampDur(&c.Smoother.Hold)
	clampDur(&c.Smoother.StepDownEvery)
	clampDur(&c.Smoother.MaxDelay)
	clampDur(&c.Smoother.IdleTTL)
	clampDur(&c.Concurrency.AcquireTimeout)
	clampDur(&c.RedisSink.TTL)
}

func clampDur(d *Duration) {
	if *d < 0 {
		*d = 0
	}
}

// Snapshot publica configurações imutáveis para leitura sem lock no caminho
// da requisição. Quem lê nunca vê um reload pela metade.
type Snapshot struct {
	ptr atomic.Pointer[Config]
}

func NewSnapshot(cfg Config) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(&cfg)
	return s
}

// Current devolve o snapshot corrente. O valor devolvido não deve ser mutado.
func (s *Snapshot) Current() *Config { return s.ptr.Load() }

// Publish troca o snapshot atomicamente; leitores seguintes veem o novo.
func (s *Snapshot) Publish(cfg Config) { s.ptr.Store(&cfg) }
