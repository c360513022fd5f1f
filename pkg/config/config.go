// Package config загружает конфигурацию софтфона через viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arzzra/sipphone/pkg/media/codec"
	"github.com/arzzra/sipphone/pkg/ports"
)

// Config конфигурация софтфона. После Load/Validate не изменяется.
type Config struct {
	// ServerAddr адрес SIP сервера (host:port), на который уходят все запросы
	ServerAddr string `mapstructure:"server_addr"`
	// OwnAddr локальный адрес SIP транспорта (host:port)
	OwnAddr  string `mapstructure:"own_addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	RTPPortStart int `mapstructure:"rtp_port_start"`
	RTPPortEnd   int `mapstructure:"rtp_port_end"`

	// Codecs включенные кодеки в порядке приоритета
	Codecs    []string      `mapstructure:"codecs"`
	Ptime     time.Duration `mapstructure:"ptime"`
	UserAgent string        `mapstructure:"user_agent"`

	Register        bool          `mapstructure:"register"`
	RegisterExpires time.Duration `mapstructure:"register_expires"`

	Transaction TransactionConfig `mapstructure:"transaction"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// TransactionConfig таймеры транзакций RFC 3261
type TransactionConfig struct {
	T1             time.Duration `mapstructure:"t1"`
	T2             time.Duration `mapstructure:"t2"`
	T4             time.Duration `mapstructure:"t4"`

	// MaxRetransmits общий предел повторных передач для INVITE и non-INVITE
	// транзакций. 0 включает значения RFC 3261: 6 для INVITE, 10 для остальных.
	MaxRetransmits int `mapstructure:"max_retransmits"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"` // text | json
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig вывод в файл с ротацией
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig экспорт Prometheus метрик
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Значения по умолчанию всегда корректно раскладываются в структуру
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load читает конфигурацию из файла. Переменные окружения с префиксом
// SIPPHONE_ переопределяют значения файла (SIPPHONE_LOG_LEVEL и т.п.).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIPPHONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения конфигурации %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", "")
	v.SetDefault("own_addr", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("rtp_port_start", 10000)
	v.SetDefault("rtp_port_end", 20000)

	v.SetDefault("codecs", []string{codec.NamePCMU, codec.NamePCMA, codec.NameOpus})
	v.SetDefault("ptime", codec.DefaultFrameDuration)
	v.SetDefault("user_agent", "sipphone")

	v.SetDefault("register", false)
	v.SetDefault("register_expires", time.Hour)

	v.SetDefault("transaction.t1", 500*time.Millisecond)
	v.SetDefault("transaction.t2", 4*time.Second)
	v.SetDefault("transaction.t4", 5*time.Second)
	v.SetDefault("transaction.max_retransmits", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "sipphone.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if err := validateHostPort("server_addr", c.ServerAddr); err != nil {
		return err
	}
	if err := validateHostPort("own_addr", c.OwnAddr); err != nil {
		return err
	}

	if err := ports.ValidateRange(c.RTPPortStart, c.RTPPortEnd); err != nil {
		return fmt.Errorf("rtp_port_start/rtp_port_end: %w", err)
	}

	if len(c.Codecs) == 0 {
		return fmt.Errorf("codecs: нужен хотя бы один кодек")
	}
	if _, err := codec.LookupAll(c.Codecs); err != nil {
		return fmt.Errorf("codecs: %w", err)
	}

	if c.Ptime <= 0 || c.Ptime > 120*time.Millisecond {
		return fmt.Errorf("ptime: недопустимое значение %s", c.Ptime)
	}

	if c.Transaction.T1 <= 0 || c.Transaction.T2 < c.Transaction.T1 {
		return fmt.Errorf("transaction: T1=%s T2=%s", c.Transaction.T1, c.Transaction.T2)
	}
	if c.Transaction.MaxRetransmits < 0 {
		return fmt.Errorf("transaction.max_retransmits: отрицательное значение")
	}

	if c.Register && c.RegisterExpires < time.Minute {
		return fmt.Errorf("register_expires: слишком маленький интервал %s", c.RegisterExpires)
	}

	return nil
}

// CodecDescriptors включенные кодеки в порядке приоритета
func (c *Config) CodecDescriptors() []codec.Descriptor {
	ds, _ := codec.LookupAll(c.Codecs)
	return ds
}

// OwnHost хост из own_addr
func (c *Config) OwnHost() string {
	host, _, _ := net.SplitHostPort(c.OwnAddr)
	return host
}

func validateHostPort(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s: не задан", name)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("%s: ожидается host:port, получено %q", name, addr)
	}
	return nil
}
