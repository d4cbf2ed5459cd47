package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig           `koanf:"app"`
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Redis         RedisConfig         `koanf:"redis"`
	WhatsApp      WhatsAppConfig      `koanf:"whatsapp"`
	Queue         QueueConfig         `koanf:"queue"`
	Dedup         DedupConfig         `koanf:"dedup"`
	Campaigns     CampaignConfig      `koanf:"campaigns"`
	Conversation  ConversationConfig  `koanf:"conversation"`
	BusinessHours BusinessHoursConfig `koanf:"business_hours"`
}

type AppConfig struct {
	Name        string `koanf:"name"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

type ServerConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	ReadTimeout    int    `koanf:"read_timeout"`
	WriteTimeout   int    `koanf:"write_timeout"`
	APIToken       string `koanf:"api_token"`       // Static bearer token guarding the admin API. Empty = open (development).
	AllowedOrigins string `koanf:"allowed_origins"` // Comma-separated list of allowed CORS origins
}

type DatabaseConfig struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	User            string `koanf:"user"`
	Password        string `koanf:"password"`
	Name            string `koanf:"name"`
	SSLMode         string `koanf:"ssl_mode"`
	MaxOpenConns    int    `koanf:"max_open_conns"`
	MaxIdleConns    int    `koanf:"max_idle_conns"`
	ConnMaxLifetime int    `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type WhatsAppConfig struct {
	WebhookVerifyToken string `koanf:"webhook_verify_token"`
	AccessToken        string `koanf:"access_token"`
	PhoneNumberID      string `koanf:"phone_number_id"`
	BusinessNumber     string `koanf:"business_number"` // Our own number, recorded on stored messages
	APIVersion         string `koanf:"api_version"`
	BaseURL            string `koanf:"base_url"` // Meta Graph API base URL
}

type QueueConfig struct {
	VisibilityTimeout  int `koanf:"visibility_timeout"`  // Seconds a received message stays invisible
	MaxReceiveCount    int `koanf:"max_receive_count"`   // Receives before a message is routed to the DLQ
	WaitTimeSeconds    int `koanf:"wait_time_seconds"`   // Long-poll wait on Receive
	BatchSize          int `koanf:"batch_size"`          // Max messages per Receive
	HeartbeatInterval  int `koanf:"heartbeat_interval"`  // Seconds between visibility extensions
	HeartbeatExtension int `koanf:"heartbeat_extension"` // Seconds each extension adds
	RedriveInterval    int `koanf:"redrive_interval"`    // Seconds between background redrive sweeps
}

type DedupConfig struct {
	TTLHours int `koanf:"ttl_hours"`
}

type CampaignConfig struct {
	DailySendLimit int `koanf:"daily_send_limit"`
	MaxRetries     int `koanf:"max_retries"`
	TickerMinutes  int `koanf:"ticker_minutes"` // How often the server checks for due daily schedules
}

type ConversationConfig struct {
	TTLHours          int `koanf:"ttl_hours"`
	AgentSessionHours int `koanf:"agent_session_hours"`
	SweepMinutes      int `koanf:"sweep_minutes"`
}

type BusinessHoursConfig struct {
	OpenHour  int  `koanf:"open_hour"`
	CloseHour int  `koanf:"close_hour"`
	Weekends  bool `koanf:"weekends"` // Whether weekends count as open
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Load from config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// Load from environment variables (WAVELINE_ prefix)
	// e.g., WAVELINE_QUEUE_VISIBILITY_TIMEOUT -> queue.visibility_timeout
	if err := k.Load(env.Provider("WAVELINE_", ".", envToKey), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	return &cfg, nil
}

// envSections are the top-level koanf keys, longest first so business_hours
// wins over any shorter prefix.
var envSections = []string{
	"business_hours", "conversation", "campaigns", "database",
	"whatsapp", "server", "redis", "queue", "dedup", "app",
}

// envToKey maps an environment variable to its koanf key. Only the section
// prefix becomes a dot; underscores inside the key name stay, so
// WAVELINE_QUEUE_VISIBILITY_TIMEOUT hits queue.visibility_timeout.
func envToKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, "WAVELINE_"))
	for _, section := range envSections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

func setDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "Waveline"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.WhatsApp.APIVersion == "" {
		cfg.WhatsApp.APIVersion = "v18.0"
	}
	if cfg.WhatsApp.BaseURL == "" {
		cfg.WhatsApp.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = 900
	}
	if cfg.Queue.MaxReceiveCount == 0 {
		cfg.Queue.MaxReceiveCount = 3
	}
	if cfg.Queue.WaitTimeSeconds == 0 {
		cfg.Queue.WaitTimeSeconds = 20
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Queue.HeartbeatInterval == 0 {
		cfg.Queue.HeartbeatInterval = 60
	}
	if cfg.Queue.HeartbeatExtension == 0 {
		cfg.Queue.HeartbeatExtension = 1800
	}
	if cfg.Queue.RedriveInterval == 0 {
		cfg.Queue.RedriveInterval = 30
	}
	if cfg.Dedup.TTLHours == 0 {
		cfg.Dedup.TTLHours = 24
	}
	if cfg.Campaigns.DailySendLimit == 0 {
		cfg.Campaigns.DailySendLimit = 250
	}
	if cfg.Campaigns.MaxRetries == 0 {
		cfg.Campaigns.MaxRetries = 3
	}
	if cfg.Campaigns.TickerMinutes == 0 {
		cfg.Campaigns.TickerMinutes = 15
	}
	if cfg.Conversation.TTLHours == 0 {
		cfg.Conversation.TTLHours = 24
	}
	if cfg.Conversation.AgentSessionHours == 0 {
		cfg.Conversation.AgentSessionHours = 22
	}
	if cfg.Conversation.SweepMinutes == 0 {
		cfg.Conversation.SweepMinutes = 10
	}
	if cfg.BusinessHours.OpenHour == 0 {
		cfg.BusinessHours.OpenHour = 9
	}
	if cfg.BusinessHours.CloseHour == 0 {
		cfg.BusinessHours.CloseHour = 17
	}
}
