package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

//Config holds every setting of the service. Values are read from DEVUSAGE_* variables.
type Config struct {
	ServicePort string `envconfig:"SERVICE_PORT" default:"8880"`
	LogLevel    string `split_words:"true" default:"info"`

	DBHost     string        `envconfig:"DB_HOST"`
	DBUser     string        `envconfig:"DB_USER"`
	DBName     string        `envconfig:"DB_NAME"`
	DBPassword string        `envconfig:"DB_PASSWORD"`
	DBSSLMode  string        `envconfig:"DB_SSLMODE" default:"require"`
	DBTimeout  time.Duration `envconfig:"DB_TIMEOUT" default:"5s"`

	Broadcast    string `default:"hub"`
	MQTTBroker   string `envconfig:"MQTT_BROKER"`
	MQTTClientID string `envconfig:"MQTT_CLIENT_ID" default:"iot-device-usage"`

	VendorHost    string        `split_words:"true"`
	VendorWSURL   string        `envconfig:"VENDOR_WS_URL"`
	RemoteTimeout time.Duration `split_words:"true" default:"10s"`
	PollInterval  time.Duration `split_words:"true" default:"30s"`
	SyncWorkers   int           `split_words:"true" default:"8"`

	WSPingInterval         time.Duration `envconfig:"WS_PING_INTERVAL" default:"20s"`
	WSPongTimeout          time.Duration `envconfig:"WS_PONG_TIMEOUT" default:"10s"`
	WSReconnectInterval    time.Duration `envconfig:"WS_RECONNECT_INTERVAL" default:"5s"`
	WSMaxReconnectAttempts int           `envconfig:"WS_MAX_RECONNECT_ATTEMPTS" default:"10"`
	WSSendQueue            int           `envconfig:"WS_SEND_QUEUE" default:"16"`
	WSWriteTimeout         time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSDialTimeout          time.Duration `envconfig:"WS_DIAL_TIMEOUT" default:"10s"`

	DefaultPowerThreshold   float64 `split_words:"true" default:"5"`
	AnomalySchedule         string  `split_words:"true" default:"0 3 * * *"`
	AnomalyThresholdPercent float64 `split_words:"true" default:"25"`
	AnomalyMinBaseline      int     `split_words:"true" default:"5"`

	RiskMedium   float64 `split_words:"true" default:"10"`
	RiskHigh     float64 `split_words:"true" default:"25"`
	RiskCritical float64 `split_words:"true" default:"50"`
}

//Prefix of every environment variable read by Load
const Prefix = "DEVUSAGE"

//Load reads an optional .env file and then the environment
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, err
	}

	// SERVICE_PORT is shared with the other services and is read without prefix
	if port, ok := os.LookupEnv("SERVICE_PORT"); ok && port != "" {
		cfg.ServicePort = port
	}

	return cfg, nil
}

//RiskThresholds returns the configured risk buckets
func (c *Config) RiskThresholds() domain.RiskThresholds {
	return domain.RiskThresholds{
		Medium:   c.RiskMedium,
		High:     c.RiskHigh,
		Critical: c.RiskCritical,
	}
}

//BroadcastTransports returns the lower cased list of configured publishers
func (c *Config) BroadcastTransports() []string {
	transports := []string{}
	for _, t := range strings.Split(c.Broadcast, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			transports = append(transports, t)
		}
	}
	return transports
}
