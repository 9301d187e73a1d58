package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type LogLevel string

const (
	ClientID          = "ocpp-central-system"
	Trace    LogLevel = "trace"
	Debug    LogLevel = "debug"
	Info     LogLevel = "info"
	Warning  LogLevel = "warning"
)

const (
	envVarServerPort           = "SERVER_LISTEN_PORT"
	envVarTls                  = "TLS_ENABLED"
	envVarCaCertificate        = "CA_CERTIFICATE_PATH"
	envVarServerCertificate    = "SERVER_CERTIFICATE_PATH"
	envVarServerCertificateKey = "SERVER_CERTIFICATE_KEY_PATH"
	envVarLogLevel             = "LOG_LEVEL"
	envVarLogFile              = "LOG_FILE"
	envVarStoreBackend         = "STORE_BACKEND"
	envVarNatsURL              = "NATS_URL"
	envVarRedisAddr            = "REDIS_ADDR"
	envVarMQTTBroker           = "MQTT_BROKER"
	envVarAPIListen            = "API_LISTEN"
)

const (
	defaultListenPort        = 8887
	defaultListenPath        = "/{ws}"
	defaultHeartbeatInterval = 60
	defaultHeartbeatTimeout  = 90
)

const (
	StoreMemory = "memory"
	StoreNats   = "nats"
	StoreRedis  = "redis"

	NotifierNone = "none"
	NotifierNats = "nats"
	NotifierMQTT = "mqtt"
)

// Load builds the configuration from an optional .env file, an optional TOML
// file and the process environment, in that order of precedence (lowest
// first).
func Load(cfgFile string) (*Config, error) {
	// A missing .env is fine; only a malformed one is reported.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrap(err, "loading .env")
	}

	config := Default()
	if cfgFile != "" {
		if _, err := toml.DecodeFile(cfgFile, config); err != nil {
			return nil, errors.Wrap(err, "decoding toml")
		}
	}
	if err := config.applyEnv(); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return config, nil
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:              defaultListenPort,
			Path:              defaultListenPath,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
		},
		Store: Store{
			Backend: StoreMemory,
			Nats:    NatsStore{URL: "nats://127.0.0.1:4222", Bucket: "ocpp"},
			Redis:   RedisStore{Addr: "127.0.0.1:6379", Prefix: "ocpp"},
		},
		Notifier: Notifier{
			Backend: NotifierNone,
			Nats: NatsNotifier{
				URL:            "nats://127.0.0.1:4222",
				RequestSubject: "request",
				RequestTimeout: 180,
			},
			MQTT: MQTTSettings{BaseTopic: "ocpp"},
		},
		LogLevel: Info,
	}
}

type Config struct {
	Server   Server   `toml:"server"`
	Store    Store    `toml:"store"`
	Notifier Notifier `toml:"notifier"`
	API      API      `toml:"api"`

	// LogFile is the path to the log on disk. Logs go to stdout when empty.
	LogFile string `toml:"log_file"`
	// LogLevel sets the logging output to desired level.
	LogLevel LogLevel `toml:"log_level"`
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "validating server")
	}
	if err := c.Store.Validate(); err != nil {
		return errors.Wrap(err, "validating store")
	}
	if err := c.Notifier.Validate(); err != nil {
		return errors.Wrap(err, "validating notifier")
	}
	switch c.LogLevel {
	case Trace, Debug, Info, Warning:
	default:
		return fmt.Errorf("invalid log level: %q", c.LogLevel)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if val, ok := os.LookupEnv(envVarServerPort); ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", envVarServerPort)
		}
		c.Server.Port = port
	}
	if val, ok := os.LookupEnv(envVarTls); ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", envVarTls)
		}
		c.Server.TLS.Enabled = enabled
	}
	lookup := map[string]*string{
		envVarCaCertificate:        &c.Server.TLS.CACertificate,
		envVarServerCertificate:    &c.Server.TLS.Certificate,
		envVarServerCertificateKey: &c.Server.TLS.CertificateKey,
		envVarLogFile:              &c.LogFile,
		envVarStoreBackend:         &c.Store.Backend,
		envVarNatsURL:              &c.Store.Nats.URL,
		envVarRedisAddr:            &c.Store.Redis.Addr,
		envVarMQTTBroker:           &c.Notifier.MQTT.Broker,
		envVarAPIListen:            &c.API.Listen,
	}
	for name, target := range lookup {
		if val, ok := os.LookupEnv(name); ok {
			*target = val
		}
	}
	if val, ok := os.LookupEnv(envVarNatsURL); ok {
		c.Notifier.Nats.URL = val
	}
	if val, ok := os.LookupEnv(envVarLogLevel); ok {
		c.LogLevel = LogLevel(val)
	}
	return nil
}

type Server struct {
	Port int    `toml:"port"`
	Path string `toml:"path"`
	// HeartbeatInterval is the heartbeat cadence (seconds) requested from
	// charge points in the BootNotification response.
	HeartbeatInterval int `toml:"heartbeat_interval"`
	// HeartbeatTimeout is the number of seconds without Heartbeat or
	// BootNotification after which a charge point is considered offline.
	HeartbeatTimeout int `toml:"heartbeat_timeout"`
	TLS              TLS `toml:"tls"`
}

func (s *Server) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid listen port: %d", s.Port)
	}
	if s.Path == "" {
		s.Path = defaultListenPath
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval needs to be non zero")
	}
	if s.HeartbeatTimeout < s.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout (%d) must not be lower than heartbeat_interval (%d)", s.HeartbeatTimeout, s.HeartbeatInterval)
	}
	if err := s.TLS.Validate(); err != nil {
		return errors.Wrap(err, "validating tls")
	}
	return nil
}

func (s *Server) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(s.HeartbeatTimeout) * time.Second
}

type TLS struct {
	Enabled bool `toml:"enabled"`
	// CACertificate is optional; the system pool is used when empty.
	CACertificate  string `toml:"ca_certificate"`
	Certificate    string `toml:"certificate"`
	CertificateKey string `toml:"certificate_key"`
}

func (t *TLS) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.Certificate == "" {
		return fmt.Errorf("no required %v found", envVarServerCertificate)
	}
	if t.CertificateKey == "" {
		return fmt.Errorf("no required %v found", envVarServerCertificateKey)
	}
	return nil
}

type Store struct {
	Backend string     `toml:"backend"`
	Nats    NatsStore  `toml:"nats"`
	Redis   RedisStore `toml:"redis"`
}

func (s *Store) Validate() error {
	switch s.Backend {
	case StoreMemory:
	case StoreNats:
		if s.Nats.URL == "" || s.Nats.Bucket == "" {
			return fmt.Errorf("nats store needs url and bucket")
		}
	case StoreRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("redis store needs an address")
		}
		if s.Redis.Prefix == "" {
			s.Redis.Prefix = "ocpp"
		}
	default:
		return fmt.Errorf("unknown store backend: %q", s.Backend)
	}
	return nil
}

type NatsStore struct {
	URL    string `toml:"url"`
	Bucket string `toml:"bucket"`
}

type RedisStore struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	// Prefix namespaces every key written by the adapter.
	Prefix string `toml:"prefix"`
}

type Notifier struct {
	Backend string       `toml:"backend"`
	Nats    NatsNotifier `toml:"nats"`
	MQTT    MQTTSettings `toml:"mqtt"`
}

func (n *Notifier) Validate() error {
	switch n.Backend {
	case NotifierNone:
	case NotifierNats:
		if n.Nats.URL == "" {
			return fmt.Errorf("nats notifier needs an url")
		}
		if n.Nats.RequestSubject == "" {
			n.Nats.RequestSubject = "request"
		}
		if n.Nats.RequestTimeout <= 0 {
			n.Nats.RequestTimeout = 30
		}
	case NotifierMQTT:
		if err := n.MQTT.Validate(); err != nil {
			return errors.Wrap(err, "validating mqtt settings")
		}
	default:
		return fmt.Errorf("unknown notifier backend: %q", n.Backend)
	}
	return nil
}

type NatsNotifier struct {
	URL string `toml:"url"`
	// RequestSubject is the subject operator commands are received on.
	RequestSubject string `toml:"request_subject"`
	// RequestTimeout is the number of seconds an operator request waits for
	// the charge point before answering with request.timeout.
	RequestTimeout int `toml:"request_timeout"`
}

type MQTTSettings struct {
	Broker    string `toml:"broker"`
	Port      int    `toml:"port"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	BaseTopic string `toml:"base_topic"`
}

func (m *MQTTSettings) BrokerURI() (string, error) {
	if err := m.Validate(); err != nil {
		return "", errors.Wrap(err, "fetching broker URI")
	}

	uri := fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)
	return uri, nil
}

func (m *MQTTSettings) ClientOptions() (*mqtt.ClientOptions, error) {
	brokerURI, err := m.BrokerURI()
	if err != nil {
		return nil, errors.Wrap(err, "creating mqtt options")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURI)
	if m.Username != "" {
		opts.SetUsername(m.Username)
	}
	if m.Password != "" {
		opts.SetPassword(m.Password)
	}
	opts.SetClientID(ClientID)
	return opts, nil
}

func (m *MQTTSettings) Validate() error {
	if m.Broker == "" {
		return fmt.Errorf("broker cannot be empty when mqtt is used")
	}

	if m.Port == 0 {
		m.Port = 1883
	}
	if m.BaseTopic == "" {
		m.BaseTopic = "ocpp"
	}
	return nil
}

type API struct {
	// Listen is the address of the operator HTTP API. Disabled when empty.
	Listen string `toml:"listen"`
}
