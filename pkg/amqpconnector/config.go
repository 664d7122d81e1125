package amqpconnector

import (
	"crypto/tls"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config is the immutable session configuration described in spec §3.
// Zero-value fields are filled in by normalize() with the defaults from
// spec §6.
type Config struct {
	// Host is the broker address. If it has no ":port" suffix, one is
	// appended: 5671 for TLS, 5672 otherwise.
	Host        string
	User        string
	Password    string
	VirtualHost string
	TLSConfig   *tls.Config // passed through opaquely; nil means cleartext

	// Master selects the dispatching role; false selects the worker role.
	Master bool
	// Synchronous selects poll-based basic.get; false uses a pushed consumer.
	Synchronous bool

	TaskQueue        string
	ResponseQueue    string
	TaskExchange     string
	ResponseExchange string
	ExchangeType     string

	Durable     bool
	FlushQueues bool

	Prefetch          int
	SessionFetchLimit int // 0 means unbounded

	PollRate          time.Duration
	Heartbeat         time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	SocketTimeout     time.Duration
	AckRx             bool

	// LocalQueueCapacity bounds the inbound/outbound local queues. spec §3
	// calls them "bounded" without naming a bound; see DESIGN.md.
	LocalQueueCapacity int

	RestartBackoffMin time.Duration
	RestartBackoffMax time.Duration

	MetricsNamespace string
	Registerer       prometheus.Registerer // nil disables metrics registration

	Logger Logger
	Hooks  []Hook
}

// defaults mirrors spec §6's Configuration defaults table.
func defaults() Config {
	return Config{
		User:               "guest",
		Password:           "guest",
		VirtualHost:        "/",
		TaskQueue:          "task.q",
		ResponseQueue:      "response.q",
		TaskExchange:       "tasks.e",
		ResponseExchange:   "resps.e",
		ExchangeType:       "direct",
		Master:             false,
		Synchronous:        true,
		FlushQueues:        false,
		Heartbeat:          120 * time.Second,
		PollRate:           250 * time.Millisecond,
		Prefetch:           1,
		SessionFetchLimit:  0,
		Durable:            false,
		SocketTimeout:      10 * time.Second,
		KeepaliveInterval:  10 * time.Second,
		KeepaliveTimeout:   120 * time.Second,
		AckRx:              true,
		LocalQueueCapacity: 1000,
		RestartBackoffMin:  250 * time.Millisecond,
		RestartBackoffMax:  30 * time.Second,
		MetricsNamespace:   "amqpconnector",
	}
}

// normalize fills zero-value fields with defaults, applies the host:port
// convention, and validates. It never mutates the caller's Config.
func normalize(cfg Config) (Config, error) {
	d := defaults()

	if cfg.User == "" {
		cfg.User = d.User
	}
	if cfg.Password == "" {
		cfg.Password = d.Password
	}
	if cfg.VirtualHost == "" {
		cfg.VirtualHost = d.VirtualHost
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = d.TaskQueue
	}
	if cfg.ResponseQueue == "" {
		cfg.ResponseQueue = d.ResponseQueue
	}
	if cfg.TaskExchange == "" {
		cfg.TaskExchange = d.TaskExchange
	}
	if cfg.ResponseExchange == "" {
		cfg.ResponseExchange = d.ResponseExchange
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = d.ExchangeType
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = d.Heartbeat
	}
	if cfg.PollRate == 0 {
		cfg.PollRate = d.PollRate
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = d.Prefetch
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = d.SocketTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = d.KeepaliveInterval
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = d.KeepaliveTimeout
	}
	if cfg.LocalQueueCapacity == 0 {
		cfg.LocalQueueCapacity = d.LocalQueueCapacity
	}
	if cfg.RestartBackoffMin == 0 {
		cfg.RestartBackoffMin = d.RestartBackoffMin
	}
	if cfg.RestartBackoffMax == 0 {
		cfg.RestartBackoffMax = d.RestartBackoffMax
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = d.MetricsNamespace
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	// AckRx and Synchronous default to true in spec §6, but Go's bool zero
	// value is false, so normalize cannot tell "unset" from "explicitly
	// false" here. Callers get the documented defaults by starting from
	// DefaultConfig() rather than a bare Config{}.

	if cfg.Host == "" {
		return cfg, ErrMissingHost
	}
	if !strings.Contains(cfg.Host, ":") {
		if cfg.TLSConfig != nil {
			cfg.Host += ":5671"
		} else {
			cfg.Host += ":5672"
		}
	}

	if !strings.HasSuffix(cfg.TaskQueue, ".q") || !strings.HasSuffix(cfg.ResponseQueue, ".q") {
		return cfg, ErrBadName
	}
	if !strings.HasSuffix(cfg.TaskExchange, ".e") || !strings.HasSuffix(cfg.ResponseExchange, ".e") {
		return cfg, ErrBadName
	}
	if cfg.SessionFetchLimit < 0 {
		return cfg, ErrBadConfig
	}
	if cfg.Prefetch <= 0 {
		return cfg, ErrBadConfig
	}

	return cfg, nil
}

// DefaultConfig returns a Config with every spec §6 default applied,
// including AckRx=true, ready to have the caller-specific fields (Host,
// Master, ...) set before being passed to New.
func DefaultConfig() Config {
	cfg := defaults()
	cfg.AckRx = true
	return cfg
}

// routingKey returns the substring of a queue name preceding its first ".",
// per spec §6's naming convention.
func routingKey(queueName string) string {
	if i := strings.IndexByte(queueName, '.'); i >= 0 {
		return queueName[:i]
	}
	return queueName
}

// fetchLimited reports whether a non-zero fetch limit is configured; a zero
// limit behaves as unbounded (spec §8 boundary behavior).
func (c Config) fetchLimited() bool { return c.SessionFetchLimit > 0 }

// LoadConfigFile loads a Config from a JSON settings file, the same shape
// as the original Python source's settings.json. Config loading is treated
// as an external, pass-through concern (spec §1), so this intentionally
// stays on encoding/json rather than a templated/validating config library.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	var raw struct {
		Host         string `json:"RABBIT_SRVER"`
		User         string `json:"RABBIT_LOGIN"`
		Password     string `json:"RABBIT_PASWD"`
		VirtualHost  string `json:"RABBIT_VHOST"`
		TaskQueue    string `json:"task_queue"`
		ResponseQueue string `json:"response_queue"`
		TaskExchange string `json:"task_exchange"`
		RespExchange string `json:"response_exchange"`
		Durable      bool   `json:"durable"`
	}
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return cfg, err
	}

	cfg.Host = raw.Host
	cfg.User = raw.User
	cfg.Password = raw.Password
	cfg.VirtualHost = raw.VirtualHost
	if raw.TaskQueue != "" {
		cfg.TaskQueue = raw.TaskQueue
	}
	if raw.ResponseQueue != "" {
		cfg.ResponseQueue = raw.ResponseQueue
	}
	if raw.TaskExchange != "" {
		cfg.TaskExchange = raw.TaskExchange
	}
	if raw.RespExchange != "" {
		cfg.ResponseExchange = raw.RespExchange
	}
	cfg.Durable = raw.Durable
	return cfg, nil
}
