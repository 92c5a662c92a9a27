package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/cwsl/ka9q_aptrx/rtpnet"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Radiod     RadiodConfig     `yaml:"radiod"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	APT        APTConfig        `yaml:"apt"`
	Forwarder  ForwarderConfig  `yaml:"forwarder"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// RadiodConfig contains radiod connection settings
type RadiodConfig struct {
	StatusGroup string `yaml:"status_group"`
	DataGroup   string `yaml:"data_group"`
	Interface   string `yaml:"interface"`
}

// ReceiverConfig describes the IQ channel requested from radiod
type ReceiverConfig struct {
	Name       string `yaml:"name"`
	Frequency  uint64 `yaml:"frequency"`   // Hz
	Preset     string `yaml:"preset"`      // radiod preset (default iq48)
	SampleRate int    `yaml:"sample_rate"` // IQ sample rate in Hz (default 48000)
	SSRC       uint32 `yaml:"ssrc"`        // 0 derives the SSRC from the frequency

	ReceiveMode   string   `yaml:"receive_mode"`   // accept_all, accept_some or ignore_some
	AcceptSources []string `yaml:"accept_sources"` // host[:port], port 0 or omitted = all ports
	IgnoreSources []string `yaml:"ignore_sources"`
	QueueLength   int      `yaml:"queue_length"` // received packet queue (default 1024)
}

// APTConfig contains the decoder channel settings
type APTConfig struct {
	Settings      apt.Settings `yaml:"settings"`
	Record        bool         `yaml:"record"`         // record demodulated audio per pass
	RecordingsDir string       `yaml:"recordings_dir"` // default recordings
}

// ForwarderConfig controls re-publication of the demodulated audio over RTP
type ForwarderConfig struct {
	Enabled       bool     `yaml:"enabled"`
	PortBase      uint16   `yaml:"port_base"`    // local RTP port, even (default 5010)
	Destinations  []string `yaml:"destinations"` // host:port; multicast groups are joined
	MulticastTTL  int      `yaml:"multicast_ttl"`
	Interface     string   `yaml:"interface"`
	RTCPMux       bool     `yaml:"rtcp_mux"`
	PayloadType   uint8    `yaml:"payload_type"` // default 96
	Codec         string   `yaml:"codec"`        // l16 or opus
	OpusBitrate   int      `yaml:"opus_bitrate"`
	CollisionSecs int      `yaml:"collision_timeout"` // seconds a colliding address is remembered (default 50)
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	EnableCORS  bool   `yaml:"enable_cors"`
	Compression bool   `yaml:"compression"` // zstd compress websocket frames
}

// DatabaseConfig contains the pass history database location
type DatabaseConfig struct {
	Path string `yaml:"path"` // empty disables pass history
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`

	allowedNets []*net.IPNet
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`      // e.g. http://pushgateway:9091
	Instance string `yaml:"instance"` // basic auth username
	Token    string `yaml:"token"`    // basic auth password
	Interval int    `yaml:"interval"` // seconds (default 60)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"` // e.g. tcp://mqtt.example.com:1883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	PublishInterval int           `yaml:"publish_interval"` // seconds
	QoS             byte          `yaml:"qos"`
	Retain          bool          `yaml:"retain"`
	PassControl     bool          `yaml:"pass_control"` // subscribe to <prefix>/pass for AOS/LOS
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// GeoIPConfig contains IP geolocation settings for viewer logging
type GeoIPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"` // MaxMind GeoLite2 country or city database (.mmdb)
}

// MCPConfig contains Model Context Protocol server settings
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the configuration used for fields the file leaves out
func DefaultConfig() Config {
	return Config{
		Radiod: RadiodConfig{
			StatusGroup: "hf-status.local:5006",
			DataGroup:   "hf-pcm.local:5004",
		},
		Receiver: ReceiverConfig{
			Name:        "apt",
			Frequency:   137100000,
			Preset:      "iq48",
			SampleRate:  48000,
			ReceiveMode: "accept_all",
			QueueLength: 1024,
		},
		APT: APTConfig{
			Settings:      apt.DefaultSettings(),
			RecordingsDir: "recordings",
		},
		Forwarder: ForwarderConfig{
			PortBase:      5010,
			MulticastTTL:  1,
			PayloadType:   96,
			Codec:         "l16",
			OpusBitrate:   24000,
			CollisionSecs: 50,
		},
		Server: ServerConfig{Listen: ":8080"},
		Prometheus: PrometheusConfig{
			Pushgateway: PushgatewayConfig{Interval: 60},
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "aptrx",
			PublishInterval: 60,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration on top of DefaultConfig
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}
	if config.Receiver.SampleRate == 0 {
		config.Receiver.SampleRate = 48000
	}
	if config.Receiver.Preset == "" {
		config.Receiver.Preset = "iq48"
	}
	if config.Forwarder.Codec == "" {
		config.Forwarder.Codec = "l16"
	}
	if config.MQTT.PublishInterval <= 0 {
		config.MQTT.PublishInterval = 60
	}
	if config.Prometheus.Pushgateway.Interval <= 0 {
		config.Prometheus.Pushgateway.Interval = 60
	}
	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Radiod.StatusGroup == "" {
		return fmt.Errorf("radiod.status_group is required")
	}
	if c.Radiod.DataGroup == "" {
		return fmt.Errorf("radiod.data_group is required")
	}
	if c.Receiver.Frequency == 0 {
		return fmt.Errorf("receiver.frequency is required")
	}
	if c.Receiver.SampleRate < 16000 {
		return fmt.Errorf("receiver.sample_rate must be at least 16000")
	}
	if _, err := rtpnet.ParseReceiveMode(c.Receiver.ReceiveMode); err != nil {
		return fmt.Errorf("receiver.receive_mode: %w", err)
	}
	for _, s := range append(append([]string{}, c.Receiver.AcceptSources...), c.Receiver.IgnoreSources...) {
		if _, err := parseSource(s); err != nil {
			return fmt.Errorf("receiver source %q: %w", s, err)
		}
	}
	if err := c.APT.Settings.Validate(c.Receiver.SampleRate); err != nil {
		return fmt.Errorf("apt.settings: %w", err)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Forwarder.Enabled {
		if c.Forwarder.PortBase%2 != 0 {
			return fmt.Errorf("forwarder.port_base must be even")
		}
		if len(c.Forwarder.Destinations) == 0 {
			return fmt.Errorf("forwarder.destinations is required when the forwarder is enabled")
		}
		for _, d := range c.Forwarder.Destinations {
			if _, err := parseSource(d); err != nil {
				return fmt.Errorf("forwarder destination %q: %w", d, err)
			}
		}
		if c.Forwarder.Codec != "l16" && c.Forwarder.Codec != "opus" {
			return fmt.Errorf("forwarder.codec must be l16 or opus")
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// parseSource parses "a.b.c.d[:port]" into an IPv4 address. A missing port is port 0.
func parseSource(s string) (rtpnet.Address, error) {
	host, portStr, found := strings.Cut(strings.TrimSpace(s), ":")
	port := uint64(0)
	if found {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return rtpnet.Address{}, fmt.Errorf("invalid port: %w", err)
		}
		port = p
	}
	return rtpnet.ParseIPv4Address(host, uint16(port))
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))
	for _, s := range pc.AllowedHosts {
		if _, ipNet, err := net.ParseCIDR(s); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", s)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nil
}

// IsIPAllowed checks if an IP address is in the allowed hosts list
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
