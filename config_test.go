package main

import (
	"strings"
	"testing"
)

const minimalConfig = `
receiver:
  frequency: 137912500
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Receiver.Frequency != 137912500 {
		t.Errorf("frequency = %d", cfg.Receiver.Frequency)
	}
	if cfg.Receiver.SampleRate != 48000 || cfg.Receiver.Preset != "iq48" {
		t.Errorf("receiver defaults = %+v", cfg.Receiver)
	}
	if cfg.Forwarder.Codec != CodecL16 || cfg.MQTT.PublishInterval != 60 {
		t.Errorf("forwarder codec %q, mqtt interval %d", cfg.Forwarder.Codec, cfg.MQTT.PublishInterval)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing frequency", "receiver:\n  frequency: 0\n", "receiver.frequency"},
		{"low sample rate", minimalConfig + "  sample_rate: 8000\n", "sample_rate"},
		{"bad receive mode", minimalConfig + "  receive_mode: some\n", "receive_mode"},
		{"bad source", minimalConfig + "  accept_sources: [\"not-an-ip\"]\n", "receiver source"},
		{"odd forwarder port", minimalConfig + "forwarder:\n  enabled: true\n  port_base: 5011\n  destinations: [\"239.1.1.1:5010\"]\n", "even"},
		{"forwarder without destinations", minimalConfig + "forwarder:\n  enabled: true\n", "destinations"},
		{"unknown codec", minimalConfig + "forwarder:\n  enabled: true\n  codec: mp3\n  destinations: [\"239.1.1.1:5010\"]\n", "codec"},
		{"mqtt without broker", minimalConfig + "mqtt:\n  enabled: true\n", "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in      string
		port    uint16
		wantErr bool
	}{
		{"192.168.1.10:5004", 5004, false},
		{"192.168.1.10", 0, false},
		{" 10.0.0.1:0 ", 0, false},
		{"10.0.0.1:70000", 0, true},
		{"::1", 0, true},
		{"host.example", 0, true},
	}
	for _, tt := range tests {
		a, err := parseSource(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSource(%q) error = %v", tt.in, err)
			continue
		}
		if err == nil && a.Port() != tt.port {
			t.Errorf("parseSource(%q) port = %d, want %d", tt.in, a.Port(), tt.port)
		}
	}
}

func TestIsIPAllowed(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig + "prometheus:\n  enabled: true\n  allowed_hosts: [\"127.0.0.1\", \"10.0.0.0/8\", \"::1\"]\n"))
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]bool{
		"127.0.0.1":   true,
		"10.20.30.40": true,
		"::1":         true,
		"192.168.1.1": false,
		"garbage":     false,
	}
	for ip, want := range tests {
		if got := cfg.Prometheus.IsIPAllowed(ip); got != want {
			t.Errorf("IsIPAllowed(%s) = %v, want %v", ip, got, want)
		}
	}

	if _, err := ParseConfig([]byte("prometheus:\n  enabled: true\n  allowed_hosts: [\"nope\"]\n")); err == nil {
		t.Error("expected error for invalid allowed host")
	}
}
