package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher publishes metrics and pass events, and optionally takes
// AOS/LOS commands from a satellite tracker
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	metrics *PrometheusMetrics
	passes  *PassController
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// Metric categories, each published on <prefix>/<category>
const (
	categoryAPT         = "apt"
	categoryRTP         = "rtp"
	categoryWebSocket   = "websocket"
	categoryPushgateway = "pushgateway"
	categoryResources   = "resources"
)

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "aptrx_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker. When pass control is enabled
// and passes is set, <prefix>/pass is subscribed on every (re)connect.
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics, passes *PassController) (*MQTTPublisher, error) {
	mp := &MQTTPublisher{
		config:  config,
		metrics: metrics,
		passes:  passes,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
		// Subscriptions are lost on reconnect with a clean session
		if config.PassControl && passes != nil {
			mp.subscribePassControl(client)
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	mp.client = client

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)
	return mp, nil
}

func (mp *MQTTPublisher) passTopic() string {
	return mp.config.TopicPrefix + "/pass"
}

func (mp *MQTTPublisher) subscribePassControl(client mqtt.Client) {
	topic := mp.passTopic()
	token := client.Subscribe(topic, mp.config.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		cmd, err := parsePassCommand(msg.Payload())
		if err != nil {
			log.Printf("MQTT: Ignoring message on %s: %v", msg.Topic(), err)
			return
		}
		// paho delivers messages on its own goroutine; LOS may block on the image save
		go func() {
			if _, err := mp.passes.HandleCommand(context.Background(), cmd); err != nil {
				log.Printf("MQTT: Pass command %s failed: %v", cmd.Event, err)
			}
		}()
	})
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to subscribe to %s: %v", topic, token.Error())
		return
	}
	log.Printf("MQTT: Subscribed to %s for pass control", topic)
}

// Run publishes metrics at the configured interval until ctx is done
func (mp *MQTTPublisher) Run(ctx context.Context) {
	interval := mp.config.PublishInterval
	if interval <= 0 {
		interval = 60
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	log.Printf("MQTT: Metrics publisher started with %d second interval", interval)

	mp.publishAllMetrics()

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Metrics publisher stopped")
			mp.Disconnect()
			return
		case <-ticker.C:
			mp.publishAllMetrics()
		}
	}
}

// metricCategory maps a metric name to its publish category
func metricCategory(name string) string {
	rest, ok := strings.CutPrefix(name, metricNamePrefix)
	if !ok {
		return categoryResources
	}
	switch {
	case strings.HasPrefix(rest, "rtp_"), strings.HasPrefix(rest, "forwarded_"), strings.HasPrefix(rest, "ssrc_"):
		return categoryRTP
	case strings.HasPrefix(rest, "websocket_"):
		return categoryWebSocket
	case strings.HasPrefix(rest, "pushgateway_"):
		return categoryPushgateway
	case strings.HasPrefix(rest, "goroutines"), strings.HasPrefix(rest, "memory_"), strings.HasPrefix(rest, "cpu_"):
		return categoryResources
	}
	return categoryAPT
}

// metricKey flattens labels into the key, in sorted label order so the key
// is stable between publishes
func metricKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, l.GetName()+"_"+l.GetValue())
	}
	sort.Strings(pairs)
	return name + "_" + strings.Join(pairs, "_")
}

// categorize groups gathered metric families by category
func categorize(families []*dto.MetricFamily) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		category := metricCategory(name)
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			if out[category] == nil {
				out[category] = make(map[string]float64)
			}
			out[category][metricKey(name, m.GetLabel())] = value
		}
	}
	return out
}

// publishAllMetrics gathers the default registry and publishes one message
// per category
func (mp *MQTTPublisher) publishAllMetrics() {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	timestamp := time.Now().Unix()
	for category, metrics := range categorize(families) {
		mp.publish(fmt.Sprintf("%s/%s", mp.config.TopicPrefix, category), MetricPayload{
			Timestamp: timestamp,
			Metrics:   metrics,
		})
	}
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	case m.GetHistogram() != nil:
		return m.GetHistogram().GetSampleSum(), true
	case m.GetSummary() != nil:
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish sends a payload to an MQTT topic
func (mp *MQTTPublisher) publish(topic string, payload MetricPayload) {
	if len(payload.Metrics) == 0 {
		return
	}
	mp.publishJSON(topic, payload, mp.config.Retain)
}

func (mp *MQTTPublisher) publishJSON(topic string, v any, retain bool) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// AnnouncePass publishes a handled AOS or LOS on <prefix>/events/pass
func (mp *MQTTPublisher) AnnouncePass(ann PassAnnouncement) {
	if mp == nil {
		return
	}
	mp.publishJSON(mp.config.TopicPrefix+"/events/pass", ann, false)
}

// Disconnect closes the MQTT connection
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
