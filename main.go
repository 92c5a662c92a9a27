package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/cwsl/ka9q_aptrx/rtpnet"
	"golang.org/x/sync/errgroup"
)

// Version is reported in status, MCP and pushgateway groupings
const Version = "0.3.0"

// Global debug flag
var DebugMode bool

// Global start time for process uptime tracking
var StartTime time.Time

// ServiceStatus is the combined state served on /api/status and over MCP
type ServiceStatus struct {
	Version   string               `json:"version"`
	Uptime    string               `json:"uptime"`
	Frequency uint64               `json:"frequency_hz"`
	APT       apt.Status           `json:"apt"`
	IQ        *IQStats             `json:"iq,omitempty"`
	Forwarder *rtpnet.SessionStats `json:"forwarder,omitempty"`
	Viewers   int                  `json:"viewers"`
	Pass      *PassCommand         `json:"pass,omitempty"`
	PassID    string               `json:"pass_id,omitempty"`
}

// corsMiddleware adds CORS headers to all responses if enabled in config
func corsMiddleware(config *Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Server.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func main() {
	StartTime = time.Now()

	configDir := flag.String("config-dir", ".", "Directory containing configuration files")
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	wavFile := flag.String("wav", "", "Decode an APT recording (WAV) instead of receiving, then exit")
	flag.Parse()

	// Environment variable takes precedence over the flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}
	apt.Debug = DebugMode
	rtpnet.Debug = DebugMode
	if DebugMode {
		log.Println("Debug mode enabled")
	}

	configPath := *configFile
	if *configDir != "." {
		configPath = filepath.Join(*configDir, *configFile)
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *wavFile != "" {
		if err := decodeRecording(ctx, config, *wavFile); err != nil {
			log.Fatalf("Failed to decode %s: %v", *wavFile, err)
		}
		return
	}

	if err := run(ctx, config); err != nil {
		log.Fatalf("Fatal: %v", err)
	}
	log.Println("Server stopped")
}

// decodeRecording feeds a WAV recording through the decoder and saves the image
func decodeRecording(ctx context.Context, config *Config, path string) error {
	pipeline, err := apt.NewPipeline(config.Receiver.SampleRate, config.APT.Settings)
	if err != nil {
		return err
	}
	if err := pipeline.Start(); err != nil {
		return err
	}
	defer pipeline.Stop()

	n, err := DecodeWAVFile(ctx, path, pipeline)
	if err != nil {
		return err
	}
	log.Printf("[WAV] Decoded %d samples from %s", n, path)

	// rows queued to the worker are handled before the save
	saveCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	files, err := pipeline.Save(saveCtx)
	if err != nil {
		return err
	}
	st, err := pipeline.ImageStatus(saveCtx)
	if err != nil {
		return err
	}
	log.Printf("[WAV] %d rows, channels %v, saved %v", st.Rows, st.Labels, files)
	return nil
}

// run starts every component and blocks until ctx is done or one fails
func run(ctx context.Context, config *Config) error {
	var metrics *PrometheusMetrics
	if config.Prometheus.Enabled {
		metrics = NewPrometheusMetrics()
		log.Println("Prometheus metrics enabled")
	}

	pipeline, err := apt.NewPipeline(config.Receiver.SampleRate, config.APT.Settings)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := pipeline.Start(); err != nil {
		return err
	}
	defer pipeline.Stop()

	var store *PassStore
	if config.Database.Path != "" {
		store, err = OpenPassStore(config.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		log.Printf("Pass history stored in %s", config.Database.Path)
	}

	var recorder *WAVRecorder
	if config.APT.Record {
		recorder = NewWAVRecorder(config.APT.RecordingsDir, apt.DecodeRate)
	}
	passes := NewPassController(pipeline, recorder, store, metrics)

	viewers, err := NewViewerLookup(config.GeoIP)
	if err != nil {
		log.Printf("Warning: %v", err)
		viewers, _ = NewViewerLookup(GeoIPConfig{})
	}
	defer viewers.Close()

	hub := NewAPTHub(pipeline, passes, NewFrameEncoder(config.Server.Compression), viewers, metrics)
	passes.OnAnnounce(hub.AnnouncePass)

	radiod, err := NewRadiodController(config.Radiod)
	if err != nil {
		return fmt.Errorf("failed to connect to radiod: %w", err)
	}
	defer radiod.Close()

	ssrc := channelSSRC(config.Receiver.SSRC, config.Receiver.Frequency)
	if err := radiod.CreateIQChannel(config.Receiver.Name, config.Receiver.Frequency,
		config.Receiver.Preset, config.Receiver.SampleRate, ssrc); err != nil {
		return fmt.Errorf("failed to create IQ channel: %w", err)
	}
	defer func() {
		if err := radiod.DisableChannel(config.Receiver.Name, ssrc); err != nil {
			log.Printf("Warning: failed to disable channel: %v", err)
		}
	}()

	iq, err := NewIQReceiver(radiod.DataAddr(), radiod.Interface(), ssrc, config.Receiver, pipeline, metrics)
	if err != nil {
		return err
	}
	defer iq.Close()

	var forwarder *AudioForwarder
	if config.Forwarder.Enabled {
		if config.Forwarder.Codec == CodecOpus && !opusAvailable {
			log.Println("Warning: forwarder codec opus requested but not compiled in")
		}
		forwarder, err = NewAudioForwarder(config.Forwarder, metrics)
		if err != nil {
			return err
		}
	}

	var mqttPub *MQTTPublisher
	if config.MQTT.Enabled {
		mqttPub, err = NewMQTTPublisher(&config.MQTT, metrics, passes)
		if err != nil {
			log.Printf("Warning: MQTT disabled: %v", err)
			mqttPub = nil
		} else {
			passes.OnAnnounce(mqttPub.AnnouncePass)
		}
	}

	status := func() ServiceStatus {
		st := ServiceStatus{
			Version:   Version,
			Uptime:    time.Since(StartTime).Round(time.Second).String(),
			Frequency: config.Receiver.Frequency,
			APT:       pipeline.Status(),
			Viewers:   hub.ClientCount(),
		}
		iqStats := iq.Stats()
		st.IQ = &iqStats
		if forwarder != nil {
			fs := forwarder.Stats()
			st.Forwarder = &fs
		}
		if cmd, id, active := passes.Active(); active {
			st.Pass, st.PassID = &cmd, id
		}
		return st
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status())
	})
	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		handleSettings(w, r, pipeline)
	})
	mux.HandleFunc("/api/passes", func(w http.ResponseWriter, r *http.Request) {
		handlePasses(w, r, store)
	})
	if metrics != nil {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			handlePrometheusMetrics(w, r, config)
		})
	}
	if config.MCP.Enabled {
		mcpServer := NewMCPServer(pipeline, store, passes, status, config)
		mux.HandleFunc("/mcp", mcpServer.HandleMCP)
		log.Println("MCP server enabled on /mcp")
	}

	server := &http.Server{
		Addr:              config.Server.Listen,
		Handler:           corsMiddleware(config, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return iq.Run(ctx) })

	var outs []chan<- []float32
	if recorder != nil {
		ch := make(chan []float32, 64)
		outs = append(outs, ch)
		g.Go(func() error {
			recorder.Run(ctx, ch)
			return nil
		})
	}
	if forwarder != nil {
		ch := make(chan []float32, 64)
		outs = append(outs, ch)
		g.Go(func() error { return forwarder.Run(ctx, ch) })
	}
	if len(outs) > 0 {
		tap := make(chan []float32, 64)
		pipeline.SetAudioTap(tap)
		g.Go(func() error {
			fanOut(ctx, tap, outs...)
			return nil
		})
	}

	if metrics != nil {
		g.Go(func() error {
			metrics.StartStatusUpdater(ctx, pipeline, 5*time.Second)
			return nil
		})
		g.Go(func() error {
			metrics.StartPushgatewayWorker(ctx, config)
			return nil
		})
	}
	if mqttPub != nil {
		g.Go(func() error {
			mqttPub.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Printf("Server listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleSettings returns the settings on GET and applies a JSON patch on POST
func handleSettings(w http.ResponseWriter, r *http.Request, pipeline *apt.Pipeline) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, pipeline.Settings())
	case http.MethodPost:
		var patch apt.Patch
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
			return
		}
		s, err := pipeline.Apply(patch)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePasses lists recent passes: ?limit=N&satellite=NAME
func handlePasses(w http.ResponseWriter, r *http.Request, store *PassStore) {
	if store == nil {
		writeError(w, http.StatusNotFound, "pass history is not enabled")
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	passes, err := store.Recent(limit, r.URL.Query().Get("satellite"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, passes)
}
