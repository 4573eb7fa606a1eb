package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/ScaleAgent/internal/agent"
	"github.com/NowakAdmin/ScaleAgent/internal/config"
	"github.com/NowakAdmin/ScaleAgent/internal/metrics"
	"github.com/NowakAdmin/ScaleAgent/internal/mqtt"
	"github.com/NowakAdmin/ScaleAgent/internal/scale"
	"github.com/NowakAdmin/ScaleAgent/internal/serialport"
	"github.com/NowakAdmin/ScaleAgent/internal/tray"
	"github.com/NowakAdmin/ScaleAgent/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "configure":
			runConfigure()
			return
		case "headless":
			runHeadless()
			return
		case "devices":
			runDevices()
			return
		case "read":
			runRead()
			return
		case "version":
			fmt.Printf("ScaleAgent %s\n", version.Version)
			return
		case "tray":
		}
	}

	runTray()
}

func runConfigure() {
	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Błąd odczytu konfiguracji: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	serverURL := fs.String("server", cfg.ServerURL, "Base URL API Bizanti, np. https://bizanti.pl")
	wsURL := fs.String("ws", cfg.WebSocketURL, "URL WebSocket agenta, np. wss://bizanti.pl/agent/ws")
	agentID := fs.String("agent-id", cfg.AgentID, "ID konta agenta")
	token := fs.String("token", cfg.AgentToken, "Token API agenta")
	tenantID := fs.String("tenant-id", cfg.TenantID, "Opcjonalny tenant ID")
	deviceName := fs.String("name", cfg.DeviceName, "Nazwa agenta widoczna w Bizanti")
	logLevel := fs.String("log-level", cfg.LogLevel, "Poziom logowania: debug, info, warn, error")
	minRetries := fs.Int("min-retries", cfg.Scales.MinRetries, "Minimalna liczba powtórzeń odczytu wagi")
	monitorOnError := fs.String("monitor-on-error", cfg.Scales.MonitorOnError, "Zachowanie monitoringu po błędzie: continue lub stop")
	mqttBroker := fs.String("mqtt-broker", cfg.MQTT.Broker, "Broker MQTT, np. tcp://localhost:1883 (puste wyłącza)")
	mqttPrefix := fs.String("mqtt-prefix", cfg.MQTT.TopicPrefix, "Prefiks tematów MQTT")
	metricsAddr := fs.String("metrics", cfg.MetricsAddr, "Adres endpointu Prometheus, np. :9108 (puste wyłącza)")

	_ = fs.Parse(os.Args[2:])

	cfg.ServerURL = *serverURL
	cfg.WebSocketURL = *wsURL
	cfg.AgentID = *agentID
	cfg.AgentToken = *token
	cfg.TenantID = *tenantID
	cfg.DeviceName = *deviceName
	cfg.LogLevel = *logLevel
	cfg.Scales.MinRetries = *minRetries
	cfg.Scales.MonitorOnError = *monitorOnError
	cfg.MQTT.Broker = *mqttBroker
	cfg.MQTT.TopicPrefix = *mqttPrefix
	cfg.MetricsAddr = *metricsAddr

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Błąd zapisu konfiguracji: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Konfiguracja zapisana: %s\n", config.Path())
}

func runHeadless() {
	cfg, logger, closeFn := setup()
	defer closeFn()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, shutdown := buildAgent(ctx, cfg, logger)
	defer shutdown()

	if err := a.Start(ctx); err != nil {
		logger.Fatalf("Nie udało się wystartować agenta: %v", err)
	}

	<-ctx.Done()
	a.Stop()
}

func runTray() {
	cfg, logger, closeFn := setup()
	defer closeFn()

	a, shutdown := buildAgent(context.Background(), cfg, logger)
	defer shutdown()

	t := tray.New(cfg, a, logger)
	t.Run()
}

func runDevices() {
	devices, err := serialport.New().ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Błąd listowania portów: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(devices)
}

// runRead connects one scale, prints count readings and disconnects.
func runRead() {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	device := fs.String("device", "", "Port lub identyfikator USB, np. COM3, /dev/ttyUSB0, usb:6001")
	brand := fs.String("brand", "toledo", "Marka: toledo, elgin, filizola, micheletti, urano")
	model := fs.String("model", "", "Model/dialekt, np. prix3, ti420, uranopop")
	baud := fs.Int("baud", 9600, "Prędkość transmisji")
	dataBits := fs.Int("data-bits", 8, "Bity danych")
	parity := fs.String("parity", "none", "Parzystość: none, even, odd")
	stopBits := fs.String("stop-bits", "1", "Bity stopu: 1, 1.5, 2")
	timeout := fs.Int("timeout", 500, "Timeout odczytu w ms")
	retries := fs.Int("retries", 0, "Liczba powtórzeń")
	count := fs.Int("count", 1, "Liczba odczytów (0 = monitoring do przerwania)")
	detect := fs.Bool("detect", false, "Wykryj model wagi Urano")
	verbose := fs.Bool("v", false, "Loguj ramki na poziomie debug")
	_ = fs.Parse(os.Args[2:])

	if *device == "" {
		fmt.Fprintln(os.Stderr, "Podaj -device")
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var sb scale.StopBits
	if err := json.Unmarshal([]byte(`"`+*stopBits+`"`), &sb); err != nil {
		fmt.Fprintf(os.Stderr, "Błąd: %v\n", err)
		os.Exit(2)
	}

	cfg := scale.ConnectionConfig{
		Brand:       *brand,
		Model:       *model,
		BaudRate:    *baud,
		DataBits:    *dataBits,
		Parity:      scale.Parity(*parity),
		StopBits:    sb,
		Timeout:     timeout,
		Retries:     retries,
		DetectModel: *detect,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, err := scale.NewHandler(cfg.Brand, cfg.Model, serialport.New(), scale.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Błąd: %v\n", err)
		os.Exit(2)
	}
	if err := h.Connect(ctx, *device, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Błąd połączenia: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = h.Disconnect()
	}()

	enc := json.NewEncoder(os.Stdout)
	output := func(w scale.Weight, err error) {
		if err != nil {
			_ = enc.Encode(map[string]any{"error": scale.PayloadOf(err)})
			return
		}
		_ = enc.Encode(map[string]any{"weight": w.Float64(), "text": w.String()})
	}

	if *count == 1 {
		output(h.ReadWeight(ctx, 0))
		return
	}

	n := 0
	for w, err := range h.Monitor(scale.MonitorContinue).All(ctx) {
		output(w, err)
		n++
		if *count > 0 && n >= *count {
			return
		}
	}
}

func setup() (*config.Config, *logrus.Logger, func()) {
	cfg, err := config.LoadOrCreateDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Błąd konfiguracji: %v\n", err)
		os.Exit(1)
	}

	logger, closeFn, err := buildLogger(cfg.Level())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Błąd loggera: %v\n", err)
		os.Exit(1)
	}

	return cfg, logger, closeFn
}

// buildAgent wires metrics and MQTT around the agent. shutdown releases
// them after the agent has stopped.
func buildAgent(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*agent.Agent, func()) {
	m := metrics.New()
	opts := []agent.Option{agent.WithObserver(m)}

	var pub *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		var err error
		pub, err = mqtt.Connect(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Warnf("MQTT wyłączone: %v", err)
		} else {
			opts = append(opts, agent.WithSink(pub))
		}
	}

	a := agent.New(cfg, logger, opts...)
	m.Track(a.Registry())
	logger.AddHook(agent.NewLogHook(a, logrus.WarnLevel))

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(metricsCtx, cfg.MetricsAddr, logger); err != nil {
				logger.Errorf("Serwer metryk: %v", err)
			}
		}()
	}

	return a, func() {
		stopMetrics()
		if pub != nil {
			pub.Close()
		}
	}
}

func buildLogger(level logrus.Level) (*logrus.Logger, func(), error) {
	logPath := filepath.Join(config.LogDir(), "agent.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
		DisableColors:   true,
	})

	return logger, func() {
		_ = f.Close()
	}, nil
}
