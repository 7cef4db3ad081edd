// Command rfid-inspect correlates RFID chip readings into sensor bond states
// during an inspection scan, persists the results and publishes them to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/config"
	"github.com/sweeney/rfid-inspect/internal/logging"
	"github.com/sweeney/rfid-inspect/internal/logic"
	"github.com/sweeney/rfid-inspect/internal/metrics"
	"github.com/sweeney/rfid-inspect/internal/mqtt"
	"github.com/sweeney/rfid-inspect/internal/reader"
	"github.com/sweeney/rfid-inspect/internal/scan"
	"github.com/sweeney/rfid-inspect/internal/status"
	"github.com/sweeney/rfid-inspect/internal/store"
	"github.com/sweeney/rfid-inspect/internal/upload"
	"github.com/sweeney/rfid-inspect/internal/web"
)

const serviceName = "rfid-inspect"

// statusInterval is how often the loop refreshes the tracker and checks
// whether a heartbeat is due.
const statusInterval = time.Second

func main() {
	configPath := flag.String("config", "/etc/rfid-inspect/config.yaml", "Path to the YAML config file")
	structure := flag.String("structure", "", "Structure to inspect (overrides structure_id)")
	technician := flag.String("technician", "", "Technician running the scan (overrides technician)")
	httpAddr := flag.String("http", "", "HTTP status address (overrides http.addr)")
	printSensors := flag.Bool("print-sensors", false, "Print the structure's sensors and exit")

	flag.Parse()

	cfg, err := config.LoadWithOverrides(*configPath, config.Overrides{
		StructureID: *structure,
		Technician:  *technician,
		HTTPAddr:    *httpAddr,
	})
	if err != nil {
		log.Fatalf("fatal: load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		log.Fatalf("fatal: init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, *printSensors, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, printSensors bool, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pg := store.NewPostgres(db, logger)
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	// Print sensors mode
	if printSensors {
		sensors, err := pg.LoadSensors(ctx, cfg.StructureID)
		if err != nil {
			return err
		}
		return writeSensors(os.Stdout, sensors)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize MQTT; the reader feed shares the connection
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		StructureID: cfg.StructureID,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	defer publisher.Close()

	power, err := newPowerLine(cfg.Reader)
	if err != nil {
		return fmt.Errorf("init reader power: %w", err)
	}
	rfid := reader.New(reader.NewMQTTFeed(publisher.Client(), cfg.Reader.ID, logger), power, logger)
	defer rfid.Close()

	var wg sync.WaitGroup

	results := store.NewWriteBehind(pg, cfg.Results.QueueSize, logger, store.WithWriteMetrics(m))
	wg.Add(1)
	go func() {
		defer wg.Done()
		results.Run(ctx)
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		StructureID: cfg.StructureID,
		Technician:  cfg.Technician,
		ReaderID:    cfg.Reader.ID,
		WindowMs:    cfg.Scan.Window.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	notifier := mqtt.NewNotifier(publisher, 0, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		notifier.Run(ctx)
	}()

	ctl := scan.NewController(scan.Config{
		StructureID: cfg.StructureID,
		Technician:  cfg.Technician,
		Window:      cfg.Scan.Window,
		Driver:      rfid,
		Loader:      pg,
		Sessions:    pg,
		Sink:        results,
		Uploader:    upload.NewRedisStream(rdb, cfg.Redis.Stream, logger),
		Notifier:    scan.Notifiers{tracker, notifier},
		Metrics:     m,
		Logger:      logger,
	})
	tracker.SetSource(ctl)

	if err := ctl.Load(ctx); err != nil {
		return err
	}

	// Publish startup event with full status snapshot
	tracker.SetMQTTConnected(publisher.IsConnected())
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      mqtt.EventStartup,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, mqtt.EventStartup, ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		logger.Error("failed to publish startup event", zap.Error(err))
	} else {
		logger.Info("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, ctl, reg, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	logger.Info("started",
		zap.String("structure_id", cfg.StructureID),
		zap.String("technician", cfg.Technician),
		zap.Duration("window", cfg.Scan.Window),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Duration("heartbeat", cfg.Heartbeat),
	)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(ctl, publisher, publisher, tracker, logger, cfg.Heartbeat, time.Now, ticker.C, sigCh)

	// Results accepted before the pause must reach the database.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if ferr := results.Flush(flushCtx); ferr != nil {
		logger.Error("results not flushed", zap.Int("pending", results.Len()), zap.Error(ferr))
	}
	flushCancel()

	cancel()
	wg.Wait()
	return err
}

func newPowerLine(cfg config.ReaderConfig) (reader.PowerLine, error) {
	if cfg.PowerPin < 0 {
		return reader.NopPower{}, nil
	}
	line, err := reader.NewGPIOPower(cfg.PowerChip, cfg.PowerPin)
	if err != nil {
		return nil, err
	}
	return line, nil
}

// scanControl is the part of the controller the main loop drives.
type scanControl interface {
	State() logic.ScanState
	Pause() error
}

func runLoop(ctl scanControl, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, logger *zap.Logger, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	hb := logic.NewHeartbeat(now())

	for {
		select {
		case s := <-sig:
			logger.Info("shutting down", zap.String("signal", s.String()))
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}

			// Pause rather than stop so the session can be resumed.
			if ctl.State() == logic.ScanStarted {
				if err := ctl.Pause(); err != nil {
					logger.Error("failed to pause scan", zap.Error(err))
				}
			}

			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     mqtt.EventShutdown,
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, mqtt.EventShutdown, signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				logger.Error("failed to publish shutdown event", zap.Error(err))
			} else {
				logger.Info("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()

			// Update status tracker for HTTP consumers
			var counts logic.Counts
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				counts = tracker.Snapshot().Counts
			}

			hbData := hb.Check(t, heartbeat, counts)
			if hbData == nil {
				continue
			}
			logger.Info("heartbeat",
				zap.Duration("uptime", hbData.Uptime),
				zap.Int("ok", hbData.Counts.OK),
				zap.Int("nok", hbData.Counts.NOK),
				zap.Int("defective", hbData.Counts.Defective),
				zap.Int("unknown", hbData.Counts.Unknown),
			)

			hbEvent := mqtt.SystemEvent{
				Timestamp: hbData.Timestamp,
				Event:     mqtt.EventHeartbeat,
			}
			if tracker != nil {
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				hbEvent.RawPayload = status.FormatStatusEvent(snap, mqtt.EventHeartbeat, "")
			}
			if err := publisher.PublishSystem(hbEvent); err != nil {
				logger.Error("heartbeat publish error", zap.Error(err))
			}
		}
	}
}

// writeSensors prints the sensor table for -print-sensors.
func writeSensors(w io.Writer, sensors []logic.Sensor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCONTROL\tMEASURE\tSTATE")
	for _, s := range sensors {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.ControlChip, s.MeasureChip, s.State.Normalize())
	}
	return tw.Flush()
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
