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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/camera-fusion/internal/api"
	"github.com/banshee-data/camera-fusion/internal/calibration"
	"github.com/banshee-data/camera-fusion/internal/config"
	"github.com/banshee-data/camera-fusion/internal/db"
	"github.com/banshee-data/camera-fusion/internal/fusion/l4emit"
	"github.com/banshee-data/camera-fusion/internal/fusion/pipeline"
	"github.com/banshee-data/camera-fusion/internal/httputil"
	"github.com/banshee-data/camera-fusion/internal/monitoring"
	"github.com/banshee-data/camera-fusion/internal/mqtt"
	"github.com/banshee-data/camera-fusion/internal/network"
	"github.com/banshee-data/camera-fusion/internal/version"
)

var (
	listen          = flag.String("listen", ":8080", "HTTP listen address")
	calibrationFile = flag.String("calibration", "config/calibration.yaml", "Camera extrinsics YAML file")
	tuningFile      = flag.String("config", "", "Fusion tuning JSON file (defaults built in)")
	showVersion     = flag.Bool("version", false, "Print version and exit")

	udpAddr   = flag.String("udp-addr", ":9870", "UDP address for detection batches (empty disables)")
	udpRcvBuf = flag.Int("udp-rcvbuf", 4<<20, "UDP receive buffer size in bytes")

	grpcListen     = flag.String("grpc-listen", "localhost:50061", "gRPC frame stream address (empty disables)")
	grpcMaxClients = flag.Int("grpc-max-clients", 8, "Maximum concurrent gRPC stream clients")

	dbPath      = flag.String("db", "fusion.db", "SQLite database for recorded frames (empty disables)")
	dbRetention = flag.Duration("db-retention", 24*time.Hour, "Delete recorded frames older than this (0 keeps everything)")

	mqttBroker   = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	mqttTopic    = flag.String("mqtt-topic", "fusion", "MQTT topic prefix")
	mqttClientID = flag.String("mqtt-client-id", "camera-fusion", "MQTT client id")
	mqttQoS      = flag.Int("mqtt-qos", 0, "MQTT publish QoS (0-2)")
	mqttPerLabel = flag.Bool("mqtt-per-label", false, "Also publish groups per label under <topic>/labels/<label>")

	pcapFile     = flag.String("pcap", "", "Replay detection batches from a pcap file instead of listening on UDP")
	pcapPort     = flag.Int("pcap-port", 9870, "UDP destination port to replay from the pcap (0 = all)")
	pcapRealtime = flag.Bool("pcap-realtime", true, "Pace pcap replay by capture timestamps")
	pcapSpeed    = flag.Float64("pcap-speed", 1.0, "Pcap replay speed multiplier")

	devMode       = flag.Bool("dev", false, "Feed the pipeline from the synthetic scene generator")
	syntheticSeed = flag.Int64("synthetic-seed", 1, "Random seed for the synthetic generator")

	diagLog  = flag.Bool("diag", false, "Log per-window diagnostics to stderr")
	traceLog = flag.String("trace-log", "", "Write per-detection trace logs to this file")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("camera-fusion %s", version.Get())

	table, err := calibration.LoadFile(*calibrationFile)
	if err != nil {
		log.Fatalf("failed to load calibration: %v", err)
	}
	log.Printf("loaded extrinsics for %d cameras from %s", table.Len(), *calibrationFile)

	tuning := config.DefaultTuningConfig()
	if *tuningFile != "" {
		if tuning, err = config.LoadTuningConfig(*tuningFile); err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	var traceWriter io.Writer
	if *traceLog != "" {
		f, err := os.OpenFile(*traceLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("failed to open trace log: %v", err)
		}
		defer f.Close()
		traceWriter = f
	}
	var diagWriter io.Writer
	if *diagLog {
		diagWriter = os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, diagWriter, traceWriter)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := monitoring.NewFusionMetrics(registry)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	publisher := l4emit.NewPublisher()
	defer publisher.Close()

	fusionPipeline, err := pipeline.New(pipeline.Config{
		Extrinsics: table,
		Tuning:     tuning,
		Publisher:  publisher,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf("failed to create fusion pipeline: %v", err)
	}

	router, err := network.NewRouter(network.RouterConfig{
		Extrinsics: table,
		Submitter:  fusionPipeline,
		QueueDepth: tuning.GetQueueDepth(),
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf("failed to create router: %v", err)
	}

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
	}

	var sink *mqtt.Sink
	if *mqttBroker != "" {
		sink, err = mqtt.NewSink(mqtt.Config{
			Broker:   *mqttBroker,
			Topic:    *mqttTopic,
			ClientID: *mqttClientID,
			QoS:      byte(*mqttQoS),
			PerLabel: *mqttPerLabel,
		})
		if err != nil {
			log.Fatalf("failed to configure mqtt: %v", err)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	run("pipeline", fusionPipeline.Run)
	run("router", router.Run)

	var listener *network.UDPListener
	switch {
	case *devMode:
		gen, err := network.NewSyntheticGenerator(table, *syntheticSeed)
		if err != nil {
			log.Fatalf("failed to create synthetic generator: %v", err)
		}
		gen.FrameRate = tuning.GetFPS()
		run("synthetic", func(ctx context.Context) error { return gen.Run(ctx, router) })
	case *pcapFile != "":
		run("pcap", func(ctx context.Context) error {
			_, err := network.ReadPCAPFile(ctx, *pcapFile, network.ReplayConfig{
				UDPPort:         *pcapPort,
				Realtime:        *pcapRealtime,
				SpeedMultiplier: *pcapSpeed,
				Dispatcher:      router,
				Metrics:         metrics,
			})
			return err
		})
	case *udpAddr != "":
		listener = network.NewUDPListener(network.UDPListenerConfig{
			Address:    *udpAddr,
			RcvBuf:     *udpRcvBuf,
			Dispatcher: router,
			Metrics:    metrics,
		})
		run("udp", listener.Start)
	default:
		log.Print("no detection source configured; only heartbeats will flush")
	}

	if *grpcListen != "" {
		grpcCfg := l4emit.DefaultServerConfig()
		grpcCfg.ListenAddr = *grpcListen
		grpcCfg.MaxClients = *grpcMaxClients
		grpcServer := l4emit.NewServer(publisher, grpcCfg)
		run("grpc", func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- grpcServer.ListenAndServe() }()
			select {
			case <-ctx.Done():
				grpcServer.Stop()
				return nil
			case err := <-errCh:
				return err
			}
		})
	}

	if store != nil {
		recorder := db.NewRecorder(store, publisher, 0)
		run("recorder", recorder.Run)
		if *dbRetention > 0 {
			run("retention", func(ctx context.Context) error {
				return pruneLoop(ctx, store, *dbRetention)
			})
		}
	}

	if sink != nil {
		run("mqtt", func(ctx context.Context) error {
			if err := sink.Connect(ctx); err != nil {
				return err
			}
			return sink.Run(ctx, publisher)
		})
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiCfg := api.Config{State: fusionPipeline, Frames: publisher, Gatherer: registry}
		if store != nil {
			apiCfg.Store = store
		}
		apiServer := api.NewServer(apiCfg)
		apiServer.AddStatsSource("router", func() any { return router.Stats() })
		apiServer.AddStatsSource("publisher", func() any { return publisher.Stats() })
		if listener != nil {
			apiServer.AddStatsSource("udp", func() any { return listener.Stats() })
		}

		mux := apiServer.ServeMux()
		if store != nil {
			store.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: httputil.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// pruneLoop deletes frames older than retention once per hour.
func pruneLoop(ctx context.Context, store *db.DB, retention time.Duration) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		cutoff := time.Now().Add(-retention)
		if n, err := store.PruneBefore(cutoff); err != nil {
			log.Printf("[db] retention prune failed: %v", err)
		} else if n > 0 {
			log.Printf("[db] pruned %d frames older than %v", n, retention)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
