// Package main provides the entry point for the counter telemetry
// collector. Flags double as the production knobs for a single polled
// device, mirroring cmd/ratelimiter-api/main.go's flag-parameterized wiring:
// no config file loader lives in the core (spec non-goal), so main builds
// the validated config structs directly from flag.* values.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"counterflow/internal/collector/bus"
	"counterflow/internal/collector/config"
	"counterflow/internal/collector/decode"
	"counterflow/internal/collector/device"
	"counterflow/internal/collector/health"
	"counterflow/internal/collector/metrics"
	"counterflow/internal/collector/model"
	"counterflow/internal/collector/modbus"
	"counterflow/internal/collector/obsserver"
	"counterflow/internal/collector/sink"
	"counterflow/internal/collector/sink/tsredis"
)

func main() {
	deviceID := flag.String("device_id", "device-1", "Unique identifier for the polled device")
	host := flag.String("host", "127.0.0.1", "Modbus TCP host")
	port := flag.Int("port", 502, "Modbus TCP port")
	unitID := flag.Int("unit_id", 1, "Modbus unit/slave identifier")
	pollInterval := flag.Duration("poll_interval", time.Second, "Per-device poll interval")
	readTimeout := flag.Duration("read_timeout", 3*time.Second, "Per-call read timeout")
	maxRetries := flag.Int("max_retries", 3, "Cap on the backoff exponent n after consecutive failed polls")
	keepAlive := flag.Bool("keepalive", true, "Enable TCP keepalive on the device connection")

	startRegister := flag.Int("start_register", 0, "Holding register address for the single demo channel")
	registerCount := flag.Int("register_count", 2, "Register count for the demo channel (1, 2, or 4)")
	scaleFactor := flag.Float64("scale_factor", 1.0, "Scale factor applied to the raw counter value")
	unit := flag.String("unit", "pulses", "Engineering unit label for the demo channel")

	batchSize := flag.Int("batch_size", 100, "Sink batch size before a size-triggered flush")
	flushInterval := flag.Duration("flush_interval", 5*time.Second, "Sink time-triggered flush interval")
	redisAddr := flag.String("redis_addr", "", "If non-empty, write readings to this Redis address; otherwise use an in-process no-op sink")

	httpAddr := flag.String("http_addr", ":8080", "Observability HTTP listen address (/healthz, /metrics)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	deviceCfg := config.DeviceConfig{
		DeviceID:     *deviceID,
		Host:         *host,
		Port:         *port,
		UnitID:       *unitID,
		PollInterval: *pollInterval,
		ReadTimeout:  *readTimeout,
		MaxRetries:   *maxRetries,
		KeepAlive:    *keepAlive,
		Channels: []config.ChannelConfig{
			{
				ChannelNumber: 1,
				StartRegister: *startRegister,
				RegisterCount: *registerCount,
				CounterWidth:  widthForRegisterCount(*registerCount),
				ScaleFactor:   *scaleFactor,
				Unit:          *unit,
				Enabled:       true,
			},
		},
	}
	global := config.DefaultGlobal()
	if err := deviceCfg.Validate(global); err != nil {
		log.Fatalf("invalid device configuration: %v", err)
	}

	reg := prometheus.NewRegistry()
	promRegistry := metrics.NewPrometheus(reg)

	readingBus := bus.New[model.Reading](*batchSize * 4)

	aggregator := health.New(nil)

	transport := modbus.NewTCPTransport(modbus.Config{
		Host:         deviceCfg.Host,
		Port:         deviceCfg.Port,
		UnitID:       deviceCfg.UnitID,
		KeepAlive:    deviceCfg.KeepAlive,
		PollInterval: deviceCfg.EffectivePollInterval(global),
	})
	dev := device.New(deviceCfg, global, transport, decode.Decode, promRegistry, aggregator, readingBus, logger)

	var store sink.TimeSeriesSink
	if *redisAddr != "" {
		store = tsredis.New(*redisAddr)
	} else {
		store = noopSink{logger: logger}
	}
	batchingSink := sink.New(sink.Config{
		BatchSize:     *batchSize,
		FlushInterval: *flushInterval,
	}, store, readingBus, promRegistry, logger)
	aggregator.SetSink(batchingSink)

	obs := obsserver.NewServer(aggregator, metrics.Handler(reg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dev.Start(ctx)
	go batchingSink.Run(ctx)

	go func() {
		logger.Info("observability server listening", "addr", *httpAddr)
		if err := obs.ListenAndServe(*httpAddr); err != nil {
			logger.Error("observability server exited", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("shutting down collector...")
	cancel()
	dev.Stop()
	batchingSink.Stop()
	fmt.Println("collector stopped")
}

func widthForRegisterCount(n int) model.CounterWidth {
	switch n {
	case 1:
		return model.Width16
	case 2:
		return model.Width32
	default:
		return model.Width64
	}
}

// noopSink is the default TimeSeriesSink when no Redis address is given: it
// logs each batch instead of writing it anywhere, the same stand-in role
// persistence.LoggingRedisEvaler plays in the teacher's demo wiring.
type noopSink struct{ logger *slog.Logger }

func (n noopSink) WriteBatch(_ context.Context, readings []model.Reading) error {
	n.logger.Info("sink write (no-op)", "count", len(readings))
	return nil
}
