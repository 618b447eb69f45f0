package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shaunagostinho/vld1-bridge/internal/bridge"
	"github.com/shaunagostinho/vld1-bridge/internal/radar"
	"github.com/shaunagostinho/vld1-bridge/internal/registers"
	"github.com/shaunagostinho/vld1-bridge/internal/server"
	"github.com/shaunagostinho/vld1-bridge/web"
)

func main() {
	configPath := flag.String("config", "/etc/vld1bridge/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated sensor")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] vld1bridge starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Radar.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Sensor transport
	var transport interface {
		radar.Transport
		Name() string
		Connect() error
	}
	switch cfg.Radar.Type {
	case "serial":
		transport = radar.NewSerialTransport(cfg.Radar.PortPath, cfg.Radar.Port)
	default:
		transport = radar.NewSimulator()
	}
	log.Printf("[main] radar transport: %s", transport.Name())

	engine := radar.NewEngine(transport, cfg.EngineConfig())

	// Registers read zero until the first poll
	bank := registers.New(cfg.Registers.Count)
	if bank.Size() != cfg.Registers.Count {
		log.Printf("[main] register count %d too small, using %d", cfg.Registers.Count, bank.Size())
	}
	if err := bank.Write(nil); err != nil {
		log.Printf("[main] register init: %v", err)
	}

	disp := bridge.New(engine, bank, cfg.AveragerConfig(), cfg.BridgeConfig())
	srv := server.New(cfg, engine, disp, bank, web.FS)

	link := &radarLink{
		transport: transport,
		engine:    engine,
		initBaud:  cfg.Radar.InitBaud,
		portBaud:  cfg.Radar.Port.BaudRate,
		onUp:      srv.MarkConnected,
	}

	// Connect in the background; the config service starts regardless
	go connectWithRetry(ctx, "radar", link, 10)

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}

	link.Close()
	if err := bank.Write(nil); err != nil {
		log.Printf("[main] register clear: %v", err)
	}
	log.Println("[main] stopped")
}

// radarLink opens the transport and the sensor session as one connect step.
type radarLink struct {
	transport interface {
		radar.Transport
		Connect() error
	}
	engine   *radar.Engine
	initBaud int
	portBaud int
	onUp     func()

	up atomic.Bool
}

// Connect opens the port, sends INIT and reads the parameter record.
func (l *radarLink) Connect() error {
	if err := l.transport.Connect(); err != nil {
		return err
	}

	baud, err := radar.BaudFromRate(l.initBaud)
	if err != nil {
		log.Printf("[radar] %v, using 115200", err)
		baud, l.initBaud = radar.Baud115200, 115200
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fw, err := l.engine.Init(ctx, baud)
	if err != nil {
		l.transport.Close()
		return err
	}
	if st, ok := l.transport.(*radar.SerialTransport); ok && l.initBaud != l.portBaud {
		if err := st.SetBaudRate(l.initBaud); err != nil {
			st.Close()
			return err
		}
	}
	if _, err := l.engine.ReadParams(ctx); err != nil {
		l.transport.Close()
		return err
	}

	log.Printf("[radar] session ready, firmware %s", fw)
	l.up.Store(true)
	if l.onUp != nil {
		l.onUp()
	}
	return nil
}

// Close ends the session with GBYE and releases the port.
func (l *radarLink) Close() error {
	if l.up.Swap(false) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.engine.Exit(ctx); err != nil {
			log.Printf("[radar] exit: %v", err)
		}
	}
	return l.transport.Close()
}

// connectable is satisfied by radarLink.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
