// Command armlinkd runs the serial core for the manipulator: it owns the
// link, polls the controller boards for status, and accepts motion commands
// on behalf of in-process consumers subscribed to the bus.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/evobot-data/armlink/internal/bus"
	"github.com/evobot-data/armlink/internal/calib"
	"github.com/evobot-data/armlink/internal/config"
	"github.com/evobot-data/armlink/internal/dispatch"
	"github.com/evobot-data/armlink/internal/poller"
	"github.com/evobot-data/armlink/internal/protocol"
	"github.com/evobot-data/armlink/internal/seriallink"
)

var (
	devMode    = flag.Bool("dev", false, "Run against a simulated arm instead of real hardware")
	configPath = flag.String("config", "", "Path to YAML config (optional)")
	portPath   = flag.String("port", "/dev/ttyUSB0", "Serial port to use (ignored in dev mode)")
	baudRate   = flag.Int("baud", 0, "Baud rate override (0 keeps the configured value)")
	statsEvery = flag.Duration("stats", 10*time.Second, "Interval between stats log lines")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if cfg.Port == "" {
		cfg.Port = *portPath
	}
	if *baudRate > 0 {
		cfg.Serial.BaudRate = *baudRate
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	defer b.Close()

	linkOpts := cfg.LinkOptions()
	if *devMode {
		mock := seriallink.NewMockPort()
		linkOpts.Opener = seriallink.MockOpener(mock)
		go simulateArm(ctx, mock, cfg.PollInterval())
		log.Printf("Running in dev mode with a simulated arm")
	}

	link := seriallink.New(cfg.Port, cfg.Serial, linkOpts, b)
	if err := link.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer link.Disconnect()

	p := poller.New(link, b, cfg.PollInterval(), cfg.PollTargets())
	p.Start(ctx)
	defer p.Stop()

	zeros := calib.NewStaticSource(cfg.Joints.Count)
	dispatcher := dispatch.New(link, zeros, dispatch.Options{
		JointCount:  cfg.Joints.Count,
		PositionMin: cfg.Joints.PositionMin,
		PositionMax: cfg.Joints.PositionMax,
		Interval:    cfg.CommandInterval(),
	})
	defer dispatcher.Stop()

	// Log state updates so an unattended daemon leaves a trace of activity.
	b.Subscribe(bus.TopicLinkState, func(m bus.Message) {
		if change, ok := m.Data.(seriallink.StateChange); ok {
			log.Printf("Link state: %v -> %v", change.From, change.To)
		}
	})

	ticker := time.NewTicker(*statsEvery)
	defer ticker.Stop()

	log.Printf("armlinkd up on %s", cfg.Port)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Shutting down")
			return
		case <-ticker.C:
			s := link.Stats()
			log.Printf("stats: sent=%dB recv=%dB send_errs=%d frame_errs=%d reconnects=%d queue=%d",
				s.BytesSent, s.BytesReceived, s.SendErrors, s.FrameErrors, s.ReconnectCount, s.SendQueueSize)
		}
	}
}

// simulateArm feeds synthetic status frames into the mock port so dev mode
// exercises the full decode/aggregate/publish path without hardware.
func simulateArm(ctx context.Context, port *seriallink.MockPort, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			phase := float64(tick) / 20
			if tick%2 == 0 {
				port.AddReadData(syntheticStatus(protocol.TypeArmStatus, 4, phase))
			} else {
				port.AddReadData(syntheticStatus(protocol.TypeFingerStatus, 6, phase))
			}
		}
	}
}

func syntheticStatus(t protocol.FrameType, joints int, phase float64) []byte {
	payload := make([]byte, 0, joints*6+2)
	for i := 0; i < joints; i++ {
		pos := 1500 + int(300*math.Sin(phase+float64(i)))
		payload = append(payload,
			byte(pos>>8), byte(pos), // position
			0x00, 0x10, // velocity
			0x00, 0x64, // current
		)
	}
	payload = append(payload, 0x01, 0xF4) // total current
	return protocol.Encode(t, protocol.AxisNone, payload)
}
