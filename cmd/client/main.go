package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/HMasataka/familyrelay/internal/logging"
	"github.com/HMasataka/familyrelay/pkg/client"
	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

// locationReport is what a child device sends on update-location
type locationReport struct {
	FamilyID         domain.FamilyID `json:"familyId"`
	Lat              float64         `json:"lat"`
	Lng              float64         `json:"lng"`
	Battery          int             `json:"battery"`
	IsInsideGeofence bool            `json:"isInsideGeofence"`
}

func main() {
	var (
		serverAddr = pflag.String("server", "ws://localhost:3000/ws", "relay websocket URL")
		family     = pflag.String("family", "", "family id to join")
		role       = pflag.String("role", "parent", "role: parent or child")
		encoding   = pflag.String("encoding", "json", "frame encoding: json or msgpack")
		interval   = pflag.Duration("interval", 5*time.Second, "child location report interval")
		logLevel   = pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	pflag.Parse()

	logger := logging.New(logging.Config{Level: *logLevel, Format: "pretty"})

	if *family == "" {
		fmt.Fprintln(os.Stderr, "--family is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := client.DefaultOptions()
	options.Logger = logger
	options.Encoding = *encoding

	c, err := client.Dial(ctx, *serverAddr, options)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	fid := domain.FamilyID(*family)
	if err := c.Join(ctx, fid); err != nil {
		logger.Error("failed to join", "error", err)
		os.Exit(1)
	}

	peer := client.NewPeer(c, fid, client.PeerOptions{Logger: logger})
	defer peer.Close()
	peer.HandleSignals(ctx)

	c.OnAny(func(msg *domain.Message) {
		fmt.Printf("<- %s %s\n", msg.Type, string(msg.Data))
	})

	switch *role {
	case "child":
		runChild(ctx, c, peer, fid, *interval, logger)
	default:
		runParent(ctx, c, peer, fid, logger)
	}
}

func runChild(ctx context.Context, c *client.Client, peer *client.Peer, family domain.FamilyID, interval time.Duration, logger *logging.Logger) {
	c.On(domain.EventRingAlarmCommand, func(*domain.Message) {
		fmt.Println("*** ALARM ***")
	})
	c.On(domain.EventStartStreamRequest, func(msg *domain.Message) {
		fmt.Printf("check-in requested: %s\n", string(msg.Data))
	})

	if err := peer.OnDataChannel(ctx, func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			_ = dc.SendText("hello from " + string(family))
		})
	}); err != nil {
		logger.Warn("live view unavailable", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	report := locationReport{FamilyID: family, Lat: 35.6812, Lng: 139.7671, Battery: 100, IsInsideGeofence: true}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			logger.Warn("connection closed")
			return
		case <-ticker.C:
			report.Lat += (rand.Float64() - 0.5) / 1000
			report.Lng += (rand.Float64() - 0.5) / 1000
			report.IsInsideGeofence = rand.IntN(10) > 0
			if report.Battery > 1 {
				report.Battery--
			}

			if err := c.Emit(ctx, domain.EventUpdateLocation, report); err != nil {
				logger.Warn("failed to report location", "error", err)
			}
		}
	}
}

func runParent(ctx context.Context, c *client.Client, peer *client.Peer, family domain.FamilyID, logger *logging.Logger) {
	fmt.Println("=== Parent Console ===")
	fmt.Println("Commands:")
	fmt.Println("  alarm            - Ring the child's alarm")
	fmt.Println("  listen           - Ask the child to start the microphone")
	fmt.Println("  checkin <type>   - Request a remote check-in (audio, video)")
	fmt.Println("  live             - Open a live-view data channel")
	fmt.Println("  quit             - Exit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			logger.Warn("connection closed")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !runCommand(ctx, c, peer, family, line, logger) {
				return
			}
		}
	}
}

func runCommand(ctx context.Context, c *client.Client, peer *client.Peer, family domain.FamilyID, line string, logger *logging.Logger) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}

	var err error
	switch parts[0] {
	case "alarm":
		err = c.Emit(ctx, domain.EventTriggerAlarm, domain.Family{FamilyID: family})

	case "listen":
		err = c.Emit(ctx, domain.EventStartAudioRequest, domain.Family{FamilyID: family})

	case "checkin":
		kind := "audio"
		if len(parts) > 1 {
			kind = parts[1]
		}
		raw, _ := json.Marshal(kind)
		err = c.Emit(ctx, domain.EventRequestRemoteCheckin, domain.RemoteCheckinRequest{FamilyID: family, Type: raw})

	case "live":
		var dc *webrtc.DataChannel
		dc, err = peer.Offer(ctx, "live")
		if err == nil {
			dc.OnMessage(func(m webrtc.DataChannelMessage) {
				fmt.Printf("[live] %s\n", string(m.Data))
			})
		}

	case "quit":
		fmt.Println("Goodbye!")
		return false

	default:
		fmt.Printf("Unknown command: %s\n", parts[0])
	}

	if err != nil {
		logger.Error("command failed", "command", parts[0], "error", err)
	}
	return true
}
