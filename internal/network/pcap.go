package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/camera-fusion/internal/monitoring"
)

// ReplayConfig configures PCAP replay of captured detection datagrams.
type ReplayConfig struct {
	// UDPPort keeps only datagrams sent to this port; 0 keeps every UDP
	// datagram.
	UDPPort int
	// Realtime paces dispatch by the capture timestamps.
	Realtime bool
	// SpeedMultiplier scales realtime pacing (2.0 = twice as fast).
	SpeedMultiplier float64
	Dispatcher      Dispatcher
	// Metrics is optional.
	Metrics *monitoring.FusionMetrics
}

// ReplayStats summarises one replay.
type ReplayStats struct {
	Packets      int
	Batches      int
	Dispatched   int
	DecodeErrors int
}

// ReadPCAPFile replays detection batches from a classic pcap capture. The
// reader is pure Go, so no libpcap build tag is needed.
func ReadPCAPFile(ctx context.Context, pcapFile string, cfg ReplayConfig) (ReplayStats, error) {
	f, err := os.Open(pcapFile)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, cfg)
}

// ReplayPCAP replays detection batches from a pcap stream.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig) (ReplayStats, error) {
	var stats ReplayStats

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	speed := cfg.SpeedMultiplier
	if speed <= 0 {
		speed = 1.0
	}
	log.Printf("[pcap] replay started: port=%d realtime=%v speed=%.1fx", cfg.UDPPort, cfg.Realtime, speed)

	startTime := time.Now()
	var lastCapture time.Time
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[pcap] replay stopping due to context cancellation (processed %d packets)", stats.Packets)
			return stats, err
		}

		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			log.Printf("[pcap] replay complete: %d packets, %d batches dispatched in %v",
				stats.Packets, stats.Dispatched, time.Since(startTime))
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read PCAP packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.UDPPort != 0 && int(udp.DstPort) != cfg.UDPPort {
			continue
		}

		if cfg.Realtime && !lastCapture.IsZero() {
			if gap := ci.Timestamp.Sub(lastCapture); gap > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(time.Duration(float64(gap) / speed)):
				}
			}
		}
		lastCapture = ci.Timestamp

		batch, err := DecodeBatch(udp.Payload)
		if err != nil {
			stats.DecodeErrors++
			cfg.Metrics.AddDropped(monitoring.DropDecode, 1)
			continue
		}
		stats.Batches++
		if cfg.Dispatcher != nil && cfg.Dispatcher.Dispatch(batch) {
			stats.Dispatched++
		}
	}
}
