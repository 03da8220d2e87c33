package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/camera-fusion/internal/fusion"
	"github.com/banshee-data/camera-fusion/internal/monitoring"
)

// MaxDatagramSize bounds one detection batch on the wire.
const MaxDatagramSize = 64 * 1024

// ErrEmptyDeviceID is returned by DecodeBatch for a batch with no device id.
var ErrEmptyDeviceID = errors.New("batch has no device_id")

// DecodeBatch parses one JSON detection batch datagram.
func DecodeBatch(packet []byte) (fusion.CameraBatch, error) {
	var batch fusion.CameraBatch
	if err := json.Unmarshal(packet, &batch); err != nil {
		return fusion.CameraBatch{}, fmt.Errorf("decode batch: %w", err)
	}
	if batch.DeviceID == "" {
		return fusion.CameraBatch{}, ErrEmptyDeviceID
	}
	return batch, nil
}

// EncodeBatch is the inverse of DecodeBatch.
func EncodeBatch(batch fusion.CameraBatch) ([]byte, error) {
	return json.Marshal(batch)
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Dispatcher  Dispatcher
	// Metrics is optional.
	Metrics *monitoring.FusionMetrics
	// SocketFactory is optional; nil uses RealUDPSocketFactory.
	SocketFactory UDPSocketFactory
}

// UDPListener receives detection batches over UDP and dispatches them.
type UDPListener struct {
	address       string
	rcvBuf        int
	logInterval   time.Duration
	dispatcher    Dispatcher
	metrics       *monitoring.FusionMetrics
	socketFactory UDPSocketFactory

	packets      atomic.Uint64
	bytes        atomic.Uint64
	decodeErrors atomic.Uint64
	dispatched   atomic.Uint64
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	factory := config.SocketFactory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	return &UDPListener{
		address:       config.Address,
		rcvBuf:        config.RcvBuf,
		logInterval:   logInterval,
		dispatcher:    config.Dispatcher,
		metrics:       config.Metrics,
		socketFactory: factory,
	}
}

// Start begins listening for UDP datagrams and dispatching them. It blocks
// until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := l.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("[udp] warning: failed to set receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	log.Printf("[udp] listener started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)

	go l.startStatsLogging(ctx)

	buffer := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			log.Print("[udp] listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Set read deadline to allow checking context cancellation
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, from, err := conn.ReadFromUDP(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[udp] read error: %v", err)
				continue
			}

			if err := l.handlePacket(buffer[:n]); err != nil {
				monitoring.LogOnce("udp-decode:"+from.String(), "[udp] dropping undecodable datagram from %v: %v", from, err)
			}
		}
	}
}

// handlePacket decodes and dispatches one datagram. The decoded batch owns
// its memory, so the read buffer can be reused.
func (l *UDPListener) handlePacket(packet []byte) error {
	l.packets.Add(1)
	l.bytes.Add(uint64(len(packet)))

	batch, err := DecodeBatch(packet)
	if err != nil {
		l.decodeErrors.Add(1)
		l.metrics.AddDropped(monitoring.DropDecode, 1)
		return err
	}
	if l.dispatcher != nil && l.dispatcher.Dispatch(batch) {
		l.dispatched.Add(1)
	}
	return nil
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	var lastPackets uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			packets := l.packets.Load()
			if packets == lastPackets {
				continue
			}
			log.Printf("[udp] packets=%d (+%d) bytes=%d dispatched=%d decode_errors=%d",
				packets, packets-lastPackets, l.bytes.Load(), l.dispatched.Load(), l.decodeErrors.Load())
			lastPackets = packets
		}
	}
}

// ListenerStats contains listener statistics.
type ListenerStats struct {
	Packets      uint64 `json:"packets"`
	Bytes        uint64 `json:"bytes"`
	Dispatched   uint64 `json:"dispatched"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// Stats returns current listener statistics.
func (l *UDPListener) Stats() ListenerStats {
	return ListenerStats{
		Packets:      l.packets.Load(),
		Bytes:        l.bytes.Load(),
		Dispatched:   l.dispatched.Load(),
		DecodeErrors: l.decodeErrors.Load(),
	}
}
