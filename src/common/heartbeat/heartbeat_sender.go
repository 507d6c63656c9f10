package heartbeat

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxogod/secure-upload/src/common/logger"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Beat is one decoded heartbeat datagram.
type Beat struct {
	Seq    uint64
	SentAt time.Time
	Uptime time.Duration
	Status
}

type heartbeatSender struct {
	target   string
	interval time.Duration
	status   StatusFunc

	startedAt time.Time
	seq       atomic.Uint64
	conn      *net.UDPConn
	stop      chan struct{}
	stopOnce  sync.Once
	done      sync.WaitGroup
}

// NewHeartBeatSender reports status to host:port every interval. A nil status
// sends bare beats.
func NewHeartBeatSender(host string, port int, interval time.Duration, status StatusFunc) HeartBeatSender {
	if status == nil {
		status = func() Status { return Status{} }
	}
	return &heartbeatSender{
		target:   net.JoinHostPort(host, strconv.Itoa(port)),
		interval: interval,
		status:   status,
		stop:     make(chan struct{}),
	}
}

func (h *heartbeatSender) Start() error {
	if h.interval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %s", h.interval)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", h.target)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("failed to dial UDP: %w", err)
	}
	h.conn = conn
	h.startedAt = time.Now()

	h.done.Add(1)
	go h.loop()
	return nil
}

func (h *heartbeatSender) Sent() uint64 {
	return h.seq.Load()
}

func (h *heartbeatSender) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.done.Wait()
	if h.conn != nil {
		_ = h.conn.Close()
	}
}

func (h *heartbeatSender) loop() {
	defer h.done.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.beat(); err != nil {
			logger.Logger.Warnf("action: heartbeat | target: %s | result: fail | error: %v", h.target, err)
		}
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
	}
}

func (h *heartbeatSender) beat() error {
	now := time.Now()
	data, err := Encode(Beat{
		Seq:    h.seq.Load() + 1,
		SentAt: now,
		Uptime: now.Sub(h.startedAt),
		Status: h.status(),
	})
	if err != nil {
		return err
	}
	if _, err = h.conn.Write(data); err != nil {
		return fmt.Errorf("failed to send UDP packet: %w", err)
	}
	h.seq.Add(1)
	return nil
}

// Encode marshals a beat as a protobuf Struct.
func Encode(b Beat) ([]byte, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"seq":         float64(b.Seq),
		"sent_at_ms":  float64(b.SentAt.UnixMilli()),
		"uptime_ms":   float64(b.Uptime.Milliseconds()),
		"clients":     b.Clients,
		"connections": b.Connections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build heartbeat: %w", err)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode, for monitors listening to the beats.
func Decode(data []byte) (Beat, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return Beat{}, fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}
	f := msg.GetFields()
	return Beat{
		Seq:    uint64(f["seq"].GetNumberValue()),
		SentAt: time.UnixMilli(int64(f["sent_at_ms"].GetNumberValue())),
		Uptime: time.Duration(f["uptime_ms"].GetNumberValue()) * time.Millisecond,
		Status: Status{
			Clients:     int(f["clients"].GetNumberValue()),
			Connections: int(f["connections"].GetNumberValue()),
		},
	}, nil
}
