/*
Package datagram implements the one-way side-channel used for latency sensitive forwarding.

Every datagram carries exactly one Packet holding one or more messages. Sending is
best-effort: there is no confirmation and no retry, and delivery may be lost or reordered
silently. A Channel created without a listen address can only send.
*/
package datagram

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/metric"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/protocol"
)

// MaxDatagramSize is the largest UDP payload over IPv4
const MaxDatagramSize = 65507

// DefaultInboxSize is the number of received messages held before the oldest are dropped
const DefaultInboxSize = 4096

// Config holds the settings of a Channel
type Config struct {
	// ListenAddr is the local address to receive on, e.g. ":9200". Empty means send-only.
	ListenAddr string
	// InboxSize bounds the received messages waiting for ReceivePending
	InboxSize int
	// Cache resolves destination addresses; a new cache is created when nil
	Cache   *AddrCache
	Logger  *slog.Logger
	Metrics *metric.Registry
}

type Channel struct {
	conn      *net.UDPConn
	listening bool
	cache     *AddrCache
	logger    *slog.Logger
	metrics   *channelMetrics

	// Send buffer, reused between datagrams
	pkt        *protocol.Packet
	send_mutex sync.Mutex

	inbox       []msg.Message
	inboxSize   int
	inbox_mutex sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Listen is a convenience for New with a listen port; port 0 creates a send-only channel
func Listen(port int, logger *slog.Logger, registry *metric.Registry) (*Channel, error) {
	cfg := Config{Logger: logger, Metrics: registry}
	if port > 0 {
		cfg.ListenAddr = fmt.Sprintf(":%d", port)
	}
	return New(cfg)
}

// New opens the channel's socket, and starts receiving if a listen address is configured
func New(cfg Config) (*Channel, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewAddrCache()
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":0"
	}
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, errors.WrapTransient(err, "Channel", "New", fmt.Sprintf("bind %s", addr))
	}
	conn := pc.(*net.UDPConn)

	c := &Channel{
		conn:      conn,
		listening: cfg.ListenAddr != "",
		cache:     cache,
		pkt:       protocol.NewPacket(),
		inboxSize: inboxSize,
		closed:    make(chan struct{}),
	}
	c.logger = logger.With("component", "datagram", "local", conn.LocalAddr().String())
	c.metrics = newChannelMetrics(cfg.Metrics, conn.LocalAddr().String(), c.logger)

	if c.listening {
		c.wg.Add(1)
		go c.readLoop()
		c.logger.Info("Listening for datagrams")
	}
	return c, nil
}

// LocalAddr returns the bound address of the channel's socket
func (c *Channel) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Listening reports whether the channel receives datagrams
func (c *Channel) Listening() bool {
	return c.listening
}

// SendTo sends m to host:port in a datagram of its own
func (c *Channel) SendTo(m msg.Message, host string, port int) error {
	addr, err := c.cache.Resolve(host, port)
	if err != nil {
		c.metrics.dropped("resolve")
		return err
	}

	c.send_mutex.Lock()
	defer c.send_mutex.Unlock()

	if err := c.pkt.Serialize([]msg.Message{m}); err != nil {
		c.metrics.dropped("encode")
		return errors.Wrap(err, "Channel", "SendTo", fmt.Sprintf("encode %s", m.Key))
	}
	if c.pkt.Len() > MaxDatagramSize {
		c.metrics.dropped("oversize")
		return fmt.Errorf("%s needs %d bytes: %w", m.Key, c.pkt.Len(), errors.ErrEncodeOutOfSpace)
	}
	if _, err := c.conn.WriteToUDP(c.pkt.Bytes(), addr); err != nil {
		c.metrics.dropped("socket")
		return errors.WrapTransient(err, "Channel", "SendTo", fmt.Sprintf("send to %s", addr))
	}
	c.metrics.sent()
	return nil
}

// ReceivePending returns the messages received since the previous call, in arrival order
func (c *Channel) ReceivePending() []msg.Message {
	c.inbox_mutex.Lock()
	defer c.inbox_mutex.Unlock()

	mail := c.inbox
	c.inbox = nil
	return mail
}

// Close stops receiving and releases the socket
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.metrics.unregister()
	})
	c.wg.Wait()
	return err
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	buffer := make([]byte, MaxDatagramSize+1)
	pkt := protocol.NewPacket()

	for {
		n, from, err := c.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.metrics.dropped("socket")
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			c.logger.Error("Datagram socket failed, no longer receiving", "error", err)
			return
		}

		pkt.Reset()
		if _, err := pkt.Append(buffer[:n]); err != nil || !pkt.IsComplete() {
			c.logger.Warn("Discarded malformed datagram", "from", from, "bytes", n, "error", err)
			c.metrics.dropped("malformed")
			continue
		}
		mesgs, err := pkt.Deserialize(nil)
		if err != nil {
			c.logger.Warn("Discarded corrupt datagram tail", "from", from, "kept", len(mesgs), "error", err)
			c.metrics.dropped("malformed")
		}
		if len(mesgs) > 0 {
			c.metrics.received(len(mesgs))
			c.store(mesgs)
		}
	}
}

// store appends to the inbox, dropping the oldest messages beyond its bound
func (c *Channel) store(mesgs []msg.Message) {
	c.inbox_mutex.Lock()
	defer c.inbox_mutex.Unlock()

	c.inbox = append(c.inbox, mesgs...)
	if excess := len(c.inbox) - c.inboxSize; excess > 0 {
		c.logger.Warn("Datagram inbox full, dropping oldest", "dropped", excess)
		for i := 0; i < excess; i++ {
			c.metrics.dropped("overflow")
		}
		c.inbox = append([]msg.Message(nil), c.inbox[excess:]...)
	}
}
