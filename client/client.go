/*
Package client implements the user-facing API of a community process.

A Client is one process's session with its community server. It registers interest in
variables, notifies new values, and collects incoming mail in batches: either pulled with
Fetch, or pushed to a mail handler as each packet arrives.

The client owns the connection. Its reader and writer run on their own goroutines; every
exported method is safe for concurrent use and never blocks on the network.
*/
package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/protocol"
)

// DefaultOutboxSize is the number of outgoing messages queued before Post fails
const DefaultOutboxSize = 1024

// maxBatch caps the number of messages coalesced into one outgoing packet
const maxBatch = 256

// handshakeTimeout bounds the exchange that welcomes a client into its community
const handshakeTimeout = 5 * time.Second

// Client struct - instantiated with the 'NewClient' or 'Dial' functions.
type Client struct {
	name      string
	community string
	con       net.Conn
	logger    *slog.Logger

	outboxSize    int
	skewTolerance float64
	mailHandler   func([]msg.Message)

	outbox chan msg.Message
	// Closed by Close to make the writer send what is queued, then the goodbye
	closing    chan struct{}
	writerDone chan struct{}

	inbox       []msg.Message
	inbox_mutex sync.Mutex

	// Replies to server requests
	replies chan msg.Message

	connected atomic.Bool
	// Estimated server clock minus local clock, as float64 bits
	clockSkew atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Client
type Option func(*Client)

// WithName sets the process name the client introduces itself with.
// Without it a unique name is generated.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithOutboxSize bounds the queue of messages waiting to be sent
func WithOutboxSize(n int) Option {
	return func(c *Client) { c.outboxSize = n }
}

// WithSkewFilter discards incoming messages whose timestamp is more than tolerance seconds
// away from the local clock
func WithSkewFilter(tolerance float64) Option {
	return func(c *Client) { c.skewTolerance = tolerance }
}

// WithMailHandler delivers each incoming batch to h on the reader goroutine instead of
// queuing it for Fetch. h must not block for long.
func WithMailHandler(h func([]msg.Message)) Option {
	return func(c *Client) { c.mailHandler = h }
}

// Dial connects to the community server at addr and completes the handshake
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	con, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Dial", fmt.Sprintf("connect to %s", addr))
	}
	c, err := NewClient(con, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient creates a new client over an established connection and completes the handshake.
// Passes ownership of the Conn to the client, which will handle closing of it.
// When work with the client is complete, the 'Close' method must be called.
func NewClient(con net.Conn, opts ...Option) (*Client, error) {
	c := &Client{
		con:        con,
		outboxSize: DefaultOutboxSize,
		replies:    make(chan msg.Message, 8),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = "proc-" + uuid.NewString()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "client", "process", c.name)
	c.outbox = make(chan msg.Message, c.outboxSize)

	if err := c.handshake(); err != nil {
		con.Close()
		return nil, err
	}
	c.connected.Store(true)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

func (c *Client) handshake() error {
	c.con.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.con.SetDeadline(time.Time{})

	if err := protocol.WriteVersion(c.con); err != nil {
		return errors.WrapTransient(err, "Client", "handshake", "send protocol version")
	}
	intro := msg.NewString(msg.Data, "", c.name, 0)
	pkt := protocol.NewPacket()
	if err := protocol.WritePacket(c.con, pkt, []msg.Message{intro}); err != nil {
		return errors.WrapTransient(err, "Client", "handshake", "send introduction")
	}

	reply, err := protocol.ReceiveMessages(c.con, pkt)
	if err != nil {
		return errors.WrapTransient(err, "Client", "handshake", "receive welcome")
	}
	if len(reply) == 0 {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "handshake", "receive welcome")
	}
	switch reply[0].Type {
	case msg.Welcome:
		c.community = reply[0].StringValue
		c.setClockSkew(reply[0].DoubleValue - msg.Now())
		c.logger.Info("Welcomed into community", "community", c.community, "host", reply[0].Source)
		return nil
	case msg.Poison:
		return errors.WrapFatal(fmt.Errorf("%s: %w", reply[0].StringValue, errors.ErrPoisoned), "Client", "handshake", "join community")
	default:
		return errors.WrapTransient(fmt.Errorf("unexpected %s", reply[0].Type), "Client", "handshake", "receive welcome")
	}
}

// Name returns the process name this client joined with
func (c *Client) Name() string {
	return c.name
}

// Community returns the name of the community this client joined
func (c *Client) Community() string {
	return c.community
}

// IsConnected reports whether the session is still live
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ClockSkew returns the estimated server clock minus the local clock, in seconds.
// It is advisory only; timestamps are never corrected with it.
func (c *Client) ClockSkew() float64 {
	return math.Float64frombits(c.clockSkew.Load())
}

func (c *Client) setClockSkew(v float64) {
	c.clockSkew.Store(math.Float64bits(v))
}

// Register records interest in a variable. minPeriod is the minimum time in seconds between
// deliveries; 0 means every update. A name containing glob characters (*, ?, [) registers
// for every key matching it, so "*" registers for everything.
func (c *Client) Register(variable string, minPeriod float64) error {
	if isPattern(variable) {
		return c.RegisterWildcard(variable, minPeriod)
	}
	return c.Post(msg.NewDouble(msg.Register, variable, minPeriod, 0))
}

// Unregister withdraws interest in a variable. A glob pattern, or "/pattern", withdraws a
// wildcard registration.
func (c *Client) Unregister(variable string) error {
	if pattern, ok := strings.CutPrefix(variable, "/"); ok && pattern != "" {
		return c.UnregisterWildcard(pattern)
	}
	if isPattern(variable) {
		return c.UnregisterWildcard(variable)
	}
	return c.Post(msg.NewDouble(msg.Unregister, variable, 0, 0))
}

func isPattern(variable string) bool {
	return strings.ContainsAny(variable, "*?[")
}

// RegisterWildcard records interest in every key matching pattern
func (c *Client) RegisterWildcard(pattern string, minPeriod float64) error {
	return c.Post(msg.NewDouble(msg.WildcardRegister, pattern, minPeriod, 0))
}

// UnregisterWildcard is the inverse of RegisterWildcard
func (c *Client) UnregisterWildcard(pattern string) error {
	return c.Post(msg.NewDouble(msg.WildcardUnregister, pattern, 0, 0))
}

// Notify publishes a numeric value. A zero t stamps the current time.
func (c *Client) Notify(key string, value, t float64) error {
	return c.Post(msg.NewDouble(msg.Notify, key, value, t))
}

// NotifyString publishes a string value. A zero t stamps the current time.
func (c *Client) NotifyString(key, value string, t float64) error {
	return c.Post(msg.NewString(msg.Notify, key, value, t))
}

// NotifyBinary publishes opaque bytes. A zero t stamps the current time.
func (c *Client) NotifyBinary(key string, value []byte, t float64) error {
	return c.Post(msg.NewBinary(msg.Notify, key, value, t))
}

// Post hands a fully formed message to the outbound path.
// It never blocks: an oversized message fails with ErrEncodeOutOfSpace, a full queue with
// ErrOutboxFull. Retrying is left to the caller.
func (c *Client) Post(m msg.Message) error {
	if !c.IsConnected() {
		return errors.ErrNotConnected
	}
	if size := m.SerializedSize(); size > protocol.MaxPacketSize-protocol.HeaderSize {
		return fmt.Errorf("%s is %d bytes: %w", m.Key, size, errors.ErrEncodeOutOfSpace)
	}
	select {
	case c.outbox <- m:
		return nil
	default:
		return fmt.Errorf("%s: %w", m.Key, errors.ErrOutboxFull)
	}
}

// Fetch returns every message received since the previous call, in arrival order
func (c *Client) Fetch() []msg.Message {
	c.inbox_mutex.Lock()
	defer c.inbox_mutex.Unlock()

	mail := c.inbox
	c.inbox = nil
	return mail
}

// Clients asks the server for the names of every process in the community
func (c *Client) Clients(ctx context.Context) ([]string, error) {
	reply, err := c.serverRequest(ctx, serverClientsKey)
	if err != nil {
		return nil, err
	}
	if reply.StringValue == "" {
		return []string{}, nil
	}
	return strings.Split(reply.StringValue, ","), nil
}

const serverClientsKey = "CLIENTS"

func (c *Client) serverRequest(ctx context.Context, key string) (msg.Message, error) {
	req := msg.NewString(msg.ServerRequest, key, "", 0)
	req.Id = msg.ServerRequestId
	if err := c.Post(req); err != nil {
		return msg.Message{}, err
	}
	for {
		select {
		case reply := <-c.replies:
			if reply.Key == key {
				return reply, nil
			}
		case <-c.done:
			return msg.Message{}, errors.ErrNotConnected
		case <-ctx.Done():
			return msg.Message{}, ctx.Err()
		}
	}
}

// SyncClock asks the server for its clock; the reply refreshes ClockSkew
func (c *Client) SyncClock() error {
	return c.Post(msg.NewDouble(msg.Timing, "", 0, 0))
}

// Close ends the session, and releases its associated resources.
// Close blocks until the reader and writer goroutines have exited.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		// Best effort flush and goodbye, bounded so a stalled peer cannot hold us
		c.con.SetWriteDeadline(time.Now().Add(time.Second))
		close(c.closing)
		<-c.writerDone

		c.connected.Store(false)
		close(c.done)
		c.con.Close()
	})
	c.wg.Wait()
	return nil
}

// flush writes whatever is still queued, then the goodbye. Only the writer calls it.
func (c *Client) flush(pkt *protocol.Packet, batch []msg.Message) {
	if !c.connected.Load() {
		return
	}
	batch = batch[:0]
	for {
		select {
		case m := <-c.outbox:
			batch = append(batch, m)
			if len(batch) < maxBatch {
				continue
			}
		default:
			batch = append(batch, msg.NewDouble(msg.TerminateConnection, "", 0, 0))
			protocol.WritePacket(c.con, pkt, batch)
			return
		}
		if err := protocol.WritePacket(c.con, pkt, batch); err != nil {
			return
		}
		batch = batch[:0]
	}
}

func (c *Client) disconnect(reason string, err error) {
	if c.connected.CompareAndSwap(true, false) {
		c.logger.Info("Disconnected from community", "reason", reason, "error", err)
		c.con.Close()
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	pkt := protocol.NewPacket()
	for {
		mail, err := protocol.ReceiveMessages(c.con, pkt)
		if len(mail) > 0 {
			c.receive(mail)
		}
		if err != nil {
			if errors.Is(err, errors.ErrDecodeTruncated) {
				c.logger.Warn("Discarded corrupt packet tail", "error", err)
				continue
			}
			c.disconnect("read failed", err)
			return
		}
	}
}

// receive sorts one packet of incoming messages into control replies and mail
func (c *Client) receive(in []msg.Message) {
	now := msg.Now()
	mail := make([]msg.Message, 0, len(in))
	for _, m := range in {
		switch {
		case m.Type == msg.Poison:
			c.disconnect("poisoned by server", fmt.Errorf("%s: %w", m.StringValue, errors.ErrPoisoned))
			return
		case m.Type == msg.Timing:
			// Midpoint of the round trip, against the server clock
			c.setClockSkew(m.DoubleValue - (m.DoubleValueAux+now)/2)
		case m.Id == msg.ServerRequestId && m.Type == msg.Data:
			select {
			case c.replies <- m:
			default:
				c.logger.Warn("Dropped unclaimed server reply", "key", m.Key)
			}
		case m.Type == msg.Welcome:
		case c.skewTolerance > 0 && m.IsSkewed(now, c.skewTolerance):
			c.logger.Warn("Discarded skewed message", "key", m.Key, "time", m.Time, "now", now, "source", m.Source,
				"error", errors.ErrSkewedMessage)
		default:
			mail = append(mail, m)
		}
	}
	if len(mail) == 0 {
		return
	}

	if c.mailHandler != nil {
		c.mailHandler(mail)
		return
	}
	c.inbox_mutex.Lock()
	c.inbox = append(c.inbox, mail...)
	c.inbox_mutex.Unlock()
}

// writeLoop sends queued messages, coalescing whatever is pending into one packet
func (c *Client) writeLoop() {
	defer c.wg.Done()
	defer close(c.writerDone)
	pkt := protocol.NewPacket()
	batch := make([]msg.Message, 0, maxBatch)
	for {
		select {
		case <-c.done:
			return
		case <-c.closing:
			c.flush(pkt, batch)
			return
		case m := <-c.outbox:
			batch = append(batch[:0], m)
		drain:
			for len(batch) < maxBatch {
				select {
				case m := <-c.outbox:
					batch = append(batch, m)
				default:
					break drain
				}
			}
			err := protocol.WritePacket(c.con, pkt, batch)
			if err != nil {
				c.disconnect("write failed", err)
				return
			}
		}
	}
}
