/*
Package server implements a community server: the broker at the centre of one community.

Processes connect over TCP, exchange the protocol-version string, introduce themselves by
name and are welcomed into the community. From then on they register interest in variables
and notify new values; the server fans every notification out to the registered processes
in batched packets, stamping the source process and the originating community on the way.

The server remembers the latest value of every variable, so a process that registers for a
variable that already has a value receives it immediately.
*/
package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/metric"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/protocol"
)

// DefaultOutboxSize is the number of deliveries queued per client before new ones are dropped
const DefaultOutboxSize = 1024

// maxBatch caps the number of messages coalesced into one outgoing packet
const maxBatch = 256

// poisonTimeout bounds the final write to a peer being turned away
const poisonTimeout = time.Second

// ClientsRequest is the server request key answered with the list of connected processes
const ClientsRequest = "CLIENTS"

// Config holds the settings of a community server
type Config struct {
	// Community is the name of the community this server is the centre of
	Community string
	// Host is advertised to clients in the welcome message; defaults to the machine host name
	Host string
	// OutboxSize bounds each client's queue of pending deliveries
	OutboxSize int
	Logger     *slog.Logger
	Metrics    *metric.Registry
}

type Server struct {
	community  string
	host       string
	outboxSize int
	logger     *slog.Logger
	metrics    *serverMetrics

	// Map of all welcomed clients, by process name
	clients       map[string]*serverClient
	clients_mutex sync.Mutex

	// Latest value of every notified variable
	vars       map[string]msg.Message
	vars_mutex sync.RWMutex

	// Every open connection, welcomed or still in handshake
	conns     map[net.Conn]struct{}
	listeners []net.Listener
	closed    bool
	wg        sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := cfg.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	outboxSize := cfg.OutboxSize
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Server{
		community:  cfg.Community,
		host:       host,
		outboxSize: outboxSize,
		logger:     logger.With("component", "server", "community", cfg.Community),
		metrics:    newServerMetrics(cfg.Metrics, cfg.Community, logger),
		clients:    make(map[string]*serverClient),
		vars:       make(map[string]msg.Message),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Community returns the name of the community served
func (s *Server) Community() string {
	return s.community
}

// AddListener accepts new incoming connections from l until the server is closed
func (s *Server) AddListener(l net.Listener) {
	s.clients_mutex.Lock()
	if s.closed {
		s.clients_mutex.Unlock()
		l.Close()
		return
	}
	s.listeners = append(s.listeners, l)
	s.wg.Add(1)
	s.clients_mutex.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			con, err := l.Accept()
			if err != nil {
				s.logger.Debug("Listener stopped", "addr", l.Addr(), "error", err)
				return
			}
			s.AddClientByConnection(con)
		}
	}()
}

// AddClientByConnection serves a single already-established connection.
// The server takes ownership of con and closes it when the session ends.
func (s *Server) AddClientByConnection(con net.Conn) {
	s.clients_mutex.Lock()
	if s.closed {
		s.clients_mutex.Unlock()
		con.Close()
		return
	}
	s.conns[con] = struct{}{}
	s.wg.Add(1)
	s.clients_mutex.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.clients_mutex.Lock()
			delete(s.conns, con)
			s.clients_mutex.Unlock()
		}()
		s.startDispatcher(con)
	}()
}

// Close the server, and all associated listeners and connections.
// Close blocks until every session goroutine has exited.
func (s *Server) Close() {
	s.clients_mutex.Lock()
	if s.closed {
		s.clients_mutex.Unlock()
		return
	}
	s.closed = true
	for _, l := range s.listeners {
		l.Close()
	}
	for _, sc := range s.clients {
		sc.shutdown()
	}
	for con := range s.conns {
		con.Close()
	}
	s.clients_mutex.Unlock()

	s.wg.Wait()
}

// Clients returns the sorted names of the connected processes
func (s *Server) Clients() []string {
	s.clients_mutex.Lock()
	defer s.clients_mutex.Unlock()

	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run the handshake, then dispatch every received message until the connection ends
func (s *Server) startDispatcher(con net.Conn) {
	defer con.Close()
	log := s.logger.With("remote", con.RemoteAddr().String())

	if err := protocol.ReadVersion(con); err != nil {
		log.Warn("Handshake failed", "error", err)
		if errors.Is(err, errors.ErrProtocolMismatch) {
			s.poison(con, "protocol version mismatch")
		}
		return
	}

	pkt := protocol.NewPacket()
	hello, err := protocol.ReceiveMessages(con, pkt)
	if err != nil || len(hello) == 0 || hello[0].Type != msg.Data {
		log.Warn("Expected process introduction", "error", err)
		s.poison(con, "expected introduction")
		return
	}

	sc, err := s.addClient(con, hello[0].StringValue)
	if err != nil {
		log.Warn("Rejected client", "error", err)
		s.poison(con, err.Error())
		return
	}
	defer s.removeClient(sc)
	log = log.With("client", sc.name)

	welcome := msg.NewString(msg.Welcome, "", s.community, 0)
	welcome.DoubleValue = msg.Now()
	welcome.Source = s.host
	welcome.OriginatingCommunity = s.community
	sc.enqueue(welcome)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sc.writeLoop(log)
	}()
	log.Info("Client joined community")

	for {
		mesgs, err := protocol.ReceiveMessages(con, pkt)
		for i := range mesgs {
			if !s.dispatch(sc, &mesgs[i]) {
				log.Info("Client left community")
				return
			}
		}
		if err != nil {
			if errors.Is(err, errors.ErrDecodeTruncated) {
				log.Warn("Discarded corrupt packet tail", "error", err)
				continue
			}
			log.Info("Client connection closed", "error", err)
			return
		}
	}
}

// dispatch handles one message; it returns false once the client has asked to disconnect
func (s *Server) dispatch(sc *serverClient, mesg *msg.Message) bool {
	switch mesg.Type {
	case msg.Notify, msg.Command:
		s.handleNotify(sc, mesg)
	case msg.Register:
		s.handleRegister(sc, mesg)
	case msg.Unregister:
		sc.unsubscribe(mesg.Key)
	case msg.WildcardRegister:
		s.handleWildcardRegister(sc, mesg)
	case msg.WildcardUnregister:
		sc.unsubscribeWildcard(mesg.Key)
	case msg.ServerRequest:
		s.handleServerRequest(sc, mesg)
	case msg.Timing:
		s.handleTiming(sc, mesg)
	case msg.TerminateConnection:
		return false
	case msg.Null, msg.Anonymous:
	default:
		s.logger.Debug("Ignoring message", "client", sc.name, "type", mesg.Type.String())
	}
	return true
}

// Handle an incoming Notify: remember the value and fan it out to every interested client
func (s *Server) handleNotify(sc *serverClient, mesg *msg.Message) {
	if mesg.Source == "" {
		mesg.Source = sc.name
	}
	if mesg.OriginatingCommunity == "" {
		mesg.OriginatingCommunity = s.community
	}
	s.metrics.notified()

	s.vars_mutex.Lock()
	s.vars[mesg.Key] = *mesg
	s.vars_mutex.Unlock()

	s.clients_mutex.Lock()
	targets := make([]*serverClient, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.clients_mutex.Unlock()

	for _, c := range targets {
		if c.wants(mesg.Key) {
			s.deliver(c, *mesg)
		}
	}
}

func (s *Server) deliver(c *serverClient, mesg msg.Message) {
	if c.enqueue(mesg) {
		s.metrics.delivered()
		return
	}
	s.metrics.dropped()
	s.logger.Warn("Client outbox full, dropping delivery", "client", c.name, "key", mesg.Key)
}

// Handle an incoming Register; the current value, if any, is delivered straight away
func (s *Server) handleRegister(sc *serverClient, mesg *msg.Message) {
	sc.subscribe(mesg.Key, mesg.DoubleValue)

	s.vars_mutex.RLock()
	current, ok := s.vars[mesg.Key]
	s.vars_mutex.RUnlock()
	if ok && sc.wants(mesg.Key) {
		s.deliver(sc, current)
	}
}

func (s *Server) handleWildcardRegister(sc *serverClient, mesg *msg.Message) {
	if err := sc.subscribeWildcard(mesg.Key, mesg.DoubleValue); err != nil {
		s.logger.Warn("Rejected wildcard registration", "client", sc.name, "pattern", mesg.Key, "error", err)
		return
	}

	s.vars_mutex.RLock()
	matching := make([]msg.Message, 0)
	for key, v := range s.vars {
		if matchPattern(mesg.Key, key) {
			matching = append(matching, v)
		}
	}
	s.vars_mutex.RUnlock()

	for _, v := range matching {
		if sc.wants(v.Key) {
			s.deliver(sc, v)
		}
	}
}

// Handle an incoming server request; CLIENTS is answered with the connected process names
func (s *Server) handleServerRequest(sc *serverClient, mesg *msg.Message) {
	switch mesg.Key {
	case ClientsRequest:
		reply := msg.NewString(msg.Data, ClientsRequest, strings.Join(s.Clients(), ","), 0)
		reply.Id = msg.ServerRequestId
		reply.Source = s.host
		reply.OriginatingCommunity = s.community
		s.deliver(sc, reply)
	default:
		s.logger.Warn("Unknown server request", "client", sc.name, "key", mesg.Key)
	}
}

// Answer a timing request with the server clock so the client can estimate its skew
func (s *Server) handleTiming(sc *serverClient, mesg *msg.Message) {
	reply := msg.NewDouble(msg.Timing, mesg.Key, msg.Now(), 0)
	reply.DoubleValueAux = mesg.Time
	reply.Source = s.host
	reply.OriginatingCommunity = s.community
	s.deliver(sc, reply)
}

// Add a newly introduced client. An empty name is replaced with a unique anonymous one.
func (s *Server) addClient(con net.Conn, name string) (*serverClient, error) {
	if name == "" {
		name = "anon-" + uuid.NewString()
	}

	s.clients_mutex.Lock()
	defer s.clients_mutex.Unlock()

	if s.closed {
		return nil, errors.ErrClosed
	}
	if _, exists := s.clients[name]; exists {
		return nil, fmt.Errorf("process name %q already in use", name)
	}
	sc := newServerClient(name, con, s.outboxSize)
	s.clients[name] = sc
	s.metrics.clientCount(len(s.clients))
	return sc, nil
}

// Remove a client from server mapping
func (s *Server) removeClient(sc *serverClient) {
	s.clients_mutex.Lock()
	if s.clients[sc.name] == sc {
		delete(s.clients, sc.name)
	}
	s.metrics.clientCount(len(s.clients))
	s.clients_mutex.Unlock()

	sc.shutdown()
}

// poison tells a peer it is being disconnected
func (s *Server) poison(con net.Conn, reason string) {
	p := msg.NewString(msg.Poison, "", reason, 0)
	p.OriginatingCommunity = s.community
	con.SetWriteDeadline(time.Now().Add(poisonTimeout))
	if err := protocol.WritePacket(con, protocol.NewPacket(), []msg.Message{p}); err != nil {
		s.logger.Debug("Failed to deliver poison", "error", err)
	}
}
