package bridge

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/msg"
)

// Endpoint locates a community: its name and the host:port of its server
type Endpoint struct {
	Community string
	Host      string
	Port      int
}

// HostPort returns the dialable address of the community server
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.Community, e.Host, e.Port)
}

// SameHostPort reports whether both endpoints name the same server.
// localhost and 127.0.0.1 are treated as the same host.
func (e Endpoint) SameHostPort(o Endpoint) bool {
	return e.Port == o.Port && canonicalHost(e.Host) == canonicalHost(o.Host)
}

func canonicalHost(h string) string {
	h = strings.ToLower(h)
	if h == "localhost" {
		return "127.0.0.1"
	}
	return h
}

// SinkKey identifies a variable by name and the community it was published in
type SinkKey struct {
	Variable  string
	Community string
}

// Session is a live pub/sub session with one community server. *client.Client satisfies it.
type Session interface {
	Register(variable string, minPeriod float64) error
	Post(m msg.Message) error
	Fetch() []msg.Message
	IsConnected() bool
	Close() error
}

// Community is the bridge's handle on one remote community, and the forwarding rules
// attached to it
type Community struct {
	endpoint Endpoint
	logger   *slog.Logger
	// Registration period for sources, in seconds
	period float64

	// Guards the sets below and the session, since registration happens on the session
	mu      sync.Mutex
	sources map[string]struct{}
	sinks   map[SinkKey]string
	session Session

	// Where datagram-mode forwards to this community are sent
	targetHost string
	targetPort int
}

func newCommunity(ep Endpoint, period float64, logger *slog.Logger) *Community {
	return &Community{
		endpoint: ep,
		period:   period,
		logger:   logger.With("community", ep.Community),
		sources:  make(map[string]struct{}),
		sinks:    make(map[SinkKey]string),
	}
}

// Name returns the community name
func (c *Community) Name() string {
	return c.endpoint.Community
}

// Endpoint returns where the community's server is
func (c *Community) Endpoint() Endpoint {
	return c.endpoint
}

// AddSource records a variable to be collected from this community. If a session is live the
// variable is registered on it straight away.
func (c *Community) AddSource(variable string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sources[variable] = struct{}{}
	if c.session != nil && c.session.IsConnected() {
		return c.session.Register(variable, c.period)
	}
	return nil
}

// HasSource reports whether variable is collected from this community
func (c *Community) HasSource(variable string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sources[variable]
	return ok
}

// Sources returns the collected variables, sorted
func (c *Community) Sources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.sources))
	for v := range c.sources {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// AddSink records that key is to be forwarded into this community, renamed to alias.
// An empty alias forwards under the original name.
func (c *Community) AddSink(key SinkKey, alias string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks[key] = alias
}

// WantsToSink reports whether key is forwarded into this community
func (c *Community) WantsToSink(key SinkKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sinks[key]
	return ok
}

// GetAlias returns the name key is published under in this community. A key with no sink
// falls back to its own name; the miss is logged since it points at a configuration mistake.
func (c *Community) GetAlias(key SinkKey) string {
	c.mu.Lock()
	alias, ok := c.sinks[key]
	c.mu.Unlock()

	if !ok {
		c.logger.Info("No sink for variable, keeping its name",
			"variable", key.Variable, "from", key.Community, "error", errors.ErrUnresolvedAlias)
		return key.Variable
	}
	if alias == "" {
		return key.Variable
	}
	return alias
}

// SetDatagramTarget sets where datagram-mode forwards into this community are sent
func (c *Community) SetDatagramTarget(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetHost = host
	c.targetPort = port
}

// DatagramTarget returns the datagram target, or false if none is configured
func (c *Community) DatagramTarget() (string, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetHost, c.targetPort, c.targetHost != "" && c.targetPort > 0
}

// IsConnected reports whether the community has a live session
func (c *Community) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.IsConnected()
}

// attach adopts s as the community's session and registers every source on it
func (c *Community) attach(s Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.Close()
	}
	c.session = s

	vars := make([]string, 0, len(c.sources))
	for v := range c.sources {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	for _, v := range vars {
		if err := s.Register(v, c.period); err != nil {
			return errors.Wrap(err, "Community", "attach", fmt.Sprintf("register %s", v))
		}
	}
	return nil
}

// fetch returns the pending batch of the live session, if any
func (c *Community) fetch() []msg.Message {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Fetch()
}

// post hands m to the live session
func (c *Community) post(m msg.Message) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil || !s.IsConnected() {
		return errors.ErrSessionUnavailable
	}
	return s.Post(m)
}

// close ends the session, if any
func (c *Community) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}
