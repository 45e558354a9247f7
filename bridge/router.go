/*
Package bridge moves variables between communities.

A Router holds one Community handle per community named in its share rules. Each cycle it
collects the pending mail of every connected handle, and forwards each message into every
other handle that has a sink for it: renamed to the sink's alias, over that community's
session or, for datagram rules, over the datagram side-channel. Datagrams received from
other bridges are injected into the local community.

Nothing in a cycle is fatal. A community that cannot be reached is skipped and retried on a
later cycle; a rule that cannot be parsed is skipped when the router is configured.
*/
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CiaranWoodward/commbridge/config"
	"github.com/CiaranWoodward/commbridge/datagram"
	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/metric"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/sequencer"
)

const (
	// DefaultCycleInterval is the sleep between forwarding cycles
	DefaultCycleInterval = 20 * time.Millisecond
	// DefaultRetryInterval is the least time between attempts to reach a community
	DefaultRetryInterval = time.Second
	// DefaultServerPort is used when the mission file has no SERVERPORT
	DefaultServerPort = 9000
	// StatusSuffix is appended to the local community name to form the status variable
	StatusSuffix = "_BRIDGE_STATUS"

	dialTimeout = 2 * time.Second
	statusEvent = "status"
)

// Configuration keys read by Configure
const (
	KeyShare           = "SHARE"
	KeyUDPShare        = "UDPSHARE"
	KeyLoopback        = "LOOPBACK"
	KeyBridgeFrequency = "BRIDGEFREQUENCY"
	KeyUDPListen       = "UDPLISTEN"
	KeyUDPTarget       = "UDPTARGET"
	KeyStatusPeriod    = "STATUSPERIOD"
)

// State of a Router
type State int

const (
	Idle State = iota
	Configured
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// SessionFactory opens a session with the community server at ep
type SessionFactory func(ctx context.Context, ep Endpoint) (Session, error)

// Datagram is the side-channel the router forwards datagram rules over.
// *datagram.Channel satisfies it.
type Datagram interface {
	SendTo(m msg.Message, host string, port int) error
	ReceivePending() []msg.Message
}

// Config holds the collaborators and settings of a Router
type Config struct {
	// Local is the community the bridge itself belongs to
	Local Endpoint
	Dial  SessionFactory
	// Datagram is the side-channel to use. When nil, Configure opens one from UDPLISTEN.
	Datagram Datagram
	// CycleInterval is the sleep between cycles
	CycleInterval time.Duration
	// RetryInterval is the least time between attempts to reach a community.
	// Negative means try on every cycle.
	RetryInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metric.Registry
}

type Router struct {
	local         Endpoint
	dial          SessionFactory
	datagram      Datagram
	ownedDatagram *datagram.Channel
	cycleInterval time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
	registry      *metric.Registry
	metrics       *routerMetrics

	state       State
	state_mutex sync.Mutex

	// Set while configuring, read-only once configured
	communities    []*Community
	byName         map[string]*Community
	datagramShares map[SinkKey]struct{}
	rules          []Rule
	skipped        []error
	loopback       bool
	frequency      float64
	period         float64
	statusPeriod   float64

	// Only touched by the cycle
	lastAttempt map[*Community]time.Time
	cycleStart  time.Time

	forwardedCount atomic.Uint64
	seq            *sequencer.Sequencer
}

func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cycleInterval := cfg.CycleInterval
	if cycleInterval <= 0 {
		cycleInterval = DefaultCycleInterval
	}
	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Router{
		local:          cfg.Local,
		dial:           cfg.Dial,
		datagram:       cfg.Datagram,
		cycleInterval:  cycleInterval,
		retryInterval:  retryInterval,
		logger:         logger.With("component", "bridge", "local", cfg.Local.Community),
		registry:       cfg.Metrics,
		metrics:        newRouterMetrics(cfg.Metrics, cfg.Local.Community, logger),
		byName:         make(map[string]*Community),
		datagramShares: make(map[SinkKey]struct{}),
		lastAttempt:    make(map[*Community]time.Time),
	}
}

// LocalEndpoint reads the local community from the global section of a mission file
func LocalEndpoint(global config.Section) (Endpoint, error) {
	community, ok := global.Get("COMMUNITY")
	if !ok || community == "" {
		return Endpoint{}, errors.WrapInvalid(fmt.Errorf("COMMUNITY not set: %w", errors.ErrInvalidConfig),
			"bridge", "LocalEndpoint", "read local community")
	}
	port, err := global.GetInt("SERVERPORT", DefaultServerPort)
	if err != nil {
		return Endpoint{}, errors.WrapInvalid(err, "bridge", "LocalEndpoint", "read SERVERPORT")
	}
	return Endpoint{
		Community: community,
		Host:      global.GetDefault("SERVERHOST", "localhost"),
		Port:      port,
	}, nil
}

// State returns the router's current state
func (r *Router) State() State {
	r.state_mutex.Lock()
	defer r.state_mutex.Unlock()
	return r.state
}

// Configure reads the bridge's settings and share rules, creating the community handles.
// Malformed or rejected rules are logged and skipped; see Skipped.
// A failed Configure leaves the router Idle and empty, so it may be retried.
func (r *Router) Configure(section config.Section) error {
	r.state_mutex.Lock()
	defer r.state_mutex.Unlock()

	if r.state != Idle {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Router", "Configure", "configure router")
	}
	if err := r.configure(section); err != nil {
		r.reset()
		return err
	}

	r.metrics.communityCount(len(r.communities))
	r.state = Configured
	r.logger.Info("Bridge configured", "communities", len(r.communities), "rules", len(r.rules), "skipped", len(r.skipped))
	return nil
}

// reset drops everything a failed configure built
func (r *Router) reset() {
	if r.ownedDatagram != nil {
		r.ownedDatagram.Close()
		r.ownedDatagram = nil
		r.datagram = nil
	}
	r.communities = nil
	r.byName = make(map[string]*Community)
	r.datagramShares = make(map[SinkKey]struct{})
	r.rules = nil
	r.skipped = nil
	r.seq = nil
}

func (r *Router) configure(section config.Section) error {
	if r.local.Community == "" {
		return errors.WrapInvalid(fmt.Errorf("no local community: %w", errors.ErrInvalidConfig), "Router", "Configure", "configure router")
	}

	var err error
	if r.loopback, err = section.GetBool(KeyLoopback, false); err != nil {
		return errors.WrapInvalid(err, "Router", "Configure", "read "+KeyLoopback)
	}
	if r.frequency, err = section.GetFloat(KeyBridgeFrequency, 0); err != nil || r.frequency < 0 {
		return errors.WrapInvalid(fmt.Errorf("%s: %w", KeyBridgeFrequency, errors.ErrInvalidConfig), "Router", "Configure", "read "+KeyBridgeFrequency)
	}
	if r.frequency > 0 {
		r.period = 1 / r.frequency
	}
	listenPort, err := section.GetInt(KeyUDPListen, 0)
	if err != nil || listenPort < 0 || listenPort > 0xFFFF {
		return errors.WrapInvalid(fmt.Errorf("%s: %w", KeyUDPListen, errors.ErrInvalidConfig), "Router", "Configure", "read "+KeyUDPListen)
	}
	if r.statusPeriod, err = section.GetFloat(KeyStatusPeriod, 0); err != nil || r.statusPeriod < 0 {
		return errors.WrapInvalid(fmt.Errorf("%s: %w", KeyStatusPeriod, errors.ErrInvalidConfig), "Router", "Configure", "read "+KeyStatusPeriod)
	}

	r.community(r.local)

	for _, e := range section {
		var datagramMode bool
		switch {
		case strings.EqualFold(e.Key, KeyShare):
		case strings.EqualFold(e.Key, KeyUDPShare):
			datagramMode = true
		default:
			continue
		}
		rule, err := ParseRule(e.Value, r.local, datagramMode)
		if err == nil {
			err = r.addRule(rule)
		}
		if err != nil {
			r.logger.Warn("Skipping share rule", "line", e.Line, "error", err)
			r.skipped = append(r.skipped, err)
			r.metrics.dropped(dropRuleInvalid)
		}
	}

	// Targets may name communities introduced by any rule, so they are applied last
	for _, e := range section.All(KeyUDPTarget) {
		ep, err := parseEndpoint(e.Value)
		if err != nil {
			err = fmt.Errorf("%s = %q: %v: %w", KeyUDPTarget, e.Value, err, errors.ErrInvalidConfig)
			r.logger.Warn("Skipping datagram target", "line", e.Line, "error", err)
			r.skipped = append(r.skipped, err)
			continue
		}
		c, ok := r.byName[ep.Community]
		if !ok {
			r.logger.Warn("Datagram target for a community no rule uses", "line", e.Line, "community", ep.Community)
			continue
		}
		c.SetDatagramTarget(ep.Host, ep.Port)
	}

	if r.datagram == nil {
		ch, err := datagram.Listen(listenPort, r.logger, r.registry)
		if err != nil {
			return errors.Wrap(err, "Router", "Configure", "open datagram channel")
		}
		r.ownedDatagram = ch
		r.datagram = ch
	}

	if r.statusPeriod > 0 {
		r.seq = sequencer.New(statusPoster{r.byName[r.local.Community]}, r.logger)
		err := r.seq.Add(sequencer.Event{
			Name:   statusEvent,
			Period: time.Duration(r.statusPeriod * float64(time.Second)),
			Build: func(uint64) msg.Message {
				return msg.NewString(msg.Notify, r.local.Community+StatusSuffix, r.status(), 0)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// addRule wires a parsed rule into the source and destination handles
func (r *Router) addRule(rule Rule) error {
	if !r.loopback && rule.Source.SameHostPort(rule.Dest) {
		return fmt.Errorf("%q: source and destination are both %s: %w", rule.Text, rule.Dest.HostPort(), errors.ErrLoopbackRejected)
	}

	src := r.community(rule.Source)
	dst := r.community(rule.Dest)
	if rule.Dest.Host == BroadcastAddress {
		dst.SetDatagramTarget(BroadcastAddress, rule.Dest.Port)
	}
	for i, v := range rule.Variables {
		if err := src.AddSource(v); err != nil {
			return err
		}
		key := SinkKey{Variable: v, Community: src.Name()}
		dst.AddSink(key, rule.Alias(i))
		if rule.Datagram {
			r.datagramShares[key] = struct{}{}
		}
	}
	r.rules = append(r.rules, rule)
	r.logger.Debug("Added share rule", "rule", rule.Text, "datagram", rule.Datagram)
	return nil
}

// community returns the handle for ep, creating it on first use
func (r *Router) community(ep Endpoint) *Community {
	if c, ok := r.byName[ep.Community]; ok {
		if !c.endpoint.SameHostPort(ep) {
			r.logger.Warn("Community named with two different servers, keeping the first",
				"community", ep.Community, "first", c.endpoint.HostPort(), "ignored", ep.HostPort())
		}
		return c
	}
	c := newCommunity(ep, r.period, r.logger)
	r.communities = append(r.communities, c)
	r.byName[ep.Community] = c
	return c
}

// Community returns the handle of the named community
func (r *Router) Community(name string) (*Community, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Communities returns the names of every handle, in the order they were created
func (r *Router) Communities() []string {
	names := make([]string, len(r.communities))
	for i, c := range r.communities {
		names[i] = c.Name()
	}
	return names
}

// Rules returns the active share rules
func (r *Router) Rules() []Rule {
	return r.rules
}

// Skipped returns the reasons configuration lines were skipped
func (r *Router) Skipped() []error {
	return r.skipped
}

// Run forwards messages until ctx is cancelled. Sessions are closed when it returns.
func (r *Router) Run(ctx context.Context) error {
	r.state_mutex.Lock()
	switch r.state {
	case Idle:
		r.state_mutex.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Router", "Run", "run unconfigured router")
	case Running:
		r.state_mutex.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Router", "Run", "run router")
	}
	r.state = Running
	r.state_mutex.Unlock()

	if r.seq != nil {
		if err := r.seq.Start(); err != nil {
			return err
		}
	}
	r.logger.Info("Bridge running", "interval", r.cycleInterval)

	ticker := time.NewTicker(r.cycleInterval)
	defer ticker.Stop()
	for {
		r.Cycle(ctx)
		select {
		case <-ctx.Done():
			r.stop()
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Router) stop() {
	if r.seq != nil {
		r.seq.Stop()
	}
	for _, c := range r.communities {
		c.close()
	}
	r.state_mutex.Lock()
	r.state = Configured
	r.state_mutex.Unlock()
	r.logger.Info("Bridge stopped", "forwarded", r.forwardedCount.Load())
}

// Close releases the datagram channel the router opened, if any. Call it after Run returns.
func (r *Router) Close() error {
	for _, c := range r.communities {
		c.close()
	}
	if r.ownedDatagram != nil {
		return r.ownedDatagram.Close()
	}
	return nil
}

// Cycle performs one forwarding pass
func (r *Router) Cycle(ctx context.Context) {
	r.cycleStart = time.Now()

	for _, c := range r.communities {
		if c.IsConnected() {
			continue
		}
		if len(c.Sources()) > 0 || (r.seq != nil && c.Name() == r.local.Community) {
			r.connect(ctx, c)
		}
	}

	for _, src := range r.communities {
		for _, m := range src.fetch() {
			r.route(ctx, src, m)
		}
	}

	r.drainDatagrams(ctx)
	r.metrics.cycle(time.Since(r.cycleStart))
}

// route forwards one message collected from src into every other community that sinks it
func (r *Router) route(ctx context.Context, src *Community, m msg.Message) {
	key := SinkKey{Variable: m.Key, Community: src.Name()}
	for _, dest := range r.communities {
		if dest == src || !dest.WantsToSink(key) {
			continue
		}
		if m.OriginatingCommunity == dest.Name() {
			r.logger.Debug("Not returning message to its own community", "key", m.Key, "community", dest.Name())
			r.metrics.dropped(dropEcho)
			continue
		}

		clone := m
		clone.Key = dest.GetAlias(key)

		if _, ok := r.datagramShares[key]; ok {
			r.sendDatagram(dest, clone)
		} else {
			r.forwardSession(ctx, dest, clone)
		}
	}
}

func (r *Router) sendDatagram(dest *Community, m msg.Message) {
	host, port, ok := dest.DatagramTarget()
	if !ok {
		r.logger.Warn("Dropping datagram forward", "key", m.Key, "community", dest.Name(), "error", errors.ErrNoDatagramTarget)
		r.metrics.dropped(dropNoTarget)
		return
	}
	if err := r.datagram.SendTo(m, host, port); err != nil {
		r.logger.Warn("Dropping datagram forward", "key", m.Key, "community", dest.Name(), "error", err)
		r.metrics.dropped(dropSendFailed)
		return
	}
	r.forwardedCount.Add(1)
	r.metrics.forwarded("datagram")
}

func (r *Router) forwardSession(ctx context.Context, dest *Community, m msg.Message) {
	if !dest.IsConnected() {
		r.connect(ctx, dest)
	}
	if err := dest.post(m); err != nil {
		r.logger.Warn("Dropping forward", "key", m.Key, "community", dest.Name(), "error", err)
		r.metrics.dropped(dropReason(err))
		return
	}
	r.forwardedCount.Add(1)
	r.metrics.forwarded("session")
}

// drainDatagrams injects datagram traffic into the local community
func (r *Router) drainDatagrams(ctx context.Context) {
	if r.datagram == nil {
		return
	}
	in := r.datagram.ReceivePending()
	if len(in) == 0 {
		return
	}
	local := r.byName[r.local.Community]
	if !local.IsConnected() {
		r.connect(ctx, local)
	}
	for _, m := range in {
		if local.HasSource(m.Key) {
			r.logger.Warn("Dropping datagram for a variable the bridge collects locally", "key", m.Key, "from", m.OriginatingCommunity)
			r.metrics.dropped(dropLoop)
			continue
		}
		if m.OriginatingCommunity == local.Name() {
			r.logger.Debug("Dropping datagram that originated locally", "key", m.Key)
			r.metrics.dropped(dropEcho)
			continue
		}
		if err := local.post(m); err != nil {
			r.logger.Warn("Dropping datagram injection", "key", m.Key, "error", err)
			r.metrics.dropped(dropReason(err))
			continue
		}
		r.forwardedCount.Add(1)
		r.metrics.forwarded("inject")
	}
}

// dropReason names the metric label for a failed post
func dropReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrSessionUnavailable):
		return dropNoSession
	case errors.IsTransient(err):
		return dropBusy
	default:
		return dropPostFailed
	}
}

// connect tries to open a session for c, at most once per cycle and retry interval
func (r *Router) connect(ctx context.Context, c *Community) {
	if last, ok := r.lastAttempt[c]; ok {
		if !last.Before(r.cycleStart) || (r.retryInterval > 0 && time.Since(last) < r.retryInterval) {
			return
		}
	}
	r.lastAttempt[c] = time.Now()

	ep := c.Endpoint()
	if r.dial == nil || ep.Host == "" || ep.Host == BroadcastAddress {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	s, err := r.dial(dctx, ep)
	if err != nil {
		if errors.IsFatal(err) {
			r.logger.Error("Community turned the bridge away, will retry", "community", ep.Community, "server", ep.HostPort(),
				"class", errors.Classify(err), "error", err)
			return
		}
		r.logger.Warn("Community unreachable, will retry", "community", ep.Community, "server", ep.HostPort(),
			"error", errors.WrapTransient(fmt.Errorf("%v: %w", err, errors.ErrSessionUnavailable), "Router", "connect", "open session"))
		return
	}
	if err := c.attach(s); err != nil {
		r.logger.Warn("Failed to register sources", "community", ep.Community, "error", err)
		return
	}
	r.logger.Info("Connected to community", "community", ep.Community, "server", ep.HostPort())
}

// status summarises the router for the status heartbeat
func (r *Router) status() string {
	connected := 0
	for _, c := range r.communities {
		if c.IsConnected() {
			connected++
		}
	}
	return fmt.Sprintf("State=%s,Communities=%d,Connected=%d,Rules=%d,Forwarded=%d",
		r.State(), len(r.communities), connected, len(r.rules), r.forwardedCount.Load())
}

// statusPoster posts the heartbeat into the local community
type statusPoster struct {
	c *Community
}

func (p statusPoster) Post(m msg.Message) error {
	return p.c.post(m)
}
