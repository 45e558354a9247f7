package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/protocol"
)

// server representation of a connected client
type serverClient struct {
	// Process name, unique within the community
	name string
	// Internal connection state
	con net.Conn

	// Exact and wildcard subscriptions
	subs       map[string]*subscription
	wildcards  map[string]*subscription
	subs_mutex sync.Mutex

	// Pending deliveries, drained in batches by writeLoop
	outbox    chan msg.Message
	done      chan struct{}
	closeOnce sync.Once
}

// subscription limits delivery of one key or pattern to at most one update per period
type subscription struct {
	period  float64
	limiter *rate.Limiter
}

func newSubscription(period float64) *subscription {
	sub := &subscription{period: period}
	if period > 0 {
		every := time.Duration(period * float64(time.Second))
		sub.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
	return sub
}

func (sub *subscription) allow() bool {
	return sub.limiter == nil || sub.limiter.Allow()
}

func newServerClient(name string, con net.Conn, outboxSize int) *serverClient {
	return &serverClient{
		name:      name,
		con:       con,
		subs:      make(map[string]*subscription),
		wildcards: make(map[string]*subscription),
		outbox:    make(chan msg.Message, outboxSize),
		done:      make(chan struct{}),
	}
}

func (sc *serverClient) subscribe(key string, period float64) {
	sc.subs_mutex.Lock()
	defer sc.subs_mutex.Unlock()
	sc.subs[key] = newSubscription(period)
}

func (sc *serverClient) unsubscribe(key string) {
	sc.subs_mutex.Lock()
	defer sc.subs_mutex.Unlock()
	delete(sc.subs, key)
}

func (sc *serverClient) subscribeWildcard(pattern string, period float64) error {
	if err := validatePattern(pattern); err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, err)
	}
	sc.subs_mutex.Lock()
	defer sc.subs_mutex.Unlock()
	sc.wildcards[pattern] = newSubscription(period)
	return nil
}

func (sc *serverClient) unsubscribeWildcard(pattern string) {
	sc.subs_mutex.Lock()
	defer sc.subs_mutex.Unlock()
	delete(sc.wildcards, pattern)
}

// wants reports whether an update of key should be delivered now.
// An exact subscription takes precedence over any matching pattern.
func (sc *serverClient) wants(key string) bool {
	sc.subs_mutex.Lock()
	defer sc.subs_mutex.Unlock()

	if sub, ok := sc.subs[key]; ok {
		return sub.allow()
	}
	for pattern, sub := range sc.wildcards {
		if matchPattern(pattern, key) {
			return sub.allow()
		}
	}
	return false
}

// enqueue queues a delivery without blocking; it reports false if the outbox is full or closed
func (sc *serverClient) enqueue(m msg.Message) bool {
	select {
	case <-sc.done:
		return false
	default:
	}
	select {
	case sc.outbox <- m:
		return true
	default:
		return false
	}
}

// writeLoop sends queued deliveries, coalescing whatever is pending into one packet
func (sc *serverClient) writeLoop(log *slog.Logger) {
	pkt := protocol.NewPacket()
	batch := make([]msg.Message, 0, maxBatch)
	for {
		select {
		case <-sc.done:
			return
		case m := <-sc.outbox:
			batch = append(batch[:0], m)
		drain:
			for len(batch) < maxBatch {
				select {
				case m := <-sc.outbox:
					batch = append(batch, m)
				default:
					break drain
				}
			}
			if err := protocol.WritePacket(sc.con, pkt, batch); err != nil {
				log.Info("Delivery failed, closing client", "error", err)
				sc.shutdown()
				return
			}
		}
	}
}

func (sc *serverClient) shutdown() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		sc.con.Close()
	})
}
