package datagram

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/CiaranWoodward/commbridge/errors"
)

// AddrCache remembers resolved datagram addresses, so each host:port is looked up only once.
// Entries never change after they are resolved. Failed lookups are not cached.
type AddrCache struct {
	mu      sync.RWMutex
	addrs   map[string]*net.UDPAddr
	resolve func(network, address string) (*net.UDPAddr, error)
}

func NewAddrCache() *AddrCache {
	return &AddrCache{
		addrs:   make(map[string]*net.UDPAddr),
		resolve: net.ResolveUDPAddr,
	}
}

// Resolve returns the address of host:port, looking it up on first use
func (c *AddrCache) Resolve(host string, port int) (*net.UDPAddr, error) {
	hostport := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.RLock()
	addr, ok := c.addrs[hostport]
	c.mu.RUnlock()
	if ok {
		return addr, nil
	}

	addr, err := c.resolve("udp4", hostport)
	if err != nil {
		return nil, errors.WrapTransient(err, "AddrCache", "Resolve", fmt.Sprintf("resolve %s", hostport))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another sender may have won the race; keep the first entry
	if existing, ok := c.addrs[hostport]; ok {
		return existing, nil
	}
	c.addrs[hostport] = addr
	return addr, nil
}

// Len returns the number of cached addresses
func (c *AddrCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.addrs)
}
