package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CiaranWoodward/commbridge/client"
	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/metric"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/protocol"
)

func newTestServer(t *testing.T) *Server {
	return NewServer(Config{Community: "alpha", Host: "testhost", Metrics: metric.NewRegistry()})
}

// join connects a real client to the server over a pipe
func join(t *testing.T, s *Server, name string) *client.Client {
	cli, ser := net.Pipe()
	s.AddClientByConnection(ser)
	c, err := client.NewClient(cli, client.WithName(name))
	require.NoError(t, err)
	return c
}

// flush makes a round trip through the server, so everything c sent earlier has been
// dispatched and everything queued for c earlier has reached its inbox
func flush(t *testing.T, c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Clients(ctx)
	require.NoError(t, err)
}

func keys(mail []msg.Message) []string {
	out := make([]string, len(mail))
	for i, m := range mail {
		out[i] = m.Key
	}
	return out
}

func TestNotifyReachesRegisteredClient(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	helm := join(t, s, "pHelm")
	nav := join(t, s, "pNav")

	require.NoError(t, helm.Register("DEPTH", 0))
	require.NoError(t, nav.Notify("DEPTH", 3.2, 0))

	// Whichever arrives first, the register or the notify, helm sees the value exactly once
	var got []msg.Message
	assert.Eventually(t, func() bool {
		got = append(got, helm.Fetch()...)
		return len(got) > 0
	}, 2*time.Second, 5*time.Millisecond)
	flush(t, nav)
	flush(t, helm)
	got = append(got, helm.Fetch()...)

	require.Len(t, got, 1)
	assert.Equal(t, "DEPTH", got[0].Key)
	assert.Equal(t, 3.2, got[0].DoubleValue)
	assert.Equal(t, "pNav", got[0].Source)
	assert.Equal(t, "alpha", got[0].OriginatingCommunity)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.notifications))

	helm.Close()
	nav.Close()
	s.Close()
}

func TestRegisterDeliversCurrentValue(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	nav := join(t, s, "pNav")
	require.NoError(t, nav.Notify("HEADING", 10, 0))
	require.NoError(t, nav.Notify("HEADING", 20, 0))
	flush(t, nav)

	helm := join(t, s, "pHelm")
	require.NoError(t, helm.Register("HEADING", 0))
	flush(t, helm)

	got := helm.Fetch()
	require.Len(t, got, 1)
	assert.Equal(t, 20.0, got[0].DoubleValue)

	helm.Close()
	nav.Close()
	s.Close()
}

func TestForwardedStampsArePreserved(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	bridge := join(t, s, "pBridge")
	helm := join(t, s, "pHelm")
	require.NoError(t, helm.Register("DEPTH", 0))
	flush(t, helm)

	m := msg.NewDouble(msg.Notify, "DEPTH", 7, 0)
	m.Source = "pSonar"
	m.OriginatingCommunity = "beta"
	require.NoError(t, bridge.Post(m))
	flush(t, bridge)
	flush(t, helm)

	got := helm.Fetch()
	require.Len(t, got, 1)
	assert.Equal(t, "pSonar", got[0].Source)
	assert.Equal(t, "beta", got[0].OriginatingCommunity)

	bridge.Close()
	helm.Close()
	s.Close()
}

func TestUnregisterStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	nav := join(t, s, "pNav")
	helm := join(t, s, "pHelm")
	require.NoError(t, helm.Register("SPEED", 0))
	flush(t, helm)

	require.NoError(t, nav.Notify("SPEED", 1, 0))
	flush(t, nav)
	require.NoError(t, helm.Unregister("SPEED"))
	flush(t, helm)
	require.NoError(t, nav.Notify("SPEED", 2, 0))
	flush(t, nav)
	flush(t, helm)

	got := helm.Fetch()
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].DoubleValue)

	helm.Close()
	nav.Close()
	s.Close()
}

func TestWildcardRegistration(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	nav := join(t, s, "pNav")
	require.NoError(t, nav.Notify("NAV_X", 1, 0))
	flush(t, nav)

	helm := join(t, s, "pHelm")
	require.NoError(t, helm.Register("NAV_*", 0))
	flush(t, helm)

	require.NoError(t, nav.Notify("NAV_Y", 2, 0))
	require.NoError(t, nav.Notify("DEPTH", 3, 0))
	flush(t, nav)
	flush(t, helm)

	assert.Equal(t, []string{"NAV_X", "NAV_Y"}, keys(helm.Fetch()))

	require.NoError(t, helm.Unregister("NAV_*"))
	flush(t, helm)
	require.NoError(t, nav.Notify("NAV_Z", 4, 0))
	flush(t, nav)
	flush(t, helm)
	assert.Empty(t, helm.Fetch())

	helm.Close()
	nav.Close()
	s.Close()
}

func TestRegisterPeriodLimitsRate(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	nav := join(t, s, "pNav")
	helm := join(t, s, "pHelm")
	require.NoError(t, helm.Register("ROLL", 10))
	flush(t, helm)

	for i := 0; i < 5; i++ {
		require.NoError(t, nav.Notify("ROLL", float64(i), 0))
	}
	flush(t, nav)
	flush(t, helm)

	got := helm.Fetch()
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].DoubleValue)

	helm.Close()
	nav.Close()
	s.Close()
}

func TestDuplicateNameRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	first := join(t, s, "pNav")

	cli, ser := net.Pipe()
	s.AddClientByConnection(ser)
	_, err := client.NewClient(cli, client.WithName("pNav"))
	assert.ErrorIs(t, err, errors.ErrPoisoned)
	assert.Equal(t, []string{"pNav"}, s.Clients())

	first.Close()
	s.Close()
}

func TestClientsRequest(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	nav := join(t, s, "pNav")
	helm := join(t, s, "pHelm")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	names, err := nav.Clients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pHelm", "pNav"}, names)

	helm.Close()
	assert.Eventually(t, func() bool {
		return len(s.Clients()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	nav.Close()
	s.Close()
}

func TestSyncClock(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	nav := join(t, s, "pNav")
	require.NoError(t, nav.SyncClock())
	flush(t, nav)
	assert.InDelta(t, 0, nav.ClockSkew(), 0.5)

	nav.Close()
	s.Close()
}

// rawHandshake performs the handshake by hand, for introductions the client API never sends
func rawHandshake(t *testing.T, con net.Conn, version []byte, name string) []msg.Message {
	_, err := con.Write(version)
	require.NoError(t, err)
	pkt := protocol.NewPacket()
	if name != "\x00" {
		require.NoError(t, protocol.WritePacket(con, pkt, []msg.Message{msg.NewString(msg.Data, "", name, 0)}))
	}
	reply, err := protocol.ReceiveMessages(con, pkt)
	require.NoError(t, err)
	return reply
}

func versionBytes(v string) []byte {
	b := make([]byte, protocol.VersionSize)
	copy(b, v)
	return b
}

func TestAnonymousClientGetsUniqueName(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	cli, ser := net.Pipe()
	s.AddClientByConnection(ser)
	reply := rawHandshake(t, cli, versionBytes(protocol.Version), "")
	require.NotEmpty(t, reply)
	assert.Equal(t, msg.Welcome, reply[0].Type)
	assert.Equal(t, "alpha", reply[0].StringValue)
	assert.Equal(t, "testhost", reply[0].Source)

	names := s.Clients()
	require.Len(t, names, 1)
	assert.True(t, strings.HasPrefix(names[0], "anon-"))

	cli.Close()
	s.Close()
}

func TestVersionMismatchPoisoned(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	cli, ser := net.Pipe()
	s.AddClientByConnection(ser)
	reply := rawHandshake(t, cli, versionBytes("SOMETHING ELSE 9.9"), "\x00")
	require.NotEmpty(t, reply)
	assert.Equal(t, msg.Poison, reply[0].Type)
	assert.Empty(t, s.Clients())

	cli.Close()
	s.Close()
}

func TestServerListener(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestServer(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.AddListener(l)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nav, err := client.Dial(ctx, l.Addr().String(), client.WithName("pNav"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", nav.Community())

	nav.Close()
	s.Close()
}
