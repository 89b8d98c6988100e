package node

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/meshpit/api"
	"github.com/adzialocha/meshpit/config"
	"github.com/adzialocha/meshpit/crypto"
)

func testConfig(t *testing.T, clientPort int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Topic = "icecream"
	cfg.NetworkID = "meshpit-test"
	cfg.Network.ListenHost = "127.0.0.1"
	cfg.Network.EnableMDNS = false
	cfg.UDP.ClientPort = clientPort
	cfg.Sync.Timeout = 5 * time.Second
	return cfg
}

// listenClient opens the socket a node forwards mesh payloads to.
func listenClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown(context.Background()) })
	return n
}

func sendDatagram(t *testing.T, to *net.UDPAddr, payload []byte) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, to)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, 49494)
	cfg.Topic = ""
	_, err := New(context.Background(), cfg, nil)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewFailsOnTakenUDPPort(t *testing.T) {
	taken := listenClient(t)

	cfg := testConfig(t, 49494)
	cfg.UDP.ServerPort = taken.LocalAddr().(*net.UDPAddr).Port
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestLocalDatagramIsLogged(t *testing.T) {
	client := listenClient(t)
	cfg := testConfig(t, client.LocalAddr().(*net.UDPAddr).Port)
	cfg.API.Addr = "127.0.0.1:0"

	key, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	n, err := New(context.Background(), cfg, key)
	require.NoError(t, err)
	defer n.Shutdown(context.Background())

	assert.Equal(t, key.PublicKey(), n.PublicKey())
	assert.NotEmpty(t, n.Addrs())
	assert.Equal(t, cfg.UDP.ClientPort, n.UDPClientAddr().Port)
	assert.NotZero(t, n.UDPServerAddr().Port)

	sendDatagram(t, n.UDPServerAddr(), []byte("hello"))
	sendDatagram(t, n.UDPServerAddr(), []byte("world"))

	require.Eventually(t, func() bool {
		length, err := n.Store().LogLength(n.PublicKey(), n.Topic().LogID())
		return err == nil && length == 2
	}, 5*time.Second, 20*time.Millisecond)

	known, ok := n.Authors().Lookup(n.Topic())
	require.True(t, ok)
	assert.Contains(t, known, n.PublicKey())

	entries, err := n.AuthorLog(n.PublicKey(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].Backlink)
	require.NotNil(t, entries[1].Backlink)
	assert.Equal(t, entries[0].Hash, *entries[1].Backlink)

	resp, err := http.Get("http://" + n.APIAddr().String() + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status api.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 2, status.Operations)
	assert.Equal(t, uint64(2), status.Bridge.DatagramsReceived)
	assert.Equal(t, n.PublicKey().String(), status.PublicKey)

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = client.ReadFromUDP(make([]byte, 64))
	assert.Error(t, err, "own payloads are never forwarded to the local client")
}

func TestShutdownOnce(t *testing.T) {
	n, err := New(context.Background(), testConfig(t, 49494), nil)
	require.NoError(t, err)

	require.NoError(t, n.Shutdown(context.Background()))
	require.NoError(t, n.Shutdown(context.Background()))

	_, err = n.Store().Len()
	assert.Error(t, err)
}

func TestTwoNodesRelayPayloads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mesh integration test in short mode")
	}

	clientA := listenClient(t)
	a := newTestNode(t, testConfig(t, clientA.LocalAddr().(*net.UDPAddr).Port))

	clientB := listenClient(t)
	cfgB := testConfig(t, clientB.LocalAddr().(*net.UDPAddr).Port)
	cfgB.Network.BootstrapPeers = a.Addrs()[:1]

	// Written before b exists, so it can only arrive through log sync.
	sendDatagram(t, a.UDPServerAddr(), []byte("before"))
	require.Eventually(t, func() bool {
		length, _ := a.Store().LogLength(a.PublicKey(), a.Topic().LogID())
		return length == 1
	}, 5*time.Second, 20*time.Millisecond)

	b := newTestNode(t, cfgB)

	select {
	case <-b.Ready():
	case <-time.After(20 * time.Second):
		t.Fatal("peers never met on the topic")
	}

	buf := make([]byte, 64)
	clientB.SetReadDeadline(time.Now().Add(20 * time.Second))
	n, _, err := clientB.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "before", string(buf[:n]))

	// Gossip may still be forming the mesh; resend from b until a sees it.
	deadline := time.Now().Add(20 * time.Second)
	for {
		sendDatagram(t, b.UDPServerAddr(), []byte("after"))
		clientA.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err = clientA.ReadFromUDP(buf)
		if err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "payload never reached a")
	}
	assert.Equal(t, "after", string(buf[:n]))

	known, ok := a.Authors().Lookup(a.Topic())
	require.True(t, ok)
	assert.Contains(t, known, b.PublicKey())
	assert.Contains(t, known, a.PublicKey())
}
