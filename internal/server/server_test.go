package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spitfire4040/chatcore/internal/config"
	"github.com/spitfire4040/chatcore/internal/persistence"
	"github.com/spitfire4040/chatcore/internal/protocol"
	"github.com/spitfire4040/chatcore/internal/wire"
)

var (
	certFile string
	keyFile  string
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "chatcore-tls")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := generateSelfSignedCert(certFile, keyFile); err != nil {
		panic(err)
	}

	os.Exit(m.Run())
}

func generateSelfSignedCert(certPath, keyPath string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return err
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return err
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	return pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
}

type testServer struct {
	acc *Acceptor
}

func startTestServer(t *testing.T) (*testServer, context.Context) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.NewJSONStore(dir, "users.json", "rooms.json")
	require.NoError(t, err)

	cfg := config.Config{
		Host:         "127.0.0.1",
		Port:         "0",
		TLSCertFile:  certFile,
		TLSKeyFile:   keyFile,
		Capacities:   config.Capacities{Room: 8, Direct: 4, ManagerClient: 4, ClientComm: 8, ClientPersistence: 8},
		MaxFrameSize: 1 << 20,
	}

	acc := New(store, cfg, nil)
	require.NoError(t, acc.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	go acc.Run(ctx)
	t.Cleanup(cancel)

	return &testServer{acc: acc}, ctx
}

func (s *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", s.acc.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	require.NoError(t, wire.WriteFrame(conn, payload))
}

func recvServerMsg(t *testing.T, conn net.Conn) protocol.ServerMsg {
	t.Helper()
	dec := wire.NewDecoder(conn, 1<<20)
	data, err := dec.Next()
	require.NoError(t, err)
	msg, err := protocol.DecodeServerMsg(data)
	require.NoError(t, err)
	return msg
}

func register(t *testing.T, conn net.Conn, username, password string) protocol.RegisterResponseMsg {
	t.Helper()
	raw, err := protocol.EncodeClientAuthMsg(protocol.RegisterMsg{Username: username, Password: password})
	require.NoError(t, err)
	send(t, conn, raw)
	resp := recvServerMsg(t, conn)
	rr, ok := resp.(protocol.RegisterResponseMsg)
	require.True(t, ok)
	return rr
}

func login(t *testing.T, conn net.Conn, username, password string) protocol.AuthResponseMsg {
	t.Helper()
	raw, err := protocol.EncodeClientAuthMsg(protocol.LoginMsg{Username: username, Password: password})
	require.NoError(t, err)
	send(t, conn, raw)
	resp := recvServerMsg(t, conn)
	ar, ok := resp.(protocol.AuthResponseMsg)
	require.True(t, ok)
	return ar
}

// Scenario A — login rejects second session.
func TestScenarioA_LoginRejectsSecondSession(t *testing.T) {
	srv, _ := startTestServer(t)
	connA := srv.dial(t)
	require.True(t, register(t, connA, "alice01x", "Abcdef12").OK)
	require.True(t, login(t, connA, "alice01x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // Init
	_ = recvServerMsg(t, connA) // self-echoed UserConnected into the public room

	connB := srv.dial(t)
	ar := login(t, connB, "alice01x", "Abcdef12")
	require.False(t, ar.OK)
	require.Contains(t, ar.Err, "already logged in")

	// B's connection remains open: a further auth attempt is still served.
	ar2 := login(t, connB, "alice01x", "wrong-pass")
	require.False(t, ar2.OK)
}

// Scenario B — public room presence fan-out.
func TestScenarioB_PublicRoomPresenceFanOut(t *testing.T) {
	srv, _ := startTestServer(t)
	connA := srv.dial(t)
	require.True(t, register(t, connA, "alice01x", "Abcdef12").OK)
	require.True(t, login(t, connA, "alice01x", "Abcdef12").OK)
	initA := recvServerMsg(t, connA).(protocol.InitMsg)
	require.Len(t, initA.Rooms, 1)
	require.Equal(t, config.PublicRoomName, initA.Rooms[0].Name)
	require.Contains(t, usernamesOf(initA.Rooms[0].OnlineMembers), "alice01x")
	_ = recvServerMsg(t, connA) // self-echoed UserConnected

	connB := srv.dial(t)
	require.True(t, register(t, connB, "bob0007x", "Abcdef12").OK)

	joinNotif := recvServerMsg(t, connA).(protocol.UserJoinedRoomMsg)
	require.Equal(t, "bob0007x", joinNotif.User.Username)

	require.True(t, login(t, connB, "bob0007x", "Abcdef12").OK)
	initB := recvServerMsg(t, connB).(protocol.InitMsg)
	require.Contains(t, usernamesOf(initB.Rooms[0].OnlineMembers), "alice01x")
	_ = recvServerMsg(t, connB) // bob's own self-echoed UserConnected

	connected := recvServerMsg(t, connA).(protocol.UserConnectedMsg)
	require.Equal(t, "bob0007x", connected.User.Username)
}

func usernamesOf(users []protocol.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Username
	}
	return out
}

// Scenario C — direct message.
func TestScenarioC_DirectMessage(t *testing.T) {
	srv, _ := startTestServer(t)
	connA := srv.dial(t)
	require.True(t, register(t, connA, "alice01x", "Abcdef12").OK)
	require.True(t, login(t, connA, "alice01x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // Init
	_ = recvServerMsg(t, connA) // self-echo

	connB := srv.dial(t)
	require.True(t, register(t, connB, "bob0007x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // UserJoinedRoom from bob's registration
	bobAuth := login(t, connB, "bob0007x", "Abcdef12")
	require.True(t, bobAuth.OK)
	_ = recvServerMsg(t, connB) // Init for bob
	_ = recvServerMsg(t, connA) // UserConnected from bob's init
	_ = recvServerMsg(t, connB) // bob's own self-echo

	text := protocol.TextMsg{Text: "hi", To: protocol.UserChannel(bobAuth.User.ID)}
	raw, err := protocol.EncodeClientSessionMsg(text)
	require.NoError(t, err)
	send(t, connA, raw)

	delivered := recvServerMsg(t, connB).(protocol.TextMsg)
	require.Equal(t, "hi", delivered.Text)
	require.Equal(t, "alice01x", delivered.From.Username)
}

// Scenario D — file stream boundary.
func TestScenarioD_FileStreamBoundary(t *testing.T) {
	srv, _ := startTestServer(t)
	connA := srv.dial(t)
	require.True(t, register(t, connA, "alice01x", "Abcdef12").OK)
	require.True(t, login(t, connA, "alice01x", "Abcdef12").OK)
	initA := recvServerMsg(t, connA).(protocol.InitMsg)
	publicRoom := initA.Rooms[0]
	_ = recvServerMsg(t, connA) // self-echo

	connB := srv.dial(t)
	require.True(t, register(t, connB, "bob0007x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // UserJoinedRoom from bob's registration
	require.True(t, login(t, connB, "bob0007x", "Abcdef12").OK)
	_ = recvServerMsg(t, connB) // Init for bob
	_ = recvServerMsg(t, connA) // UserConnected from bob's init
	_ = recvServerMsg(t, connB) // bob's own self-echo

	streamID := uuid.New()
	meta := protocol.FileMetadataMsg{
		Filename: "x.bin",
		StreamID: streamID,
		Size:     9000,
		To:       protocol.RoomChannel(publicRoom.ID),
	}
	rawMeta, err := protocol.EncodeClientSessionMsg(meta)
	require.NoError(t, err)
	send(t, connA, rawMeta)

	// alice hears her own FileMetadata echo; bob receives the real one.
	_ = recvServerMsg(t, connA).(protocol.FileMetadataMsg)
	gotMeta := recvServerMsg(t, connB).(protocol.FileMetadataMsg)
	require.Equal(t, "x.bin", gotMeta.Filename)
	require.EqualValues(t, 9000, gotMeta.Size)

	var full [protocol.ChunkSize]byte
	for i := range full {
		full[i] = 0xAA
	}

	chunk1 := protocol.FileChunkMsg{StreamID: streamID, Data: full, To: protocol.RoomChannel(publicRoom.ID)}
	rawChunk1, err := protocol.EncodeClientSessionMsg(chunk1)
	require.NoError(t, err)
	send(t, connA, rawChunk1)

	_ = recvServerMsg(t, connA) // self-echo
	gotChunk1 := recvServerMsg(t, connB).(protocol.FileChunkMsg)
	require.Equal(t, streamID, gotChunk1.StreamID)

	chunk2 := protocol.FileChunkMsg{StreamID: streamID, Data: full, To: protocol.RoomChannel(publicRoom.ID)}
	rawChunk2, err := protocol.EncodeClientSessionMsg(chunk2)
	require.NoError(t, err)
	send(t, connA, rawChunk2)

	_ = recvServerMsg(t, connA) // self-echo
	gotChunk2 := recvServerMsg(t, connB).(protocol.FileChunkMsg)
	require.Equal(t, streamID, gotChunk2.StreamID)

	// The receiving side's file-assembler truncation (here 8192 bytes
	// from the first chunk, 808 from the second, totaling exactly 9000)
	// is unit-tested in internal/fileassembler with smaller declared
	// sizes; this scenario confirms both raw FileChunk frames reach the
	// subscriber.
}

// Scenario E — direct to offline.
func TestScenarioE_DirectToOffline(t *testing.T) {
	srv, _ := startTestServer(t)
	connA := srv.dial(t)
	require.True(t, register(t, connA, "alice01x", "Abcdef12").OK)
	require.True(t, login(t, connA, "alice01x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // Init
	_ = recvServerMsg(t, connA) // self-echo

	unknown := uuid.New()
	text := protocol.TextMsg{Text: "hello?", To: protocol.UserChannel(unknown)}
	raw, err := protocol.EncodeClientSessionMsg(text)
	require.NoError(t, err)
	send(t, connA, raw)

	// No frame should arrive and the connection should not be dropped:
	// confirm liveness with a harmless follow-up round trip.
	connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	dec := wire.NewDecoder(connA, 1<<20)
	_, err = dec.Next()
	require.Error(t, err) // read timeout: nothing was delivered

	connA.SetReadDeadline(time.Time{})
	raw2, err := protocol.EncodeClientSessionMsg(protocol.CreateRoomMsg{Name: "still-alive"})
	require.NoError(t, err)
	send(t, connA, raw2)
	resp := recvServerMsg(t, connA).(protocol.CreateRoomResponseMsg)
	require.True(t, resp.OK)
}

// A direct endpoint established while both peers were online must stop
// delivering, without hanging the sender, once the target disconnects.
func TestDirectEndpointDropsAfterPeerDisconnects(t *testing.T) {
	srv, _ := startTestServer(t)
	connA := srv.dial(t)
	require.True(t, register(t, connA, "alice01x", "Abcdef12").OK)
	require.True(t, login(t, connA, "alice01x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // Init
	_ = recvServerMsg(t, connA) // self-echo

	connB := srv.dial(t)
	require.True(t, register(t, connB, "bob0007x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // UserJoinedRoom from bob's registration
	bobAuth := login(t, connB, "bob0007x", "Abcdef12")
	require.True(t, bobAuth.OK)
	_ = recvServerMsg(t, connB) // Init for bob
	_ = recvServerMsg(t, connA) // UserConnected from bob's init
	_ = recvServerMsg(t, connB) // bob's own self-echo

	to := protocol.UserChannel(bobAuth.User.ID)

	first := protocol.TextMsg{Text: "first", To: to}
	rawFirst, err := protocol.EncodeClientSessionMsg(first)
	require.NoError(t, err)
	send(t, connA, rawFirst)
	delivered := recvServerMsg(t, connB).(protocol.TextMsg)
	require.Equal(t, "first", delivered.Text)

	// bob disconnects without logging out, leaving alice holding a cached
	// direct-endpoint sender that nothing drains anymore.
	connB.Close()
	_ = recvServerMsg(t, connA) // UserDisconnected for bob

	stale := protocol.TextMsg{Text: "stale", To: to}
	rawStale, err := protocol.EncodeClientSessionMsg(stale)
	require.NoError(t, err)
	send(t, connA, rawStale)

	// alice's session must keep responding: the send above must have been
	// dropped rather than blocking her session loop on a dead channel.
	raw2, err := protocol.EncodeClientSessionMsg(protocol.CreateRoomMsg{Name: "still-alive-after-peer-drop"})
	require.NoError(t, err)
	send(t, connA, raw2)
	resp := recvServerMsg(t, connA).(protocol.CreateRoomResponseMsg)
	require.True(t, resp.OK)
}

// Scenario F — logout re-auth.
func TestScenarioF_LogoutReAuth(t *testing.T) {
	srv, _ := startTestServer(t)
	connA := srv.dial(t)
	require.True(t, register(t, connA, "alice01x", "Abcdef12").OK)
	require.True(t, login(t, connA, "alice01x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // Init
	_ = recvServerMsg(t, connA) // self-echo

	connB := srv.dial(t)
	require.True(t, register(t, connB, "bob0007x", "Abcdef12").OK)
	_ = recvServerMsg(t, connA) // UserJoinedRoom from bob's registration
	require.True(t, login(t, connB, "bob0007x", "Abcdef12").OK)
	_ = recvServerMsg(t, connB) // Init for bob
	_ = recvServerMsg(t, connA) // UserConnected from bob's init
	_ = recvServerMsg(t, connB) // bob's own self-echo

	raw, err := protocol.EncodeClientSessionMsg(protocol.LogoutMsg{})
	require.NoError(t, err)
	send(t, connA, raw)

	disconnected := recvServerMsg(t, connB).(protocol.UserDisconnectedMsg)
	require.Equal(t, "alice01x", disconnected.User.Username)

	require.True(t, register(t, connA, "carol22x", "Abcdef12").OK)
	ar := login(t, connA, "carol22x", "Abcdef12")
	require.True(t, ar.OK)
}
