package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roburio/tlstunnel/internal/blobstore"
	"github.com/roburio/tlstunnel/internal/wire"
)

type memDevice struct{ buf []byte }

func newMemDevice() *memDevice { return &memDevice{buf: make([]byte, blobstore.DeviceSize)} }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}
func (m *memDevice) Sync() error { return nil }

func newTestServer(t *testing.T, key []byte) (*Server, *Config) {
	t.Helper()
	store := blobstore.New(newMemDevice(), nil)
	cfg, err := NewConfig(store)
	require.NoError(t, err)
	return NewServer(zap.NewNop(), cfg, key), cfg
}

func sign(key []byte, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

func roundTrip(t *testing.T, srv *Server, payload []byte) wire.Reply {
	t.Helper()
	c1, c2 := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln := newPipeListener(c2)
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(ctx, ln)

	require.NoError(t, writeFrame(c1, payload))
	reply, err := readFrame(c1)
	require.NoError(t, err)

	r, err := wire.DecodeReply(reply)
	require.NoError(t, err)
	c1.Close()
	return r
}

// pipeListener adapts a single net.Conn (from net.Pipe) to net.Listener so
// Server.Serve can be exercised without opening a real TCP socket.
type pipeListener struct {
	conn net.Conn
	used bool
	done chan struct{}
}

func newPipeListener(conn net.Conn) *pipeListener {
	return &pipeListener{conn: conn, done: make(chan struct{})}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	if l.used {
		<-l.done
		return nil, net.ErrClosed
	}
	l.used = true
	return l.conn, nil
}
func (l *pipeListener) Close() error   { close(l.done); return nil }
func (l *pipeListener) Addr() net.Addr { return l.conn.LocalAddr() }

// chanListener hands out connections fed through a channel, so several
// client pipes can be served concurrently by the same Server.
type chanListener struct {
	conns chan net.Conn
	addr  net.Addr
}

func (l *chanListener) Accept() (net.Conn, error) {
	c, ok := <-l.conns
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}
func (l *chanListener) Close() error   { close(l.conns); return nil }
func (l *chanListener) Addr() net.Addr { return l.addr }

func TestControlAddThenList(t *testing.T) {
	key := []byte("secret")
	srv, _ := newTestServer(t, key)

	addMsg := wire.EncodeCommand(wire.Command{Kind: wire.CommandAdd, SNI: "a.example", Backend: wire.Backend{Host: "10.0.0.1", Port: 4443}})
	payload := append(sign(key, addMsg), addMsg...)

	reply := roundTrip(t, srv, payload)
	require.Equal(t, wire.ReplyResult, reply.Kind)
	require.Equal(t, uint8(0), reply.Code)
	require.Equal(t, "a.example was successfully added", reply.Message)
}

func TestControlBadHMAC(t *testing.T) {
	key := []byte("secret")
	srv, _ := newTestServer(t, key)

	listMsg := wire.EncodeCommand(wire.Command{Kind: wire.CommandList})
	badPayload := append(make([]byte, hmacSize), listMsg...) // zeroed HMAC

	reply := roundTrip(t, srv, badPayload)
	require.Equal(t, wire.ReplyResult, reply.Kind)
	require.Equal(t, uint8(3), reply.Code)
	require.Equal(t, "authentication failure", reply.Message)
}

func TestControlWrongKeyFails(t *testing.T) {
	srv, _ := newTestServer(t, []byte("serverkey"))

	listMsg := wire.EncodeCommand(wire.Command{Kind: wire.CommandList})
	payload := append(sign([]byte("clientkey"), listMsg), listMsg...)

	reply := roundTrip(t, srv, payload)
	require.Equal(t, uint8(3), reply.Code)
}

func TestControlRemoveAbsentIsNoop(t *testing.T) {
	key := []byte("secret")
	srv, _ := newTestServer(t, key)

	rmMsg := wire.EncodeCommand(wire.Command{Kind: wire.CommandRemove, SNI: "missing.example"})
	payload := append(sign(key, rmMsg), rmMsg...)

	reply := roundTrip(t, srv, payload)
	require.Equal(t, uint8(0), reply.Code)
	require.Equal(t, "missing.example was successfully removed", reply.Message)
}

func TestControlUnknownCommandTagAfterAuth(t *testing.T) {
	key := []byte("secret")
	srv, _ := newTestServer(t, key)

	bogus := []byte{0xff}
	payload := append(sign(key, bogus), bogus...)

	reply := roundTrip(t, srv, payload)
	require.Equal(t, uint8(2), reply.Code)
}

func TestConfigLookupSeesAddedEntry(t *testing.T) {
	key := []byte("secret")
	srv, cfg := newTestServer(t, key)

	addMsg := wire.EncodeCommand(wire.Command{Kind: wire.CommandAdd, SNI: "default", Backend: wire.Backend{Host: "10.0.0.9", Port: 4443}})
	payload := append(sign(key, addMsg), addMsg...)
	roundTrip(t, srv, payload)

	be, ok := cfg.Lookup("default")
	require.True(t, ok)
	require.Equal(t, "10.0.0.9", be.Host)
	require.Equal(t, uint16(4443), be.Port)
}

func TestConcurrentAddsWithDistinctSNIsAllSucceed(t *testing.T) {
	key := []byte("secret")
	srv, cfg := newTestServer(t, key)

	ln := &chanListener{conns: make(chan net.Conn)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sni := fmt.Sprintf("host-%d.example", i)
			addMsg := wire.EncodeCommand(wire.Command{Kind: wire.CommandAdd, SNI: sni, Backend: wire.Backend{Host: "10.0.0.1", Port: uint16(1000 + i)}})
			payload := append(sign(key, addMsg), addMsg...)

			client, server := net.Pipe()
			done := make(chan struct{})
			go func() {
				ln.conns <- server
				close(done)
			}()
			require.NoError(t, writeFrame(client, payload))
			reply, err := readFrame(client)
			require.NoError(t, err)
			r, err := wire.DecodeReply(reply)
			require.NoError(t, err)
			require.Equal(t, uint8(0), r.Code)
			client.Close()
			<-done
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		sni := fmt.Sprintf("host-%d.example", i)
		be, ok := cfg.Lookup(sni)
		require.True(t, ok, "missing %s", sni)
		require.Equal(t, uint16(1000+i), be.Port)
	}

	// Re-read what actually landed on the device: a racing, unserialized
	// flush would have two writers compute the same next superblock and
	// write the same alternate slot, silently dropping one payload even
	// though both clients saw a success reply.
	_, persisted, err := cfg.store.ReadData()
	require.NoError(t, err)
	persistedMap, err := wire.DecodeMap(persisted)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		sni := fmt.Sprintf("host-%d.example", i)
		be, ok := persistedMap[sni]
		require.True(t, ok, "persisted map missing %s", sni)
		require.Equal(t, uint16(1000+i), be.Port)
	}
}

func TestControlAddRejectsNonLiteralHost(t *testing.T) {
	key := []byte("secret")
	srv, cfg := newTestServer(t, key)

	addMsg := wire.EncodeCommand(wire.Command{Kind: wire.CommandAdd, SNI: "a.example", Backend: wire.Backend{Host: "backend.example", Port: 4443}})
	payload := append(sign(key, addMsg), addMsg...)

	reply := roundTrip(t, srv, payload)
	require.Equal(t, uint8(1), reply.Code)

	_, ok := cfg.Lookup("a.example")
	require.False(t, ok)
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	var lenBuf [8]byte
	lenBuf[7] = 100 // claims 100 bytes but only 5 follow
	r, w := net.Pipe()
	go func() {
		_, _ = w.Write(lenBuf[:])
		_, _ = w.Write([]byte("short"))
		_ = w.Close()
	}()

	_, err := readFrame(r)
	require.Error(t, err)
}
