// Package control implements the Control Channel of spec.md §4.3: a
// length-prefixed, HMAC-authenticated private TCP listener that mutates the
// live SNI map and flushes it through the Blob Store, one request per
// connection.
package control

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roburio/tlstunnel/internal/blobstore"
	"github.com/roburio/tlstunnel/internal/wire"
)

const hmacSize = sha256.Size

// acceptTimeout bounds how often the accept loop re-checks ctx.Done so
// shutdown is prompt even while idle, mirroring the deadline-bounded accept
// loop keploy-keploy/pkg/core/proxy/incomingproxy.go uses.
const acceptTimeout = 1 * time.Second

// Config is the live SNI map owned exclusively by the Control Channel's
// serial request handler, per spec.md §3's Ownership note. It is also read
// by the SNI Proxy.
//
// Map mutation and persistence are serialized by Server.writeMu (Serve
// handles each connection on its own goroutine); readers (the SNI Proxy)
// take the lock only to copy out a backend, never across an I/O operation.
type Config struct {
	mu    sync.Mutex
	store *blobstore.Store

	superblock blobstore.Superblock
	snis       wire.SNIMap
}

// NewConfig loads the SNI map from store, initializing the device if it is
// uninitialized or its checksum fails to verify (spec.md §4.1's documented
// caller policy).
func NewConfig(store *blobstore.Store) (*Config, error) {
	sb, payload, err := store.ReadData()
	if err != nil {
		if errors.Is(err, blobstore.ErrUninitialized) || errors.Is(err, blobstore.ErrBadChecksum) {
			sb, err = store.Init()
			if err != nil {
				return nil, fmt.Errorf("control: init blob store: %w", err)
			}
			payload = nil
		} else {
			return nil, fmt.Errorf("control: read blob store: %w", err)
		}
	}

	m, err := wire.DecodeMap(payload)
	if err != nil {
		return nil, fmt.Errorf("control: decode persisted map: %w", err)
	}

	return &Config{store: store, superblock: sb, snis: m}, nil
}

func (c *Config) lock()   { c.mu.Lock() }
func (c *Config) unlock() { c.mu.Unlock() }

// Lookup returns the backend for sni (already normalized) and whether it
// was found. Safe for concurrent use by the SNI Proxy.
func (c *Config) Lookup(sni string) (wire.Backend, bool) {
	c.lock()
	defer c.unlock()
	be, ok := c.snis[sni]
	return be, ok
}

// snapshot returns a defensive copy of the current map for List replies and
// for reuse across a Add/Remove's encode step without holding the lock
// during the Blob Store write.
func (c *Config) snapshot() wire.SNIMap {
	out := make(wire.SNIMap, len(c.snis))
	for k, v := range c.snis {
		out[k] = v
	}
	return out
}

// Server is the private control listener of spec.md §4.3.
//
// writeMu serializes the whole mutate-map-then-flush sequence of Add/Remove
// requests, per spec.md §4.3's "at-most-one concurrent writer" invariant: it
// is held from the superblock read through the Blob Store write and back,
// so two connections handled on separate goroutines (Serve dispatches one
// per accepted conn) cannot both compute the same next {Slot, SuperCounter}
// and race to write the same alternate slot. Config.mu stays a separate,
// short-held lock guarding only the in-memory map, so Lookup (the SNI
// Proxy's reader) never blocks on Blob Store I/O.
type Server struct {
	logger  *zap.Logger
	cfg     *Config
	key     []byte
	writeMu sync.Mutex
}

// NewServer constructs a control channel server. key is the HMAC
// authentication secret, treated as an opaque byte string per spec.md §4.3.
func NewServer(logger *zap.Logger, cfg *Config, key []byte) *Server {
	return &Server{logger: logger, cfg: cfg, key: key}
}

// Serve accepts connections on ln until ctx is canceled. Exactly one
// request/response exchange occurs per connection, then it is closed, per
// spec.md §4.3.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	type acceptResult struct {
		conn net.Conn
		err  error
	}

	tcpLn, hasDeadline := ln.(interface {
		SetDeadline(time.Time) error
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if hasDeadline {
			_ = tcpLn.SetDeadline(time.Now().Add(acceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}

		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	reqID := uuid.New()
	logger := s.logger.With(zap.String("request_id", reqID.String()), zap.String("remote", conn.RemoteAddr().String()))
	defer conn.Close()

	payload, err := readFrame(conn)
	if err != nil {
		logger.Warn("control: truncated or unreadable request, closing", zap.Error(err))
		return
	}

	reply := s.dispatch(logger, payload)

	if err := writeFrame(conn, wire.EncodeReply(reply)); err != nil {
		logger.Warn("control: failed to write reply", zap.Error(err))
	}
}

// dispatch authenticates and decodes payload, applies it, and returns the
// reply, per the table in spec.md §4.3.
func (s *Server) dispatch(logger *zap.Logger, payload []byte) wire.Reply {
	message, ok := s.authenticate(payload)
	if !ok {
		logger.Warn("control: authentication failure")
		return wire.ResultReply(3, "authentication failure")
	}

	cmd, err := wire.DecodeCommand(message)
	if err != nil {
		return wire.ResultReply(2, err.Error())
	}

	switch cmd.Kind {
	case wire.CommandAdd:
		return s.applyAdd(logger, cmd)
	case wire.CommandRemove:
		return s.applyRemove(logger, cmd)
	case wire.CommandList:
		return s.applyList()
	default:
		return wire.ResultReply(1, "unexpected")
	}
}

// authenticate verifies the HMAC-SHA-256 prefix of payload against the
// server's key, per spec.md §4.3.
func (s *Server) authenticate(payload []byte) ([]byte, bool) {
	if len(payload) < hmacSize {
		return nil, false
	}
	mac, message := payload[:hmacSize], payload[hmacSize:]

	h := hmac.New(sha256.New, s.key)
	h.Write(message)
	expected := h.Sum(nil)

	if !hmac.Equal(mac, expected) {
		return nil, false
	}
	return message, true
}

// applyAdd validates the backend address, inserts or overwrites the entry,
// then flushes through the Blob Store. writeMu is held across the whole
// mutate-then-flush sequence (see Server's doc comment) so concurrent
// Add/Remove requests cannot race for the same alternate slot. Per spec.md
// §9's documented Open Question, the in-memory map is mutated before the
// persist is attempted and is not rolled back if the persist fails.
func (s *Server) applyAdd(logger *zap.Logger, cmd wire.Command) wire.Reply {
	if err := wire.ValidateHost(cmd.Backend.Host); err != nil {
		return wire.ResultReply(1, fmt.Sprintf("error adding %s: %s", cmd.SNI, err))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sni := wire.NormalizeSNI(cmd.SNI)

	s.cfg.lock()
	s.cfg.snis[sni] = cmd.Backend
	snapshot := s.cfg.snapshot()
	s.cfg.unlock()

	if err := s.flush(snapshot); err != nil {
		logger.Error("control: failed to persist after add", zap.String("sni", sni), zap.Error(err))
		return wire.ResultReply(1, fmt.Sprintf("error %s adding %s", err, cmd.SNI))
	}
	return wire.ResultReply(0, fmt.Sprintf("%s was successfully added", cmd.SNI))
}

// applyRemove deletes the entry (a no-op if absent) then flushes. See
// applyAdd's comment on writeMu.
func (s *Server) applyRemove(logger *zap.Logger, cmd wire.Command) wire.Reply {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sni := wire.NormalizeSNI(cmd.SNI)

	s.cfg.lock()
	delete(s.cfg.snis, sni)
	snapshot := s.cfg.snapshot()
	s.cfg.unlock()

	if err := s.flush(snapshot); err != nil {
		logger.Error("control: failed to persist after remove", zap.String("sni", sni), zap.Error(err))
		return wire.ResultReply(1, fmt.Sprintf("error %s removing %s", err, cmd.SNI))
	}
	return wire.ResultReply(0, fmt.Sprintf("%s was successfully removed", cmd.SNI))
}

// applyList makes no state change.
func (s *Server) applyList() wire.Reply {
	s.cfg.lock()
	snapshot := s.cfg.snapshot()
	s.cfg.unlock()

	entries := make([]wire.Entry, 0, len(snapshot))
	for sni, be := range snapshot {
		entries = append(entries, wire.Entry{SNI: sni, Backend: be})
	}
	return wire.SnisReply(entries)
}

// flush persists snapshot through the Blob Store and, on success, advances
// cfg's superblock so the next mutation writes to the next alternate slot.
func (s *Server) flush(snapshot wire.SNIMap) error {
	payload := wire.EncodeMap(snapshot)

	s.cfg.lock()
	prev := s.cfg.superblock
	s.cfg.unlock()

	next, err := s.cfg.store.WriteData(prev, payload)
	if err != nil {
		return err
	}

	s.cfg.lock()
	s.cfg.superblock = next
	s.cfg.unlock()
	return nil
}

// readFrame reads a big-endian uint64 length prefix followed by exactly
// that many bytes, per spec.md §4.3's framing. If the stream does not yield
// exactly 8+length bytes the request is rejected as truncated.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("control: truncated length prefix: %w", err)
	}
	length := binary.BigEndian.Uint64(lenBuf[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("control: truncated payload: %w", err)
	}
	return payload, nil
}

// writeFrame writes payload prefixed by its big-endian uint64 length.
func writeFrame(w io.Writer, payload []byte) error {
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}
