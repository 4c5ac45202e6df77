package sniproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roburio/tlstunnel/internal/wire"
)

// DefaultSNI is the fallback key used when the client's SNI is absent or
// unknown, per spec.md §3/§4.4.
const DefaultSNI = "default"

// Backends resolves a normalized SNI name to a backend. internal/control's
// *Config satisfies this.
type Backends interface {
	Lookup(sni string) (wire.Backend, bool)
}

// TLSConfigSource hands back the TLS configuration to use for the next
// accept. internal/certmgr's atomic cell satisfies this; per spec.md §9 it
// is read once at the top of each handler, never via a reader/writer lock.
type TLSConfigSource interface {
	Current() *tls.Config
}

// TLSServer is the public TLS listener of spec.md §4.4.
type TLSServer struct {
	logger           *zap.Logger
	backends         Backends
	tlsConfigs       TLSConfigSource
	handshakeTimeout time.Duration
}

// NewTLSServer constructs a TLSServer. handshakeTimeout bounds the TLS
// handshake per spec.md §4.4's Open Question and §9's recommendation; a
// value <= 0 uses a 10 second default.
func NewTLSServer(logger *zap.Logger, backends Backends, tlsConfigs TLSConfigSource, handshakeTimeout time.Duration) *TLSServer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &TLSServer{logger: logger, backends: backends, tlsConfigs: tlsConfigs, handshakeTimeout: handshakeTimeout}
}

// Serve runs the TLS accept loop until ctx is canceled.
func (s *TLSServer) Serve(ctx context.Context, ln net.Listener) error {
	return acceptLoop(ctx, s.logger, ln, func(conn net.Conn) {
		s.handle(ctx, conn)
	})
}

func (s *TLSServer) handle(ctx context.Context, raw net.Conn) {
	sessionID := uuid.New()
	logger := s.logger.With(zap.String("session_id", sessionID.String()), zap.String("remote", raw.RemoteAddr().String()))

	cfg := s.tlsConfigs.Current()
	if cfg == nil {
		logger.Warn("sniproxy: no TLS configuration installed yet, closing")
		raw.Close()
		return
	}

	tlsConn := tls.Server(raw, cfg)

	_ = raw.SetDeadline(time.Now().Add(s.handshakeTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		logger.Warn("sniproxy: TLS handshake failed", zap.Error(err))
		raw.Close()
		return
	}
	_ = raw.SetDeadline(time.Time{})

	sni := tlsConn.ConnectionState().ServerName

	backend, ok := s.resolveBackend(sni)
	if !ok {
		logger.Debug("sniproxy: no backend resolved, closing", zap.String("sni", sni))
		tlsConn.Close()
		return
	}
	logger = logger.With(zap.String("sni", sni), zap.String("backend", fmt.Sprintf("%s:%d", backend.Host, backend.Port)))

	backendConn, err := net.DialTimeout("tcp", net.JoinHostPort(backend.Host, fmt.Sprint(backend.Port)), 10*time.Second)
	if err != nil {
		logger.Warn("sniproxy: backend dial failed, closing", zap.Error(err))
		tlsConn.Close()
		return
	}

	pump(logger, tlsConn, backendConn)
}

// resolveBackend implements spec.md §4.4's dispatch rules: an SNI present
// and known wins; otherwise fall back to the default entry.
func (s *TLSServer) resolveBackend(sni string) (wire.Backend, bool) {
	if sni != "" {
		if be, ok := s.backends.Lookup(wire.NormalizeSNI(sni)); ok {
			return be, true
		}
	}
	return s.backends.Lookup(DefaultSNI)
}

// pump runs the bidirectional byte copy between a and b until either side
// signals termination (EOF or I/O error on a read or write), then closes
// both ends so the other loop unwinds on its next I/O, per spec.md §4.4.
func pump(logger *zap.Logger, a, b io.ReadWriteCloser) {
	var closeOnce int32

	closeBoth := func() {
		if atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
			b.Close()
			a.Close()
		}
	}

	done := make(chan struct{}, 2)
	copyLoop := func(dst io.Writer, src io.Reader, direction string) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					logger.Debug("sniproxy: pump write error", zap.String("direction", direction), zap.Error(werr))
					closeBoth()
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Debug("sniproxy: pump read error", zap.String("direction", direction), zap.Error(err))
				}
				closeBoth()
				return
			}
		}
	}

	go copyLoop(b, a, "client->backend")
	go copyLoop(a, b, "backend->client")

	<-done
	<-done
}
