// Package sniproxy implements the SNI Proxy of spec.md §4.4: a plaintext
// port-80 redirector and an SNI-dispatched TLS termination proxy with a
// byte-transparent bidirectional pump to the resolved backend.
package sniproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ServerTag is the product tag reflected in the redirect's Server header.
const ServerTag = "tlstunnel"

// acceptTimeout bounds how often the accept loops re-check ctx.Done.
const acceptTimeout = 1 * time.Second

// ServeRedirect runs the port-80 redirect listener until ctx is canceled.
// Per spec.md §4.4: on accept, it performs a single read, parses the
// request line and Host header by splitting on CRLF, and replies with a
// 301 to the HTTPS equivalent URL. Parse failures close the connection
// without writing a reply; port-80 connections are never kept alive.
func ServeRedirect(ctx context.Context, logger *zap.Logger, ln net.Listener) error {
	return acceptLoop(ctx, logger, ln, func(conn net.Conn) {
		defer conn.Close()
		if err := handleRedirect(conn); err != nil {
			logger.Debug("sniproxy: redirect parse failed, dropping", zap.Error(err))
		}
	})
}

func handleRedirect(conn net.Conn) error {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("sniproxy: read request: %w", err)
	}

	url, host, err := parseRedirectRequest(buf[:n])
	if err != nil {
		return err
	}
	host = stripPort(host)

	resp := "HTTP/1.1 301 Moved permanently\r\n" +
		"Location: https://" + host + url + "\r\n" +
		"Content-Length: 0\r\n" +
		"Server: " + ServerTag + "\r\n" +
		"\r\n"
	_, err = conn.Write([]byte(resp))
	return err
}

// parseRedirectRequest splits data on CRLF; the first line must be
// "<METHOD> <URL> <rest>", and among the remaining header lines the first
// whose lowercased prefix is "host:" supplies the trimmed host value.
func parseRedirectRequest(data []byte) (url string, host string, err error) {
	lines := strings.Split(string(data), "\r\n")
	if len(lines) == 0 {
		return "", "", fmt.Errorf("sniproxy: empty request")
	}

	fields := strings.SplitN(lines[0], " ", 3)
	if len(fields) < 3 {
		return "", "", fmt.Errorf("sniproxy: malformed request line %q", lines[0])
	}
	url = fields[1]

	for _, line := range lines[1:] {
		if len(line) >= 5 && strings.EqualFold(line[:5], "host:") {
			host = strings.TrimSpace(line[5:])
			return url, host, nil
		}
	}
	return "", "", fmt.Errorf("sniproxy: no host header found")
}

// stripPort removes a trailing ":<port>" from a Host header value, per
// spec.md §8 scenario S4 ("Host: a.example:80" redirects to
// "https://a.example/foo", not "https://a.example:80/foo").
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// acceptLoop runs a deadline-bounded accept loop, dispatching each accepted
// connection to handle in its own goroutine, until ctx is canceled. It is
// shared by the redirect and TLS listeners.
func acceptLoop(ctx context.Context, logger *zap.Logger, ln net.Listener, handle func(net.Conn)) error {
	tcpLn, hasDeadline := ln.(interface{ SetDeadline(time.Time) error })

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
				return fmt.Errorf("sniproxy: accept: %w", err)
			}
		}

		go handle(conn)
	}
}
