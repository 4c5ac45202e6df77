package sniproxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRedirectRequest(t *testing.T) {
	req := "GET /foo HTTP/1.1\r\nHost: a.example:80\r\nUser-Agent: test\r\n\r\n"
	url, host, err := parseRedirectRequest([]byte(req))
	require.NoError(t, err)
	require.Equal(t, "/foo", url)
	require.Equal(t, "a.example:80", host)
}

func TestParseRedirectRequestCaseInsensitiveHostHeader(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHOST: b.example\r\n\r\n"
	_, host, err := parseRedirectRequest([]byte(req))
	require.NoError(t, err)
	require.Equal(t, "b.example", host)
}

func TestParseRedirectRequestMissingHostFails(t *testing.T) {
	req := "GET / HTTP/1.1\r\nUser-Agent: test\r\n\r\n"
	_, _, err := parseRedirectRequest([]byte(req))
	require.Error(t, err)
}

func TestParseRedirectRequestMalformedRequestLineFails(t *testing.T) {
	_, _, err := parseRedirectRequest([]byte("GARBAGE\r\nHost: x\r\n\r\n"))
	require.Error(t, err)
}

func TestStripPortRemovesTrailingPort(t *testing.T) {
	require.Equal(t, "a.example", stripPort("a.example:80"))
	require.Equal(t, "a.example", stripPort("a.example"))
}

func TestHandleRedirectStripsPortFromHostHeader(t *testing.T) {
	client, server := net.Pipe()

	go func() {
		_, _ = client.Write([]byte("GET /foo HTTP/1.1\r\nHost: a.example:80\r\n\r\n"))
	}()

	done := make(chan struct{})
	go func() {
		_ = handleRedirect(server)
		server.Close()
		close(done)
	}()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := io.ReadAll(client)
	<-done

	require.NoError(t, err)
	require.Contains(t, string(resp), "Location: https://a.example/foo")
	require.NotContains(t, string(resp), "a.example:80")
}

func TestHandleRedirectWritesExpectedResponse(t *testing.T) {
	client, server := net.Pipe()

	go func() {
		_, _ = client.Write([]byte("GET /foo HTTP/1.1\r\nHost: a.example\r\n\r\n"))
	}()

	done := make(chan struct{})
	go func() {
		_ = handleRedirect(server)
		server.Close()
		close(done)
	}()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := io.ReadAll(client)
	<-done

	require.NoError(t, err)
	require.Contains(t, string(resp), "HTTP/1.1 301 Moved permanently")
	require.Contains(t, string(resp), "Location: https://a.example/foo")
	require.Contains(t, string(resp), "Server: "+ServerTag)
}
