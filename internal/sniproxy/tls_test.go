package sniproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roburio/tlstunnel/internal/wire"
)

type fakeBackends wire.SNIMap

func (f fakeBackends) Lookup(sni string) (wire.Backend, bool) {
	be, ok := f[sni]
	return be, ok
}

func TestResolveBackendPrefersKnownSNI(t *testing.T) {
	s := NewTLSServer(zap.NewNop(), fakeBackends{
		"a.example": {Host: "10.0.0.1", Port: 8080},
		DefaultSNI:  {Host: "10.0.0.9", Port: 9090},
	}, nil, 0)

	be, ok := s.resolveBackend("a.example")
	require.True(t, ok)
	require.Equal(t, wire.Backend{Host: "10.0.0.1", Port: 8080}, be)
}

func TestResolveBackendUnknownSNIWithoutDefaultFails(t *testing.T) {
	s := NewTLSServer(zap.NewNop(), fakeBackends{
		"a.example": {Host: "10.0.0.1", Port: 8080},
	}, nil, 0)

	_, ok := s.resolveBackend("unknown.example")
	require.False(t, ok)
}

func TestResolveBackendAbsentSNIFallsBackToDefault(t *testing.T) {
	s := NewTLSServer(zap.NewNop(), fakeBackends{
		"a.example": {Host: "10.0.0.1", Port: 8080},
		DefaultSNI:  {Host: "10.0.0.9", Port: 9090},
	}, nil, 0)

	be, ok := s.resolveBackend("")
	require.True(t, ok)
	require.Equal(t, wire.Backend{Host: "10.0.0.9", Port: 9090}, be)
}

func TestResolveBackendUnknownSNIFallsBackToDefault(t *testing.T) {
	s := NewTLSServer(zap.NewNop(), fakeBackends{
		"a.example": {Host: "10.0.0.1", Port: 8080},
		DefaultSNI:  {Host: "10.0.0.9", Port: 9090},
	}, nil, 0)

	be, ok := s.resolveBackend("unknown.example")
	require.True(t, ok)
	require.Equal(t, wire.Backend{Host: "10.0.0.9", Port: 9090}, be)
}

func TestResolveBackendAbsentSNIWithoutDefaultFails(t *testing.T) {
	s := NewTLSServer(zap.NewNop(), fakeBackends{
		"a.example": {Host: "10.0.0.1", Port: 8080},
	}, nil, 0)

	_, ok := s.resolveBackend("")
	require.False(t, ok)
}
