package appconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ConfigurationPort: 4444,
		Key:               []byte("secret"),
		Domains:           []string{"a.example"},
		KeySeed:           "seed",
		DNSServer:         "dns.example",
		FrontendPort:      443,
		DevicePath:        "/tmp/tlstunnel.img",
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingDomains(t *testing.T) {
	c := validConfig()
	c.Domains = nil
	require.Error(t, c.Validate())
}

func TestValidateRejectsMissingKey(t *testing.T) {
	c := validConfig()
	c.Key = nil
	require.Error(t, c.Validate())
}

func TestValidateRejectsZeroPorts(t *testing.T) {
	c := validConfig()
	c.FrontendPort = 0
	require.Error(t, c.Validate())

	c = validConfig()
	c.ConfigurationPort = 0
	require.Error(t, c.Validate())
}
