package certmgr

import (
	"crypto/tls"
	"sync/atomic"
)

// ConfigCell is the atomically hot-swappable TLS configuration cell spec.md
// §9 asks for in place of a reader/writer lock: Current reads the latest
// assigned configuration with no locking, and Store installs a new one in
// a single atomic assignment. In-flight TLS sessions keep the *tls.Config
// pointer they already captured; only the next accept observes a swap.
type ConfigCell struct {
	v atomic.Pointer[tls.Config]
}

// Current returns the currently installed configuration, or nil if none
// has been installed yet.
func (c *ConfigCell) Current() *tls.Config {
	return c.v.Load()
}

// Store atomically installs cfg as the active configuration.
func (c *ConfigCell) Store(cfg *tls.Config) {
	c.v.Store(cfg)
}
