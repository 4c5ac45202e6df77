// Package certmgr implements the Certificate Manager of spec.md §4.5: at
// startup and then on a timer derived from the earliest certificate
// expiry, it retrieves fresh chains for all configured domains, rebuilds
// the TLS configuration, and installs it for the SNI Proxy's TLS listener.
package certmgr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roburio/tlstunnel/internal/issuance"
)

// renewalLeadTime is how far before the earliest expiry a renewal is
// attempted, per spec.md §4.5 step 5 ("subtract seven days").
const renewalLeadTime = 7 * 24 * time.Hour

// minRenewalInterval clamps the computed sleep so a near-expiry or failed
// renewal cannot hot-spin, per spec.md §4.5 step 5 and §8 property 7.
const minRenewalInterval = 1 * time.Hour

// Domain is one configured apex domain and its derived request parameters.
type Domain struct {
	Name    string
	KeySeed string
}

// Manager runs the renewal loop described above.
type Manager struct {
	logger    *zap.Logger
	requester issuance.Requester
	domains   []Domain
	dnsServer string
	dnsKey    []byte
	cell      *ConfigCell
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration)
}

// Option configures optional Manager behavior, primarily for tests.
type Option func(*Manager)

// WithClock overrides the time source used to compute renewal delays.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleeper overrides how the Manager waits between renewal cycles.
func WithSleeper(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// New constructs a Manager. globalKeySeed is combined with each domain name
// to derive its per-domain key seed, per spec.md §4.5 step 1.
func New(logger *zap.Logger, requester issuance.Requester, cell *ConfigCell, domainNames []string, globalKeySeed, dnsServer string, dnsKey []byte, opts ...Option) *Manager {
	domains := make([]Domain, len(domainNames))
	for i, d := range domainNames {
		domains[i] = Domain{Name: d, KeySeed: fmt.Sprintf("%s:%s", d, globalKeySeed)}
	}

	m := &Manager{
		logger:    logger,
		requester: requester,
		domains:   domains,
		dnsServer: dnsServer,
		dnsKey:    dnsKey,
		cell:      cell,
		now:       time.Now,
		sleep:     defaultSleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run executes the renewal loop until ctx is canceled. A failure on the
// first iteration, or on any subsequent iteration, is fatal: spec.md §4.5
// intends "stale certificates are preferable to silently serving a broken
// configuration", so the process should be supervised externally and
// restarted rather than limping on with a partially rotated set.
func (m *Manager) Run(ctx context.Context) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cfg, delay, err := m.renew(ctx)
		if err != nil {
			if first {
				return fmt.Errorf("certmgr: initial certificate retrieval failed: %w", err)
			}
			return fmt.Errorf("certmgr: renewal cycle failed: %w", err)
		}
		first = false

		m.cell.Store(cfg)
		m.logger.Info("certmgr: installed renewed TLS configuration", zap.Duration("next_renewal", delay))

		m.sleep(ctx, delay)
	}
}

// renew implements spec.md §4.5 steps 1-5: fetch a chain per domain, fail
// the whole cycle on any single failure, assemble a *tls.Config, and
// compute the clamped next-renewal delay.
func (m *Manager) renew(ctx context.Context) (*tls.Config, time.Duration, error) {
	if len(m.domains) == 0 {
		return nil, 0, fmt.Errorf("certmgr: no domains configured")
	}

	certs := make([]tls.Certificate, 0, len(m.domains))
	leaves := make([]*x509.Certificate, 0, len(m.domains))

	for _, d := range m.domains {
		req := issuance.Request{
			Hostname:     d.Name,
			AltName:      "*." + d.Name,
			KeySeed:      d.KeySeed,
			DNSServer:    m.dnsServer,
			DNSUpdateKey: m.dnsKey,
		}
		cert, err := m.requester.RequestChain(ctx, req)
		if err != nil {
			return nil, 0, fmt.Errorf("certmgr: retrieve chain for %s: %w", d.Name, err)
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, 0, fmt.Errorf("certmgr: parse leaf for %s: %w", d.Name, err)
		}
		cert.Leaf = leaf

		certs = append(certs, cert)
		leaves = append(leaves, leaf)
	}

	cfg := buildTLSConfig(certs)
	delay := m.nextRenewalDelay(leaves)
	return cfg, delay, nil
}

// buildTLSConfig assembles the TLS configuration described in spec.md §4.5
// step 3: the first configured domain's chain is the default; otherwise
// GetCertificate picks by the negotiated SNI against each chain's leaf.
func buildTLSConfig(certs []tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	cfg.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if hello.ServerName != "" {
			for i := range certs {
				if certs[i].Leaf != nil && certs[i].Leaf.VerifyHostname(hello.ServerName) == nil {
					return &certs[i], nil
				}
			}
		}
		return &certs[0], nil
	}
	return cfg
}

// nextRenewalDelay implements spec.md §4.5 step 5: take each leaf's
// not_after, subtract now, keep the minimum positive remaining span,
// subtract the renewal lead time, and clamp to at least one hour.
func (m *Manager) nextRenewalDelay(leaves []*x509.Certificate) time.Duration {
	now := m.now()

	var min time.Duration
	haveMin := false
	for _, leaf := range leaves {
		remaining := leaf.NotAfter.Sub(now)
		if remaining <= 0 {
			continue
		}
		if !haveMin || remaining < min {
			min, haveMin = remaining, true
		}
	}

	delay := min - renewalLeadTime
	if !haveMin || delay < minRenewalInterval {
		delay = minRenewalInterval
	}
	return delay
}
