// Package app is the startup supervisor: it owns the config handle and the
// TLS configuration cell (spec.md §9's "global mutable state... modeled as
// a handle owned by the startup task and passed explicitly to the listener
// callbacks") and runs the four long-lived loops under one errgroup, the
// same shape keploy-keploy/pkg/core/proxy/proxy.go's StartProxy uses to
// supervise multiple listeners off a shared context.
package app

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roburio/tlstunnel/internal/appconfig"
	"github.com/roburio/tlstunnel/internal/blobstore"
	"github.com/roburio/tlstunnel/internal/certmgr"
	"github.com/roburio/tlstunnel/internal/control"
	"github.com/roburio/tlstunnel/internal/issuance"
	"github.com/roburio/tlstunnel/internal/sniproxy"
)

// Run wires the five components together and blocks until ctx is canceled
// or one of the supervised loops fails fatally.
func Run(ctx context.Context, logger *zap.Logger, cfg appconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("app: invalid configuration: %w", err)
	}

	device, err := blobstore.NewFileDevice(cfg.DevicePath, blobstore.DeviceSize)
	if err != nil {
		return fmt.Errorf("app: open blob store device: %w", err)
	}
	defer device.Close()

	store := blobstore.New(device, nil)
	configHandle, err := control.NewConfig(store)
	if err != nil {
		return fmt.Errorf("app: load configuration: %w", err)
	}

	cell := &certmgr.ConfigCell{}
	requester := issuance.NewDNSClient()
	manager := certmgr.New(logger, requester, cell, cfg.Domains, cfg.KeySeed, cfg.DNSServer, cfg.DNSKey)

	redirectLn, err := net.Listen("tcp", ":80")
	if err != nil {
		return fmt.Errorf("app: listen on port 80: %w", err)
	}
	defer redirectLn.Close()

	tlsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.FrontendPort))
	if err != nil {
		return fmt.Errorf("app: listen on frontend port %d: %w", cfg.FrontendPort, err)
	}
	defer tlsLn.Close()

	controlLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.ConfigurationPort))
	if err != nil {
		return fmt.Errorf("app: listen on configuration port %d: %w", cfg.ConfigurationPort, err)
	}
	defer controlLn.Close()

	controlServer := control.NewServer(logger.Named("control"), configHandle, cfg.Key)
	tlsServer := sniproxy.NewTLSServer(logger.Named("sniproxy"), configHandle, cell, cfg.HandshakeTimeout)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sniproxy.ServeRedirect(ctx, logger.Named("redirect"), redirectLn)
	})
	g.Go(func() error {
		return tlsServer.Serve(ctx, tlsLn)
	})
	g.Go(func() error {
		return controlServer.Serve(ctx, controlLn)
	})
	g.Go(func() error {
		return manager.Run(ctx)
	})

	return g.Wait()
}
