// Command tlstunneld runs the SNI-dispatched TLS-terminating reverse proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roburio/tlstunnel/internal/app"
	"github.com/roburio/tlstunnel/internal/appconfig"
	"github.com/roburio/tlstunnel/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tlstunneld:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configurationPort uint16
		frontendPort      uint16
		key               string
		domains           []string
		keySeed           string
		dnsKey            string
		dnsServer         string
		devicePath        string
		logFilePath       string
		handshakeTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tlstunneld",
		Short: "SNI-dispatched TLS-terminating reverse proxy with DNS-based certificate renewal",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, logFile, err := logging.New(logFilePath)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}
			defer logger.Sync()

			cfg := appconfig.Config{
				ConfigurationPort: configurationPort,
				Key:               []byte(key),
				Domains:           domains,
				KeySeed:           keySeed,
				DNSKey:            []byte(dnsKey),
				DNSServer:         dnsServer,
				FrontendPort:      frontendPort,
				DevicePath:        devicePath,
				HandshakeTimeout:  handshakeTimeout,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx, logger, cfg)
		},
	}

	flags := cmd.Flags()
	flags.Uint16Var(&configurationPort, "configuration-port", 4444, "control channel listener port")
	flags.Uint16Var(&frontendPort, "frontend-port", 443, "public TLS listener port")
	flags.StringVar(&key, "key", "", "HMAC key authenticating the control channel")
	flags.StringSliceVar(&domains, "domains", nil, "apex domains to provision certificates for")
	flags.StringVar(&keySeed, "key-seed", "", "global seed combined with each domain for certificate key derivation")
	flags.StringVar(&dnsKey, "dns-key", "", "DNS update credential for the issuance service")
	flags.StringVar(&dnsServer, "dns-server", "", "issuance DNS server address")
	flags.StringVar(&devicePath, "device", "/var/lib/tlstunnel/state.img", "path to the Blob Store's backing device/file")
	flags.StringVar(&logFilePath, "log-file", "tlstunnel-logs.txt", "path to the structured log file")
	flags.DurationVar(&handshakeTimeout, "handshake-timeout", 10*time.Second, "TLS handshake deadline")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		for i, d := range domains {
			domains[i] = strings.ToLower(strings.TrimSpace(d))
		}
		return nil
	}

	return cmd
}
