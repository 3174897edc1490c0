// Package cli implements the streamctl command line tool.
package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	servernet "mathstream/server/internal/net"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	server   string
	clientID string
}

// NewRootCommand builds the streamctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "streamctl",
		Short: "Drive and inspect a math stream server",
		Long: `streamctl plays scenes into a running math stream server, tails the
commands it relays and lists the clients connected to it.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", "http://127.0.0.1:8080", "base URL of the stream server")
	root.PersistentFlags().StringVar(&opts.clientID, "client-id", "", "client id to connect as (random when empty)")

	root.AddCommand(
		newPlayCommand(opts),
		newTailCommand(opts),
		newSampleCommand(),
		newClientsCommand(opts),
		newScenesCommand(opts),
	)
	return root
}

// Execute runs streamctl and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// streamURL maps the HTTP base URL onto the websocket stream endpoint.
func streamURL(base, role string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + servernet.StreamPath
	if role != "" {
		query := parsed.Query()
		query.Set("role", role)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func apiURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
