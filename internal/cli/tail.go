package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/spf13/cobra"

	"mathstream/server/internal/client"
	"mathstream/server/internal/net/proto"
	"mathstream/server/internal/net/ws"
	"mathstream/server/internal/telemetry"
)

func newTailCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Connect as a viewer and print every command relayed by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := streamURL(opts.server, ws.RoleViewer)
			if err != nil {
				return err
			}
			clientCfg := client.DefaultConfig()
			clientCfg.ID = opts.clientID
			clientCfg.Logger = telemetry.WrapLogger(log.New(cmd.ErrOrStderr(), "streamctl: ", log.LstdFlags))
			stream := client.New(clientCfg)
			stream.AddListener("tail", commandPrinter(cmd.OutOrStdout()))

			ctx := cmd.Context()
			if err := stream.Connect(ctx, target); err != nil {
				stream.Disconnect()
				return fmt.Errorf("connect to %s: %w", target, err)
			}
			defer stream.Disconnect()
			<-ctx.Done()
			return nil
		},
	}
}

// commandPrinter writes each command as one JSON line.
func commandPrinter(out io.Writer) client.Listener {
	var mu sync.Mutex
	return func(cmd proto.Command) {
		data, err := json.Marshal(cmd)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, string(data))
	}
}
