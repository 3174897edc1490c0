package cli

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"mathstream/server/internal/client"
	"mathstream/server/internal/player"
	"mathstream/server/internal/telemetry"
)

func newPlayCommand(opts *options) *cobra.Command {
	var (
		mode          string
		frameInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "play [scene-file]",
		Short: "Play a scene file, or the sample scene, into the stream",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scene := player.SampleScene()
			if len(args) == 1 {
				loaded, err := player.LoadScene(args[0])
				if err != nil {
					return err
				}
				scene = loaded
			}
			dispatch, err := player.ParseDispatchMode(mode)
			if err != nil {
				return err
			}
			target, err := streamURL(opts.server, "")
			if err != nil {
				return err
			}

			logger := telemetry.WrapLogger(log.New(cmd.ErrOrStderr(), "streamctl: ", log.LstdFlags))
			clientCfg := client.DefaultConfig()
			clientCfg.ID = opts.clientID
			clientCfg.Logger = logger
			stream := client.New(clientCfg)

			ctx := cmd.Context()
			if err := stream.Connect(ctx, target); err != nil {
				stream.Disconnect()
				return fmt.Errorf("connect to %s: %w", target, err)
			}
			defer stream.Disconnect()

			stopped := make(chan bool, 1)
			playerCfg := player.DefaultConfig()
			playerCfg.Mode = dispatch
			playerCfg.FrameInterval = frameInterval
			playerCfg.Logger = logger
			playerCfg.OnStop = func(_ string, completed bool) { stopped <- completed }
			scenes := player.New(stream, playerCfg)
			defer scenes.Close()
			if err := scenes.AddScene(scene); err != nil {
				return err
			}
			if err := scenes.PlayScene(scene.ID); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			select {
			case completed := <-stopped:
				fmt.Fprintf(out, "scene %s finished (completed=%t)\n", scene.ID, completed)
			case <-ctx.Done():
				scenes.StopScene()
				fmt.Fprintf(out, "scene %s interrupted\n", scene.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(player.DispatchQueue), "dispatch mode: queue or window")
	cmd.Flags().DurationVar(&frameInterval, "frame", player.DefaultFrameInterval, "frame interval")
	return cmd
}
