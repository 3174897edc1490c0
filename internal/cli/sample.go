package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"mathstream/server/internal/player"
)

func newSampleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Print the built-in sample scene as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(player.SampleScene(), "", "  ")
			if err != nil {
				return fmt.Errorf("marshal sample scene: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}
