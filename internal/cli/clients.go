package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mathstream/server/internal/player"
)

type clientRow struct {
	ID          string   `json:"id"`
	Connected   bool     `json:"connected"`
	LastActive  int64    `json:"lastActive"`
	Permissions []string `json:"permissions"`
}

func newClientsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List clients connected to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Clients []clientRow `json:"clients"`
			}
			if err := getJSON(cmd.Context(), apiURL(opts.server, "/api/clients"), &payload); err != nil {
				return err
			}
			return printClients(cmd.OutOrStdout(), payload.Clients, time.Now())
		},
	}
}

func printClients(out io.Writer, clients []clientRow, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPERMISSIONS\tLAST ACTIVE")
	for _, c := range clients {
		active := humanize.RelTime(time.UnixMilli(c.LastActive), now, "ago", "from now")
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, strings.Join(c.Permissions, ","), active)
	}
	return w.Flush()
}

func newScenesCommand(opts *options) *cobra.Command {
	scenes := &cobra.Command{
		Use:   "scenes",
		Short: "List the scenes the server's presenter can play",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Scenes []player.SceneSummary `json:"scenes"`
			}
			if err := getJSON(cmd.Context(), apiURL(opts.server, "/api/scenes"), &payload); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCOMMANDS\tDURATION")
			for _, s := range payload.Scenes {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Name, s.Commands, time.Duration(s.Duration)*time.Millisecond)
			}
			return w.Flush()
		},
	}
	scenes.AddCommand(
		&cobra.Command{
			Use:   "play <scene-id>",
			Short: "Ask the server's presenter to play a scene",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return post(cmd.Context(), apiURL(opts.server, "/api/scenes/"+args[0]+"/play"), http.StatusAccepted)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the scene the server's presenter is playing",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return post(cmd.Context(), apiURL(opts.server, "/api/scenes/stop"), http.StatusOK)
			},
		},
	)
	return scenes
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func post(ctx context.Context, url string, want int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
