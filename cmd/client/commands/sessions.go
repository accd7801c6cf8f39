package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"wc_sign/internal/sign"
)

func clientIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client-id",
		Short: "Print the did:key identity used with the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *sign.Client) error {
				id, err := c.ClientID(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List pairings and sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *sign.Client) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tTOPIC\tPEER\tEXPIRES")
				for _, p := range c.Pairings.List() {
					peer, expires := "-", "-"
					if p.PeerMetadata != nil {
						peer = p.PeerMetadata.Name
					}
					if p.Expiry != nil {
						expires = time.Unix(*p.Expiry, 0).Format(time.RFC3339)
					}
					fmt.Fprintf(w, "pairing\t%s\t%s\t%s\n", p.Topic, peer, expires)
				}
				for _, s := range c.Sessions.Values() {
					fmt.Fprintf(w, "session\t%s\t%s\t%s\n", s.Topic, s.Peer.Metadata.Name, time.Unix(s.Expiry, 0).Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <topic>",
		Short: "Ping the peer of a session or pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *sign.Client) error {
				start := time.Now()
				if err := c.Ping(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pong in %s\n", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <topic>",
		Short: "Close a session or pairing and tell the peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *sign.Client) error {
				return c.Disconnect(ctx, args[0])
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Drop resolved request history and stale message state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *sign.Client) error {
				r, err := c.CleanupStorage(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d history records, %d message topics\n", r.HistoryRecords, r.MessageTopics)
				return nil
			})
		},
	}
}
