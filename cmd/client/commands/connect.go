package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wc_sign/internal/model"
	"wc_sign/internal/sign"
	"wc_sign/internal/sign/engine"
)

func connectCmd() *cobra.Command {
	var (
		chains  []string
		methods []string
		evs     []string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Propose a session and print the pairing URI for the wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			required, err := requiredNamespaces(chains, methods, evs)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *sign.Client) error {
				res, err := c.Connect(ctx, engine.ConnectParams{RequiredNamespaces: required})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.URI)

				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				s, err := res.Approval.Wait(waitCtx)
				if err != nil {
					return fmt.Errorf("session not approved: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s with %s\n", s.Topic, s.Peer.Metadata.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&chains, "chain", []string{"eip155:1"}, "CAIP-2 chains to require")
	cmd.Flags().StringSliceVar(&methods, "method", []string{"personal_sign", "eth_sendTransaction"}, "methods to require")
	cmd.Flags().StringSliceVar(&evs, "event", []string{"chainChanged", "accountsChanged"}, "events to require")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for the wallet")
	return cmd
}

// requiredNamespaces groups chains by their namespace prefix.
func requiredNamespaces(chains, methods, evs []string) (model.RequiredNamespaces, error) {
	out := make(model.RequiredNamespaces)
	for _, chain := range chains {
		ns, _, ok := strings.Cut(chain, ":")
		if !ok || ns == "" {
			return nil, fmt.Errorf("invalid chain %q", chain)
		}
		p := out[ns]
		p.Chains = append(p.Chains, chain)
		p.Methods = methods
		p.Events = evs
		out[ns] = p
	}
	return out, nil
}
