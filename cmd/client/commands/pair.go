package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wc_sign/internal/model"
	"wc_sign/internal/sign"
	"wc_sign/internal/sign/engine"
	"wc_sign/internal/utils/log"
)

func pairCmd() *cobra.Command {
	var accounts []string
	cmd := &cobra.Command{
		Use:   "pair <uri>",
		Short: "Pair with a dapp and approve its session proposal with the given accounts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(accounts) == 0 {
				return fmt.Errorf("at least one --account is required")
			}
			return withClient(func(ctx context.Context, c *sign.Client) error {
				return runWallet(ctx, cmd, c, args[0], accounts)
			})
		},
	}
	cmd.Flags().StringSliceVar(&accounts, "account", nil, "CAIP-10 accounts to grant, e.g. eip155:1:0xabc")
	return cmd
}

// runWallet approves proposals arriving on the pairing of uri and rejects
// every chain request, until ctx is done.
func runWallet(ctx context.Context, cmd *cobra.Command, c *sign.Client, uri string, accounts []string) error {
	logger := log.Named("wallet")
	out := cmd.OutOrStdout()

	// handlers run on the topic's dispatch worker, so approval is moved off it
	unsubProposal := c.SessionProposal.Subscribe(func(p model.Proposal) {
		go func() {
			res, err := c.Approve(ctx, engine.ApproveParams{ID: p.ID, Namespaces: grant(p.RequiredNamespaces, accounts)})
			if err != nil {
				logger.Error("approve proposal", zap.Int64("id", p.ID), zap.Error(err))
				_ = c.Reject(ctx, p.ID, model.AsError(err))
				return
			}
			fmt.Fprintf(out, "session %s proposed by %s\n", res.Topic, p.Proposer.Metadata.Name)
		}()
	})
	defer unsubProposal()

	unsubRequest := c.SessionRequest.Subscribe(func(r model.PendingRequest) {
		fmt.Fprintf(out, "request %d %s on %s\n", r.ID, r.Params.Request.Method, r.Params.ChainID)
		rejected := model.ErrorFromType(model.JsonRpcRequestMethodRejected, "")
		if err := c.Respond(ctx, r.Topic, r.ID, nil, rejected); err != nil {
			logger.Warn("respond", zap.Int64("id", r.ID), zap.Error(err))
		}
	})
	defer unsubRequest()

	unsubDeleted := c.SessionDeleted.Subscribe(func(e engine.SessionClosed) {
		fmt.Fprintf(out, "session %s deleted\n", e.Topic)
	})
	defer unsubDeleted()

	if _, err := c.Pair(ctx, uri); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// grant answers every required namespace with the accounts on its chains.
func grant(required model.RequiredNamespaces, accounts []string) model.Namespaces {
	out := make(model.Namespaces, len(required))
	for key, p := range required {
		ns := model.Namespace{Chains: p.Chains, Methods: p.Methods, Events: p.Events, Accounts: []string{}}
		for _, chain := range p.Chains {
			for _, a := range accounts {
				if accountChain(a) == chain {
					ns.Accounts = append(ns.Accounts, a)
				}
			}
		}
		out[key] = ns
	}
	return out
}

func accountChain(account string) string {
	i := strings.LastIndex(account, ":")
	if i < 0 {
		return ""
	}
	return account[:i]
}
