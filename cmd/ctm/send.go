package main

import (
	"github.com/spf13/cobra"

	"ctm/internal/ctm/ctmerrors"
)

// newSendCommand and newReceiveCommand are placeholders for the external
// messaging surface (spec.md §6.1: "send <to> <msg> / receive — external
// messaging surface"); the CTM core has no transport of its own.
func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "send <to> <msg>",
		Short:  "External messaging surface (not implemented by the core)",
		Args:   cobra.ExactArgs(2),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctmerrors.NewInvalidInput("send", "messaging is an external surface; the core does not implement transport")
		},
	}
}

func newReceiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "receive",
		Short:  "External messaging surface (not implemented by the core)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctmerrors.NewInvalidInput("receive", "messaging is an external surface; the core does not implement transport")
		},
	}
}
