package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/imei_backend/utils"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var actor string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an ops bearer token for the engine service",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor = strings.TrimSpace(actor)
			if actor == "" {
				return errors.New("--actor is required")
			}
			token, err := utils.OpsTokenGenerate(actor, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Who the token acts as (recorded on triggered runs)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
