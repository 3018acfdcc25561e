package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/10yihang/fsamem/internal/protocol"
)

func runCLI(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	target := net.JoinHostPort(cliHost, strconv.Itoa(cliPort))
	client, err := protocol.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer client.Close()

	// Error replies are printed like any other reply.
	reply, err := client.Do(ctx, args...)
	var serr *protocol.ServerError
	if err != nil && !errors.As(err, &serr) {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply.Format())
	return nil
}
