package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

func pushCmd(a *app) *cobra.Command {
	var asString bool
	cmd := &cobra.Command{
		Use:   "push <queue> [payload|-]",
		Short: "Push a JSON payload onto a queue and print its uuid",
		Long: "Push a JSON payload onto a queue and print its uuid.\n" +
			"The payload is read from stdin when omitted or given as '-'.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 2 && args[1] != "-" {
				raw = []byte(args[1])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				raw = b
			}
			payload, err := toPayload(raw, asString)
			if err != nil {
				return err
			}

			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			id, err := c.Push(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asString, "string", "s", false, "store the payload as a JSON string instead of parsing it")
	return cmd
}

// toPayload returns what Push should store for raw CLI input.
func toPayload(raw []byte, asString bool) (any, error) {
	if asString {
		return strings.TrimRight(string(raw), "\r\n"), nil
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errors.New("empty payload")
	}
	if !sonic.Valid(raw) {
		return nil, errors.New("payload is not valid JSON (use --string to push text)")
	}
	return json.RawMessage(raw), nil
}
