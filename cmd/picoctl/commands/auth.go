package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errCallFailed wraps a D-Bus method call failure for inspection by callers.
var errCallFailed = errors.New("dbus call failed")

// --- start-auth ---

func startAuthCmd() *cobra.Command {
	var params string

	cmd := &cobra.Command{
		Use:   "start-auth <user>",
		Short: "Start a continuous-authentication session for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var handle int32
			var code string
			var success bool

			call := obj.Call(interfaceName+".StartAuth", 0, args[0], params)
			if call.Err != nil {
				return fmt.Errorf("%w: %v", errCallFailed, call.Err)
			}
			if err := call.Store(&handle, &code, &success); err != nil {
				return fmt.Errorf("unpack StartAuth reply: %w", err)
			}

			out, err := formatStartAuth(handle, code, success, outputFormat)
			if err != nil {
				return fmt.Errorf("format reply: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&params, "params", "{}", "JSON parameters dictionary, e.g. {\"any_user\":true,\"continuous\":true}")

	return cmd
}

// --- complete-auth ---

func completeAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-auth <handle>",
		Short: "Block until a session's handshake outcome is available",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var handle int32
			if _, err := fmt.Sscanf(args[0], "%d", &handle); err != nil {
				return fmt.Errorf("parse handle %q: %w", args[0], err)
			}

			var user, token string
			var success bool
			call := obj.Call(interfaceName+".CompleteAuth", 0, handle)
			if call.Err != nil {
				return fmt.Errorf("%w: %v", errCallFailed, call.Err)
			}
			if err := call.Store(&user, &token, &success); err != nil {
				return fmt.Errorf("unpack CompleteAuth reply: %w", err)
			}

			out, err := formatCompleteAuth(user, token, success, outputFormat)
			if err != nil {
				return fmt.Errorf("format reply: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- exit ---

func exitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "Stop every live session and shut the daemon down",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			call := obj.Call(interfaceName+".Exit", 0)
			if call.Err != nil {
				return fmt.Errorf("%w: %v", errCallFailed, call.Err)
			}
			fmt.Println("Daemon exit requested.")
			return nil
		},
	}
}
