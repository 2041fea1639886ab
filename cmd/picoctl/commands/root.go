package commands

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
)

const interfaceName = "com.pico.ContinuousAuth1"

var (
	// obj is the D-Bus object proxy for the daemon, initialized in PersistentPreRunE.
	obj dbus.BusObject

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// busKind selects which bus to dial: "system" or "session".
	busKind string

	// busName is the daemon's well-known D-Bus name.
	busName string

	// objectPath is the object path StartAuth/CompleteAuth/Exit are exported under.
	objectPath string
)

// rootCmd is the top-level cobra command for picoctl.
var rootCmd = &cobra.Command{
	Use:   "picoctl",
	Short: "CLI client for the pico-continuousd daemon",
	Long:  "picoctl communicates with the pico-continuousd daemon over D-Bus to drive and inspect continuous-authentication sessions.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var conn *dbus.Conn
		var err error
		switch busKind {
		case "system":
			conn, err = dbus.ConnectSystemBus()
		case "session":
			conn, err = dbus.ConnectSessionBus()
		default:
			return fmt.Errorf("unknown --bus %q, expected system or session", busKind)
		}
		if err != nil {
			return fmt.Errorf("connect %s bus: %w", busKind, err)
		}
		obj = conn.Object(busName, dbus.ObjectPath(objectPath))
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&busKind, "bus", "system", "D-Bus bus to dial: system, session")
	rootCmd.PersistentFlags().StringVar(&busName, "bus-name", "com.pico.ContinuousAuth", "daemon's well-known D-Bus name")
	rootCmd.PersistentFlags().StringVar(&objectPath, "object-path", "/com/pico/ContinuousAuth", "daemon's exported object path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format: table, json")

	rootCmd.AddCommand(startAuthCmd())
	rootCmd.AddCommand(completeAuthCmd())
	rootCmd.AddCommand(exitCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
