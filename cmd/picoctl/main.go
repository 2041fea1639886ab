// Command picoctl is the administrative CLI for pico-continuousd: it talks
// to the daemon's D-Bus surface to drive StartAuth/CompleteAuth/Exit by
// hand, for operators and for manual testing during protocol bring-up.
package main

import "github.com/pico-continuousd/pico-continuousd/cmd/picoctl/commands"

func main() {
	commands.Execute()
}
