// Command voicecall talks to a voicebridge relay from the terminal.
//
// Usage:
//
//	voicecall [flags] talk [--input file.wav] [--output reply.wav]
//	voicecall [flags] history export [--format text|json]
//	voicecall [flags] history clear
//
// Conversation turns are kept in a local store (badger by default) so the
// last few exchanges survive between runs.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
