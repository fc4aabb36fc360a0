package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicebridge/internal/conversation"
)

var (
	relayURL    string
	storeKind   string
	storeDir    string
	databaseURL string
	sessionKey  string
	maxTurns    int
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "voicecall",
	Short: "Terminal client for the voicebridge relay",
	Long: `voicecall streams microphone or WAV audio to a voicebridge relay, plays the
assistant's speech back, and keeps a short conversation history.

Examples:
  # Replay a recording and save the spoken reply
  voicecall talk --input question.wav --output reply.wav

  # Talk through the default microphone and speakers (portaudio builds)
  voicecall talk

  # Print the stored conversation
  voicecall history export --format json`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !verbose {
			log.SetFlags(0)
		}
	},
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&relayURL, "url", envOr("VOICECALL_RELAY_URL", "ws://localhost:8080/v1/realtime/ws"), "relay websocket URL")
	rootCmd.PersistentFlags().StringVar(&storeKind, "store", "badger", "conversation store: memory|badger|postgres")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store-dir", ".data/voicecall", "badger directory for the conversation store")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres DSN when --store=postgres")
	rootCmd.PersistentFlags().StringVar(&sessionKey, "session-key", conversation.DefaultStoreKey, "key the conversation is stored under")
	rootCmd.PersistentFlags().IntVar(&maxTurns, "max-turns", conversation.DefaultMaxTurns, "turns kept in the conversation window")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(talkCmd)
	rootCmd.AddCommand(historyCmd)
}

func openConversation(ctx context.Context) (*conversation.Manager, conversation.Store, error) {
	store, err := conversation.NewStore(ctx, storeKind, storeDir, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open conversation store: %w", err)
	}
	return conversation.NewManager(store, sessionKey, maxTurns), store, nil
}

func printVerbose(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
