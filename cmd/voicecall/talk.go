package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/capture"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/playback"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/transport"
)

const (
	defaultInstructions    = "You are a helpful voice assistant. Keep responses concise and natural."
	endSessionFlushTimeout = 2 * time.Second
)

type talkOptions struct {
	input        string
	output       string
	voice        string
	instructions string
	muted        bool
	vadThreshold float64
	noiseGate    float64
	backoff      string
	readyTimeout time.Duration
	linger       time.Duration
}

var talkOpts talkOptions

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Start a voice conversation",
	Long: `Connect to the relay, open an assistant session, and stream audio.

Without --input the default microphone is used and replies play on the
default speakers; both need a build with the portaudio tag.

Examples:
  voicecall talk --input question.wav --output reply.wav
  voicecall talk --voice verse --instructions "Answer in one sentence."`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTalk(cmd.Context(), talkOpts)
	},
}

func init() {
	talkCmd.Flags().StringVarP(&talkOpts.input, "input", "i", "", "mono 24kHz PCM16 WAV file to send instead of the microphone")
	talkCmd.Flags().StringVarP(&talkOpts.output, "output", "o", "", "write the assistant audio to this WAV file instead of the speakers")
	talkCmd.Flags().StringVar(&talkOpts.voice, "voice", "alloy", "assistant voice")
	talkCmd.Flags().StringVar(&talkOpts.instructions, "instructions", defaultInstructions, "assistant instructions")
	talkCmd.Flags().BoolVar(&talkOpts.muted, "muted", false, "start with the microphone muted")
	talkCmd.Flags().Float64Var(&talkOpts.vadThreshold, "vad-threshold", 0.02, "speech energy threshold")
	talkCmd.Flags().Float64Var(&talkOpts.noiseGate, "noise-gate", 0, "zero samples below this level before sending (0 disables)")
	talkCmd.Flags().StringVar(&talkOpts.backoff, "backoff", transport.BackoffFixed, "reconnect delay policy: fixed|exponential")
	talkCmd.Flags().DurationVar(&talkOpts.readyTimeout, "ready-timeout", 15*time.Second, "how long to wait for the assistant session")
	talkCmd.Flags().DurationVar(&talkOpts.linger, "linger", 20*time.Second, "how long to wait for the reply after the input ends")
}

func runTalk(ctx context.Context, opts talkOptions) error {
	conv, store, err := openConversation(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	printVerbose("conversation %s has %d stored turns", conv.SessionID(), conv.TurnCount())

	out, err := openOutput(opts.output)
	if err != nil {
		return err
	}
	defer out.Close()

	player := playback.NewPlayer(playback.NewClockDevice(out.sink), audio.SampleRate)
	defer player.Cleanup()

	latency := observability.NewLatencyWindow(0)
	c := newCall(protocol.SessionConfig{Voice: opts.voice, Instructions: opts.instructions}, player, conv, latency, os.Stdout)

	client := transport.NewClient(transport.Options{
		URL:     relayURL,
		Backoff: opts.backoff,
		Handler: c.handle,
	})
	c.conn = client

	pipeline := capture.NewPipeline(client, capture.Options{
		VADThreshold: opts.vadThreshold,
		NoiseGate:    float32(opts.noiseGate),
	})
	pipeline.SetMuted(opts.muted)
	c.lastSpeech = pipeline.LastSentAt

	if err := client.Connect(ctx); err != nil {
		client.Disconnect()
		return fmt.Errorf("connect %s: %w", relayURL, err)
	}
	defer client.Disconnect()

	err = reliability.WithTimeout(ctx, opts.readyTimeout, func(ctx context.Context) error {
		select {
		case <-c.ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return fmt.Errorf("assistant session not ready: %w", err)
	}

	src, err := openSource(opts.input)
	if err != nil {
		return err
	}
	if opts.muted {
		fmt.Println("* microphone muted")
	}
	fmt.Println("* listening")
	if err := pipeline.Run(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if ctx.Err() == nil {
		awaitReply(ctx, c, player, opts.linger)
	}

	if client.IsConnected() {
		if err := client.Send(protocol.NewMessage(protocol.EndSession{}, c.SessionID())); err == nil {
			if err := reliability.WithTimeout(context.Background(), endSessionFlushTimeout, client.Flush); err != nil {
				printVerbose("end_session not flushed: %v", err)
			}
		}
	}
	if err := out.finish(); err != nil {
		return err
	}
	printSummary(pipeline.Stats(), latency.Snapshot())
	return nil
}

// awaitReply waits for the current response to finish and its audio to drain.
func awaitReply(ctx context.Context, c *call, player *playback.Player, linger time.Duration) {
	deadline := time.NewTimer(linger)
	defer deadline.Stop()
	select {
	case <-c.responseDone:
	case <-deadline.C:
		return
	case <-ctx.Done():
		return
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for player.Playing() || player.QueueLength() > 0 {
		select {
		case <-tick.C:
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func openSource(input string) (capture.Source, error) {
	if input != "" {
		return &capture.WAVSource{Path: input, Realtime: true}, nil
	}
	return openMicrophone()
}

// output owns where played audio goes: a WAV file or the speakers.
type output struct {
	sink   playback.Sink
	finish func() error
	close  func() error
}

func (o *output) Close() error {
	if o.close == nil {
		return nil
	}
	return o.close()
}

func openOutput(path string) (*output, error) {
	if path != "" {
		sink := &playback.WAVSink{}
		return &output{
			sink: sink,
			finish: func() error {
				if err := sink.WriteFile(path, audio.SampleRate); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				fmt.Printf("* wrote %.1fs of audio to %s\n", float64(sink.Samples())/audio.SampleRate, path)
				return nil
			},
		}, nil
	}
	ring := audio.NewCircularBuffer(audio.SampleRate * 30)
	closer, err := openSpeaker(ring)
	if err != nil {
		return nil, err
	}
	return &output{
		sink:   playback.RingSink{Ring: ring},
		finish: func() error { return nil },
		close:  closer,
	}, nil
}

func printSummary(stats capture.Stats, snap observability.LatencySnapshot) {
	fmt.Printf("* frames=%d speech=%d sent=%d dropped=%d\n", stats.Frames, stats.SpeechFrames, stats.Sent, stats.Dropped)
	for _, st := range snap.Stages {
		fmt.Printf("* %-26s last=%.0fms avg=%.0fms p95=%.0fms (n=%d)\n", st.Stage, st.LastMS, st.AvgMS, st.P95MS, st.Samples)
	}
}
