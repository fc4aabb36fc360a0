package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
)

type options struct {
	relayURL       string
	inputs         []string
	voice          string
	instructions   string
	turns          int
	chunkMS        int
	realtime       float64
	trailingSilent time.Duration
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type audioClip struct {
	Name    string
	PCM16LE []byte
}

// turnTiming marks the relay events a replayed turn is measured against.
type turnTiming struct {
	transcript time.Time
	firstAudio time.Time
	complete   time.Time
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var inputsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int
	var silenceMS int

	flag.StringVar(&cfg.relayURL, "url", "ws://127.0.0.1:8080/v1/realtime/ws", "voicebridge relay websocket URL")
	flag.StringVar(&inputsRaw, "inputs", "", "WAV utterances separated by '|' (PCM16, any rate, mono or stereo)")
	flag.StringVar(&cfg.voice, "voice", "", "optional assistant voice")
	flag.StringVar(&cfg.instructions, "instructions", "Reply in three words.", "assistant instructions")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&silenceMS, "silence-ms", 800, "trailing silence sent after each utterance so server VAD ends the turn")
	flag.IntVar(&startDelayMS, "start-delay-ms", 900, "delay before first synthetic turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for response_complete per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.relayURL = strings.TrimSpace(cfg.relayURL)
	if cfg.relayURL == "" {
		return options{}, fmt.Errorf("url is required")
	}
	for _, part := range strings.Split(inputsRaw, "|") {
		if p := strings.TrimSpace(part); p != "" {
			cfg.inputs = append(cfg.inputs, p)
		}
	}
	if len(cfg.inputs) == 0 {
		return options{}, fmt.Errorf("inputs is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	if silenceMS < 0 {
		silenceMS = 0
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.trailingSilent = time.Duration(silenceMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	clips, err := loadClips(cfg.inputs)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.relayURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan protocol.Message, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	sessionID, err := openSession(conn, cfg, events, readErrCh)
	if err != nil {
		return err
	}
	defer func() {
		raw, _ := protocol.Encode(protocol.NewMessage(protocol.EndSession{}, sessionID))
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}()

	if cfg.verbose {
		fmt.Printf("perfvoice: session=%s turns=%d chunk_ms=%d realtime=%.2f\n", sessionID, cfg.turns, cfg.chunkMS, cfg.realtime)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	window := observability.NewLatencyWindow(cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		clip := clips[i%len(clips)]
		if cfg.verbose {
			fmt.Printf("perfvoice: turn %d/%d clip=%s bytes=%d\n", i+1, cfg.turns, clip.Name, len(clip.PCM16LE))
		}

		if err := sendTurnAudio(conn, clip.PCM16LE, cfg.chunkMS, cfg.realtime); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		speechEnd := time.Now()
		if err := sendTurnAudio(conn, silence(cfg.trailingSilent), cfg.chunkMS, cfg.realtime); err != nil {
			return fmt.Errorf("turn %d send silence: %w", i+1, err)
		}

		timing, err := awaitTurnEnd(events, readErrCh, cfg.turnTimeout, cfg.verbose)
		if err != nil {
			return fmt.Errorf("turn %d await response_complete: %w", i+1, err)
		}
		recordTurn(window, speechEnd, timing)

		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if cfg.verbose {
		fmt.Println("perfvoice: replay completed")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(window.Snapshot())
}

func loadClips(paths []string) ([]audioClip, error) {
	out := make([]audioClip, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		pcm, sampleRate, err := decodeWAVPCM16(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		pcm, err = resamplePCM16LE(pcm, sampleRate, audio.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(pcm) == 0 {
			return nil, fmt.Errorf("%s produced no PCM bytes", path)
		}
		out = append(out, audioClip{Name: path, PCM16LE: pcm})
	}
	return out, nil
}

// openSession waits for session_start, asks for an upstream, and waits until
// the relay reports it connected.
func openSession(conn *websocket.Conn, cfg options, events <-chan protocol.Message, readErrCh <-chan error) (string, error) {
	timer := time.NewTimer(cfg.turnTimeout)
	defer timer.Stop()

	sessionID := ""
	for {
		select {
		case err := <-readErrCh:
			return "", fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return "", fmt.Errorf("relay session not ready after %s", cfg.turnTimeout)
		case msg := <-events:
			switch p := msg.Data.(type) {
			case protocol.SessionStart:
				sessionID = p.SessionID
				start := protocol.StartSession{Config: protocol.SessionConfig{Voice: cfg.voice, Instructions: cfg.instructions}}
				raw, err := protocol.Encode(protocol.NewMessage(start, sessionID))
				if err != nil {
					return "", err
				}
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return "", fmt.Errorf("send start_session: %w", err)
				}
			case protocol.ConnectionStatus:
				if p.Status == protocol.StatusConnected && sessionID != "" {
					return sessionID, nil
				}
			case protocol.ErrorEvent:
				return "", fmt.Errorf("relay error: %s", p.Message)
			}
		}
	}
}

func readLoop(conn *websocket.Conn, events chan<- protocol.Message, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		events <- msg
	}
}

func sendTurnAudio(conn *websocket.Conn, pcm []byte, chunkMS int, realtime float64) error {
	for _, chunk := range chunkPCM16LE(pcm, audio.SampleRate, chunkMS) {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
		chunkDuration := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(audio.SampleRate*2)) / realtime)
		if chunkDuration <= 0 {
			chunkDuration = 10 * time.Millisecond
		}
		time.Sleep(chunkDuration)
	}
	return nil
}

// chunkPCM16LE splits pcm into sample-aligned chunks of chunkMS each.
func chunkPCM16LE(pcm []byte, sampleRate, chunkMS int) [][]byte {
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	var out [][]byte
	for off := 0; off+1 < len(pcm); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(pcm))
		if (end-off)%2 != 0 {
			end--
		}
		out = append(out, pcm[off:end])
	}
	return out
}

func silence(d time.Duration) []byte {
	samples := int(d * audio.SampleRate / time.Second)
	return make([]byte, samples*2)
}

func awaitTurnEnd(events <-chan protocol.Message, readErrCh <-chan error, timeout time.Duration, verbose bool) (turnTiming, error) {
	var timing turnTiming
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case err := <-readErrCh:
			return timing, err
		case <-timer.C:
			return timing, fmt.Errorf("timeout after %s", timeout)
		case msg := <-events:
			now := time.Now()
			switch p := msg.Data.(type) {
			case protocol.Transcription:
				if timing.transcript.IsZero() {
					timing.transcript = now
				}
			case protocol.TTSChunk:
				if timing.firstAudio.IsZero() {
					timing.firstAudio = now
				}
			case protocol.ResponseComplete:
				timing.complete = now
				return timing, nil
			case protocol.ErrorEvent:
				if verbose {
					fmt.Fprintf(os.Stderr, "perfvoice: relay error: %s\n", p.Message)
				}
			}
		}
	}
}

func recordTurn(window *observability.LatencyWindow, speechEnd time.Time, timing turnTiming) {
	if !timing.transcript.IsZero() {
		window.Observe(observability.StageSpeechToText, timing.transcript.Sub(speechEnd))
	}
	if !timing.firstAudio.IsZero() {
		window.Observe(observability.StageFirstAudio, timing.firstAudio.Sub(speechEnd))
	} else {
		window.ObserveIndicator("turn_without_audio")
	}
	if !timing.complete.IsZero() {
		window.Observe(observability.StageResponseTotal, timing.complete.Sub(speechEnd))
	}
}

// resamplePCM16LE converts mono PCM16 between rates.
func resamplePCM16LE(pcm []byte, from, to int) ([]byte, error) {
	if from <= 0 || from == to || len(pcm) < 2 {
		return pcm, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	in := audio.DecodePCM16LE(pcm)
	input := make([]float64, len(in))
	for i, v := range in {
		input[i] = float64(v) / 32768.0
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", from, to, err)
	}
	samples := make([]float32, len(output))
	for i, v := range output {
		samples[i] = float32(v)
	}
	return audio.EncodePCM16LE(audio.FloatToPCM16(samples)), nil
}

var errWAVTooShort = errors.New("wav too short")

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, errWAVTooShort
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if len(pcmData) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if audioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	}
	if bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if frameBytes <= 0 || len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			s := int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2]))
			sum += int(s)
		}
		avg := int16(sum / int(channels))
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(avg))
	}
	return mono, sampleRate, nil
}
