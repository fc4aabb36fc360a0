package relay

import (
	"context"

	"github.com/ent0n29/voicebridge/internal/realtime"
)

// Upstream opens one streaming speech-to-speech session per client session.
type Upstream interface {
	Connect(ctx context.Context, cfg realtime.SessionConfig) (UpstreamSession, error)
}

type UpstreamSession interface {
	AppendAudio(pcm []byte) error
	Events() <-chan realtime.Event
	Close() error
}

type realtimeUpstream struct {
	client *realtime.Client
}

// NewRealtimeUpstream adapts a realtime.Client to Upstream.
func NewRealtimeUpstream(client *realtime.Client) Upstream {
	return realtimeUpstream{client: client}
}

func (u realtimeUpstream) Connect(ctx context.Context, cfg realtime.SessionConfig) (UpstreamSession, error) {
	s, err := u.client.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}
