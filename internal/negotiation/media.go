package negotiation

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticMedia produces a silent Opus audio track, for headless peers that
// have no capture device.
type SyntheticMedia struct {
	StreamID string
}

func (s SyntheticMedia) Acquire(ctx context.Context) (Media, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "tandem"
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &silentAudio{track: track, cancel: cancel}
	m.wg.Add(1)
	go m.run(ctx, track.WriteSample, 20*time.Millisecond)
	return m, nil
}

type silentAudio struct {
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (m *silentAudio) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.track}
}

func (m *silentAudio) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func (m *silentAudio) run(ctx context.Context, write func(media.Sample) error, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logged := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := write(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			if err == nil {
				continue
			}
			if errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Str("module", "negotiation").Msg("audio track closed, stopping")
				return
			}
			if !logged {
				log.Debug().Str("module", "negotiation").Err(err).Msg("write silent audio sample")
				logged = true
			}
		}
	}
}
