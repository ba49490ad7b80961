package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
)

func TestSilentAudio_StopsOnClosedTrack(t *testing.T) {
	var writes int32
	m := &silentAudio{}
	m.wg.Add(1)
	done := make(chan struct{})
	go func() {
		m.run(context.Background(), func(media.Sample) error {
			if atomic.AddInt32(&writes, 1) == 3 {
				return fmt.Errorf("write rtp: %w", io.ErrClosedPipe)
			}
			return nil
		}, time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected writer to stop after the track closed")
	}
	if got := atomic.LoadInt32(&writes); got != 3 {
		t.Errorf("expected 3 writes, got %d", got)
	}
}

func TestSilentAudio_KeepsWritingThroughOtherErrors(t *testing.T) {
	var writes int32
	ctx, cancel := context.WithCancel(context.Background())
	m := &silentAudio{cancel: cancel}
	m.wg.Add(1)
	go m.run(ctx, func(media.Sample) error {
		atomic.AddInt32(&writes, 1)
		return errors.New("no binding yet")
	}, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&writes) < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	if got := atomic.LoadInt32(&writes); got < 5 {
		t.Errorf("expected the writer to keep going, got %d writes", got)
	}
}
