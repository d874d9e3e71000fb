package signaling

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/callengine"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/metrics"
)

type sinkRef struct {
	session callengine.Session
	sink    callengine.TrackSink
}

// forwarder copies RTP from one participant's inbound track to a sink on
// every other participant's session. It never decodes or mixes.
type forwarder struct {
	source core.Identity
	track  callengine.MediaTrack
	audio  *atomic.Bool
	log    *zerolog.Logger

	mu      sync.Mutex
	sinks   map[core.Identity]sinkRef
	stopped bool
}

func newForwarder(source *participant, track callengine.MediaTrack, logger *zerolog.Logger) *forwarder {
	return &forwarder{
		source: source.identity,
		track:  track,
		audio:  &source.audio,
		log:    logger,
		sinks:  make(map[core.Identity]sinkRef),
	}
}

func (f *forwarder) sinkID() string {
	return string(f.source) + ":" + f.track.ID()
}

// attach adds a sink for f on target's session.
func (f *forwarder) attach(target *participant) error {
	sink, err := target.session.AddSink(f.sinkID(), string(f.source), f.track.Codec())
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return target.session.RemoveSink(sink)
	}
	f.sinks[target.identity] = sinkRef{session: target.session, sink: sink}
	f.mu.Unlock()
	return nil
}

// detach forgets target's sink without touching its session.
func (f *forwarder) detach(target core.Identity) {
	f.mu.Lock()
	delete(f.sinks, target)
	f.mu.Unlock()
}

// stop halts forwarding and returns the sinks that should be removed from
// their sessions.
func (f *forwarder) stop() []sinkRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	out := make([]sinkRef, 0, len(f.sinks))
	for _, ref := range f.sinks {
		out = append(out, ref)
	}
	f.sinks = map[core.Identity]sinkRef{}
	return out
}

// run pumps packets until the track ends or the forwarder stops. Packets
// from a muted source are read and dropped.
func (f *forwarder) run() {
	for {
		pkt, err := f.track.ReadRTP()
		if err != nil {
			f.log.Debug().Err(err).Str("track", f.track.ID()).Msg("track ended")
			return
		}
		if !f.audio.Load() {
			continue
		}

		f.mu.Lock()
		if f.stopped {
			f.mu.Unlock()
			return
		}
		targets := make([]sinkRef, 0, len(f.sinks))
		for _, ref := range f.sinks {
			targets = append(targets, ref)
		}
		f.mu.Unlock()

		for _, ref := range targets {
			if err := ref.sink.WriteRTP(pkt); err != nil {
				f.log.Debug().Err(err).Str("sink", ref.sink.ID()).Msg("forward rtp")
				continue
			}
			metrics.ForwardedPackets.Inc()
		}
	}
}
