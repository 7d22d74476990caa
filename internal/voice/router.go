package voice

import (
	"context"
	"sync"

	"github.com/voice-assistant-lab/internal/logging"
)

// Router demultiplexes tagged frames from the transport to per-speaker
// segmenters. OnFrame is the capture hot path: it appends to the speaker's
// buffer and returns, never waiting on downstream work. A speaker's segmenter
// and its background check task are created lazily on the first frame.
type Router struct {
	cfg  SegmenterConfig
	emit func(Utterance)

	mu   sync.Mutex
	segs map[string]*Segmenter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(cfg SegmenterConfig, emit func(Utterance)) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:    cfg,
		emit:   emit,
		segs:   make(map[string]*Segmenter),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnFrame implements FrameSink.
func (r *Router) OnFrame(speakerID string, pcm []int16) {
	if speakerID == "" {
		return
	}
	r.mu.Lock()
	seg, ok := r.segs[speakerID]
	if !ok {
		if r.ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		seg = newSegmenter(speakerID, r.cfg, r.emit)
		r.segs[speakerID] = seg
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			seg.run(r.ctx)
		}()
		logging.Infow("router: speaker buffer created", "speaker_id", speakerID)
	}
	r.mu.Unlock()

	seg.AddFrame(pcm)
}

// Reset drops every speaker's buffered audio. Called when capture is
// re-synchronized so the assistant's own playback is not segmented as a new
// utterance.
func (r *Router) Reset() {
	r.mu.Lock()
	segs := make([]*Segmenter, 0, len(r.segs))
	for _, s := range r.segs {
		segs = append(segs, s)
	}
	r.mu.Unlock()
	for _, s := range segs {
		s.resetBuffer()
	}
}

// Close cancels every speaker's segmentation task and clears the map.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	r.segs = make(map[string]*Segmenter)
	r.mu.Unlock()
}
