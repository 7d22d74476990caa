package voice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"
	"github.com/voice-assistant-lab/internal/logging"
)

const (
	discordSampleRate = 48000
	discordFrameSize  = 960 // 20 ms at 48 kHz
)

// DiscordTransport adapts a discordgo voice connection to the Transport
// interface: it decodes inbound Opus packets into per-speaker PCM frames and
// encodes outbound PCM for playback. Speaking updates on the voice websocket
// provide the SSRC -> user mapping.
type DiscordTransport struct {
	vc *discordgo.VoiceConnection

	mu       sync.Mutex
	ssrcMap  map[uint32]string
	decoders map[uint32]*opus.Decoder

	listenMu     sync.Mutex
	listenCancel context.CancelFunc
	listenDone   chan struct{}

	playMu     sync.Mutex
	playCancel context.CancelFunc
	playDone   chan struct{}
	playing    int32

	decodeErrCount int64
	unknownSSRC    int64
}

// NewDiscordTransport joins the guild's voice channel and wires speaking
// updates for SSRC mapping.
func NewDiscordTransport(s *discordgo.Session, guildID, channelID string) (*DiscordTransport, error) {
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("voice join %s/%s: %w", guildID, channelID, err)
	}
	t := &DiscordTransport{
		vc:       vc,
		ssrcMap:  make(map[uint32]string),
		decoders: make(map[uint32]*opus.Decoder),
	}
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		t.mu.Lock()
		t.ssrcMap[uint32(su.SSRC)] = su.UserID
		t.mu.Unlock()
		logging.Infow("transport: mapped SSRC -> user", "ssrc", su.SSRC, "user_id", su.UserID)
	})
	return t, nil
}

// Listen starts the receive loop feeding decoded frames into the sink.
func (t *DiscordTransport) Listen(sink FrameSink) error {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()
	if t.listenCancel != nil {
		return fmt.Errorf("transport: already listening")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.listenCancel = cancel
	t.listenDone = done
	go t.receiveLoop(ctx, sink, done)
	return nil
}

// StopListening halts the receive loop. Frames arriving afterwards are
// dropped by the websocket layer until Listen is called again.
func (t *DiscordTransport) StopListening() {
	t.listenMu.Lock()
	cancel := t.listenCancel
	done := t.listenDone
	t.listenCancel = nil
	t.listenDone = nil
	t.listenMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *DiscordTransport) receiveLoop(ctx context.Context, sink FrameSink, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-t.vc.OpusRecv:
			if !ok {
				// Voice connection dropped; the idle sweep reclaims the room.
				logging.Warnw("transport: receive channel closed")
				return
			}
			t.handlePacket(pkt, sink)
		}
	}
}

func (t *DiscordTransport) handlePacket(pkt *discordgo.Packet, sink FrameSink) {
	t.mu.Lock()
	uid := t.ssrcMap[pkt.SSRC]
	dec := t.decoders[pkt.SSRC]
	t.mu.Unlock()
	if uid == "" {
		// No speaking update seen yet for this SSRC; ingest-level, ignore.
		atomic.AddInt64(&t.unknownSSRC, 1)
		return
	}
	if dec == nil {
		d, err := opus.NewDecoder(discordSampleRate, 1)
		if err != nil {
			logging.Errorw("transport: opus decoder init failed", "ssrc", pkt.SSRC, "err", err)
			return
		}
		t.mu.Lock()
		t.decoders[pkt.SSRC] = d
		t.mu.Unlock()
		dec = d
	}
	pcm := make([]int16, discordFrameSize)
	n, err := dec.Decode(pkt.Opus, pcm)
	if err != nil {
		atomic.AddInt64(&t.decodeErrCount, 1)
		logging.Errorw("transport: opus decode error", "ssrc", pkt.SSRC, "err", err)
		return
	}
	sink.OnFrame(uid, pcm[:n])
}

// Play encodes the clip to Opus and streams it to the room. The returned
// channel closes when the clip finishes or is stopped.
func (t *DiscordTransport) Play(a Audio) (<-chan struct{}, error) {
	if a.SampleRate != discordSampleRate {
		return nil, fmt.Errorf("transport: unsupported sample rate %d", a.SampleRate)
	}
	channels := a.Channels
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("transport: unsupported channel count %d", channels)
	}
	enc, err := opus.NewEncoder(discordSampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("transport: opus encoder init: %w", err)
	}

	t.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.playMu.Lock()
	t.playCancel = cancel
	t.playDone = done
	t.playMu.Unlock()
	atomic.StoreInt32(&t.playing, 1)

	go t.sendLoop(ctx, enc, a, channels, done)
	return done, nil
}

func (t *DiscordTransport) sendLoop(ctx context.Context, enc *opus.Encoder, a Audio, channels int, done chan struct{}) {
	defer func() {
		atomic.StoreInt32(&t.playing, 0)
		_ = t.vc.Speaking(false)
		close(done)
	}()
	if err := t.vc.Speaking(true); err != nil {
		logging.Warnw("transport: speaking(true) failed", "err", err)
	}

	samples := bytesToPCM(a.PCM)
	frame := discordFrameSize * channels
	buf := make([]byte, 1275) // max opus frame
	for off := 0; off < len(samples); off += frame {
		chunk := samples[off:min(off+frame, len(samples))]
		if len(chunk) < frame {
			// pad the tail to a full frame
			padded := make([]int16, frame)
			copy(padded, chunk)
			chunk = padded
		}
		n, err := enc.Encode(chunk, buf)
		if err != nil {
			logging.Warnw("transport: opus encode error", "err", err)
			return
		}
		pktCopy := make([]byte, n)
		copy(pktCopy, buf[:n])
		// discordgo paces OpusSend at the frame rate.
		select {
		case <-ctx.Done():
			return
		case t.vc.OpusSend <- pktCopy:
		}
	}
}

// Stop halts any in-flight playback and waits for the send loop to exit.
func (t *DiscordTransport) Stop() {
	t.playMu.Lock()
	cancel := t.playCancel
	done := t.playDone
	t.playCancel = nil
	t.playDone = nil
	t.playMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *DiscordTransport) IsPlaying() bool {
	return atomic.LoadInt32(&t.playing) == 1
}

// Disconnect leaves the voice channel, stopping capture and playback first.
func (t *DiscordTransport) Disconnect() error {
	t.StopListening()
	t.Stop()
	return t.vc.Disconnect()
}

// bytesToPCM deserializes PCM16LE into samples.
func bytesToPCM(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}
