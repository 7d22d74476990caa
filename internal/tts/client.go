package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voice-assistant-lab/internal/logging"
	"github.com/voice-assistant-lab/internal/trace"
	"github.com/voice-assistant-lab/internal/voice"
)

// Client performs text-to-speech against an external service that accepts
// {"text": ...} and responds with a WAV body.
type Client struct {
	URL       string
	AuthToken string
	HTTP      *http.Client
}

func NewClient(endpoint, authToken string) *Client {
	return &Client{URL: endpoint, AuthToken: authToken, HTTP: &http.Client{}}
}

// Synthesize posts the text and decodes the returned WAV into playable PCM.
func (c *Client) Synthesize(ctx context.Context, text string) (*voice.Audio, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("tts: endpoint not configured")
	}
	if text == "" {
		return nil, nil
	}
	body, _ := json.Marshal(map[string]string{"text": text})
	cid := trace.CorrelationID(ctx)

	req, err := http.NewRequestWithContext(ctx, "POST", c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	if cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	sendTs := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tts: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	audio, err := DecodeWAV(raw)
	if err != nil {
		return nil, err
	}
	logging.Infow("tts: synthesized", "text_len", len(text), "audio_ms", audio.Duration().Milliseconds(), "latency_ms", time.Since(sendTs).Milliseconds(), "correlation_id", cid)
	return audio, nil
}

// DecodeWAV extracts PCM16LE data and format info from a RIFF/WAVE payload.
func DecodeWAV(b []byte) (*voice.Audio, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, fmt.Errorf("tts: response is not a WAV file")
	}
	var sampleRate uint32
	var channels, bits uint16
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size >= 16 {
				channels = binary.LittleEndian.Uint16(b[body+2 : body+4])
				sampleRate = binary.LittleEndian.Uint32(b[body+4 : body+8])
				bits = binary.LittleEndian.Uint16(b[body+14 : body+16])
			}
		case "data":
			if sampleRate == 0 || channels == 0 {
				return nil, fmt.Errorf("tts: WAV data chunk before fmt chunk")
			}
			if bits != 16 {
				return nil, fmt.Errorf("tts: unsupported WAV bit depth %d", bits)
			}
			pcm := make([]byte, size)
			copy(pcm, b[body:body+size])
			return &voice.Audio{PCM: pcm, SampleRate: int(sampleRate), Channels: int(channels)}, nil
		}
		// chunks are word-aligned
		if size%2 == 1 {
			size++
		}
		off = body + size
	}
	return nil, fmt.Errorf("tts: WAV data chunk not found")
}
