package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voice-assistant-lab/internal/logging"
	"github.com/voice-assistant-lab/internal/trace"
)

// Client sends captured PCM to a whisper-compatible transcription endpoint.
// Raw PCM16LE mono audio is wrapped in a WAV header before posting.
type Client struct {
	URL        string
	AuthToken  string
	Language   string
	SampleRate int
	HTTP       *http.Client
}

func NewClient(endpoint, authToken, language string) *Client {
	return &Client{
		URL:        endpoint,
		AuthToken:  authToken,
		Language:   language,
		SampleRate: 48000,
		HTTP:       &http.Client{},
	}
}

// Transcribe posts the audio and returns the recognized text. An empty string
// with nil error means the service heard nothing usable. The context bounds
// the call; there are no retries, the speaker simply speaks again.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("stt: endpoint not configured")
	}

	endpoint := c.URL
	if u, err := url.Parse(c.URL); err == nil && c.Language != "" {
		q := u.Query()
		q.Set("language", c.Language)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	wav := BuildWAV(pcm, c.SampleRate, 1, 16)
	cid := trace.CorrelationID(ctx)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(wav))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	if cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	samples := len(pcm) / 2
	durationMs := 0
	if c.SampleRate > 0 {
		durationMs = (samples * 1000) / c.SampleRate
	}
	sendTs := time.Now()
	logging.Debugw("stt: sending audio", "url", endpoint, "bytes", len(pcm), "duration_ms", durationMs, "correlation_id", cid)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("stt: status %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	text := strings.TrimSpace(out.Text)
	logging.Infow("stt: response received", "status", resp.StatusCode, "latency_ms", time.Since(sendTs).Milliseconds(), "text_len", len(text), "correlation_id", cid)
	return text, nil
}

// BuildWAV creates a simple RIFF/WAVE header for 16-bit PCM and returns the
// concatenated bytes (header + data).
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}
