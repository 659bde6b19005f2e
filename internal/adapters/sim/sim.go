// Package sim provides deterministic, fixture-backed STT, TTS, and LLM
// adapters reproducing the canonical "wie geht es dir" exchange from
// original_source/.../engine.py:VoiceEngine.start_sim_session. Used by
// --mode sim and by the session orchestrator's tests.
package sim

import (
	"context"
	"sync"

	"github.com/jtholman/voxcore/internal/adapters"
)

// Partials are the two intermediate STT results emitted before the final
// transcript, matching the original fixture exactly.
var Partials = []string{"wie", "wie geht"}

// FinalTranscript is the fixed final STT transcript of the canonical
// exchange.
const FinalTranscript = "wie geht es dir"

// FinalConfidence is the fixed confidence of FinalTranscript.
const FinalConfidence = 0.86

// ResponseChunks are the fixed LLM response chunks of the canonical
// exchange, emitted in order.
var ResponseChunks = []string{"Mir geht", " es gut.", " Was brauchst du?"}

// ResponseTokens is the fixed token count reported with llm_done.
const ResponseTokens = 42

// STT is a deterministic STT adapter that always produces the two
// partials and the final transcript of the canonical exchange.
type STT struct {
	Profile string
}

func (s *STT) TranscribeStream(ctx context.Context, audio <-chan []byte) (<-chan adapters.TranscriptChunk, error) {
	return s.emit(ctx), nil
}

func (s *STT) TranscribeBlob(ctx context.Context, blob []byte) (adapters.TranscriptChunk, error) {
	return adapters.TranscriptChunk{Text: FinalTranscript, Confidence: FinalConfidence, IsFinal: true}, nil
}

func (s *STT) emit(ctx context.Context) <-chan adapters.TranscriptChunk {
	out := make(chan adapters.TranscriptChunk)
	go func() {
		defer close(out)
		for _, p := range Partials {
			select {
			case out <- adapters.TranscriptChunk{Text: p, IsFinal: false}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- adapters.TranscriptChunk{Text: FinalTranscript, Confidence: FinalConfidence, IsFinal: true}:
		case <-ctx.Done():
		}
	}()
	return out
}

// TTS is a deterministic TTS adapter that emits a fixed number of
// fixed-duration PCM chunks per call, matching the original's 15-chunk,
// 40ms-per-chunk fixture. Stop causes an in-flight SynthesizeStream call
// to terminate promptly.
type TTS struct {
	mu      sync.Mutex
	stopped chan struct{}
}

// ChunkCount is the number of audio chunks emitted per synthesis, per the
// original fixture.
const ChunkCount = 15

// ChunkPCMBytes is the placeholder payload size of each emitted chunk.
const ChunkPCMBytes = 16

func (t *TTS) SynthesizeStream(ctx context.Context, text <-chan string) (<-chan []byte, error) {
	t.mu.Lock()
	t.stopped = make(chan struct{})
	stopped := t.stopped
	t.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for range ChunkCount {
			chunk := make([]byte, ChunkPCMBytes)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			case <-stopped:
				return
			}
		}
	}()
	return out, nil
}

func (t *TTS) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped != nil {
		select {
		case <-t.stopped:
		default:
			close(t.stopped)
		}
	}
}

// LLM is a deterministic LLM adapter that always streams ResponseChunks
// and reports ResponseTokens. Cancel(sessionID) records a per-session flag
// that Generate checks before each chunk, stopping the stream early; a
// cancelled ctx stops it as well.
type LLM struct {
	mu        sync.Mutex
	cancelled map[string]bool
}

func (l *LLM) Healthcheck(ctx context.Context) bool { return true }

func (l *LLM) Generate(ctx context.Context, req adapters.GenerateRequest) (<-chan string, func() adapters.GenerateResult, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, c := range ResponseChunks {
			l.mu.Lock()
			cancelled := l.cancelled[req.SessionID]
			l.mu.Unlock()
			if cancelled {
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	result := func() adapters.GenerateResult {
		return adapters.GenerateResult{Tokens: ResponseTokens, Backend: req.Backend, Profile: req.Profile}
	}
	return out, result, nil
}

func (l *LLM) Cancel(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled == nil {
		l.cancelled = make(map[string]bool)
	}
	l.cancelled[sessionID] = true
}
