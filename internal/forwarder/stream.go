package forwarder

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
)

// ChunkStream is a pull-based sequence of parsed SSE data chunks.
// The producer blocks until the consumer pulls, so a slow consumer
// backpressures the upstream read. Close cancels the upstream request
// and releases the connection.
type ChunkStream struct {
	chunks chan json.RawMessage
	body   io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newChunkStream(body io.ReadCloser, cancel context.CancelFunc) *ChunkStream {
	s := &ChunkStream{
		chunks: make(chan json.RawMessage),
		body:   body,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.read()
	return s
}

// Next returns the next parsed chunk. It returns io.EOF after the
// terminating [DONE] line or end of stream, and the transport error
// if the stream died mid-read.
func (s *ChunkStream) Next() (json.RawMessage, error) {
	chunk, ok := <-s.chunks
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	return chunk, nil
}

// Close cancels the upstream read. Safe to call more than once and
// concurrently with Next.
func (s *ChunkStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.body.Close()
	})
	return nil
}

func (s *ChunkStream) read() {
	defer close(s.chunks)
	defer s.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB buffer

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}
		// Malformed payloads are skipped, not fatal
		if !json.Valid([]byte(data)) {
			continue
		}

		select {
		case s.chunks <- json.RawMessage(data):
		case <-s.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		// A read error after an explicit Close is just the cancel
		select {
		case <-s.done:
		default:
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}
}
