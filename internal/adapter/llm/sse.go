package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"forgeline/internal/domain"
)

// maxSSELine bounds a single SSE line; blueprint chunks stay far below it.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a StreamDelta using the provider-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed, or
// ctx is cancelled. An I/O failure is reported as a final delta with Err set.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.StreamDelta{Done: true})
				return
			}

			delta, err := parseLine(data)
			if err != nil || delta == nil {
				continue
			}
			if !send(*delta) || delta.Done {
				return
			}
		}

		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		send(domain.StreamDelta{
			Done: true,
			Err:  fmt.Errorf("%w: stream interrupted: %v", domain.ErrUpstreamFailure, err),
		})
	}()
	return ch
}
