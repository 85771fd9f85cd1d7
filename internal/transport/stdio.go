// Package transport frames engine traffic as JSON lines over a byte stream.
// Each inbound line is a request or a cancel signal; each outbound line is
// a stream chunk or a terminal response. Requests run concurrently, so
// frames of different requests may interleave.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"repolens/internal/engine"
	"repolens/internal/errors"
	"repolens/internal/logging"
	"repolens/shared/types"

	"go.uber.org/zap"
)

// UnknownID answers frames whose request id could not be read.
const UnknownID = "unknown"

const maxFrameBytes = 16 << 20

type Server struct {
	engine *engine.Engine
	logger *logging.Logger
	in     io.Reader

	mu  sync.Mutex
	enc *json.Encoder
	wg  sync.WaitGroup
}

func NewServer(e *engine.Engine, logger *logging.Logger, in io.Reader, out io.Writer) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		engine: e,
		logger: logger.Named("stdio"),
		in:     in,
		enc:    json.NewEncoder(out),
	}
}

// Serve reads frames until the input ends or ctx is done, then waits for
// every started request to write its terminal response.
func (s *Server) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var err error
loop:
	for {
		select {
		case line := <-lines:
			s.handle(ctx, line)
		case err = <-readErr:
			break loop
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}
	}
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("reading frames: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var in types.Inbound
	if err := json.Unmarshal(line, &in); err != nil {
		s.logger.Debug("malformed frame", zap.Error(err))
		s.respond(types.Failure(peekID(line), errors.Protocol(fmt.Sprintf("malformed frame: %v", err))))
		return
	}
	if in.Cancel != nil {
		if !s.engine.Cancel(in.Cancel.ID) {
			s.logger.Debug("cancel for unknown request", zap.String("request_id", in.Cancel.ID))
		}
		return
	}

	// Start registers the id before the next frame is read, so a cancel
	// that follows on the next line always finds it.
	call := s.engine.Start(ctx, in.Request)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := call.Run(s.chunk)
		s.respond(resp)
	}()
}

func (s *Server) chunk(_ context.Context, c *types.StreamChunk) error {
	return s.write(types.Outbound{Chunk: c})
}

func (s *Server) respond(resp *types.Response) {
	if err := s.write(types.Outbound{Response: resp}); err != nil {
		s.logger.Warn("writing response failed", zap.String("request_id", resp.ID), zap.Error(err))
	}
}

func (s *Server) write(frame types.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(frame)
}

// peekID recovers the id of a frame that failed to decode as a whole.
func peekID(line []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || probe.ID == "" {
		return UnknownID
	}
	return probe.ID
}
