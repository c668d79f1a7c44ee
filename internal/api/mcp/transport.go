// transport.go wires a Server to an MCP client over a byte stream (normally
// stdin/stdout).
//
// Protocol rules:
//   - Requests arrive either Content-Length framed or one JSON value per line;
//     the framing is detected per message.
//   - Each response is written in the framing of the most recently decoded
//     request.
//   - Nothing but response frames is ever written to the output stream;
//     diagnostics go to the debug sink.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tavily-local-proxy/tavily-mcp/internal/debuglog"
)

// readChunkSize is the size of a single read from the input stream.
const readChunkSize = 32 * 1024

// Session is the per-connection protocol state: the unconsumed input bytes and
// the active framing mode. A Session is not safe for concurrent use; the
// transport drives it from a single goroutine.
type Session struct {
	server *Server
	out    io.Writer
	sink   *debuglog.Sink

	buf  []byte
	mode FramingMode
}

// NewSession creates a Session that writes responses to out. Framing starts in
// Content-Length mode.
func NewSession(srv *Server, out io.Writer) *Session {
	return &Session{
		server: srv,
		out:    out,
		sink:   srv.sink,
		mode:   FramingContentLength,
	}
}

// Mode returns the framing used for the next response.
func (s *Session) Mode() FramingMode {
	return s.mode
}

// Buffered returns the number of input bytes not yet consumed.
func (s *Session) Buffered() int {
	return len(s.buf)
}

// Feed appends chunk to the buffer and decodes every complete frame, running
// each request (including its upstream call) to completion before the next.
// The returned error is non-nil only when writing to the output failed.
func (s *Session) Feed(ctx context.Context, chunk []byte) error {
	s.buf = append(s.buf, chunk...)
	return s.process(ctx)
}

// process runs one decode pass. Faults inside the pass are logged and
// answered with an internal-error response instead of ending the session.
func (s *Session) process(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.fault(fmt.Errorf("%v", r))
		}
	}()

	err = s.decodePass(ctx)

	var pf *passFault
	if errors.As(err, &pf) {
		return s.fault(pf.err)
	}
	return err
}

// passFault aborts a decode pass without ending the session.
type passFault struct {
	err error
}

func (f *passFault) Error() string { return f.err.Error() }

func (s *Session) fault(cause error) error {
	s.sink.Printf("processBuffer exception err=%s", cause)
	return s.write(errorResponse(nil, ErrCodeInternalError, "Internal error: "+cause.Error()))
}

func (s *Session) decodePass(ctx context.Context) error {
	for {
		frame := DecodeFrame(s.buf)

		switch frame.Kind {
		case FrameNeedMore:
			s.consume(frame.Consumed)
			return nil

		case FrameMissingLength:
			s.buf = s.buf[:0]
			return s.write(errorResponse(nil, ErrCodeParseError, "Parse error: missing Content-Length header"))

		case FrameMessage:
			body := bytes.Clone(frame.Body)
			s.consume(frame.Consumed)

			var message json.RawMessage
			if err := json.Unmarshal(body, &message); err != nil {
				if frame.Mode == FramingLine {
					return &passFault{err: err}
				}
				s.sink.Printf("processBuffer json parse failed err=%s", err)
				if err := s.write(errorResponse(nil, ErrCodeParseError, "Parse error: invalid JSON body")); err != nil {
					return err
				}
				continue
			}

			s.mode = frame.Mode
			if err := s.server.Dispatch(ctx, message, s.write); err != nil {
				return err
			}
		}
	}
}

func (s *Session) consume(n int) {
	if n <= 0 {
		return
	}
	remaining := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:remaining]
}

// write serializes resp once and emits it in the active framing.
func (s *Session) write(resp *JSONRPCResponse) error {
	body := encodeResponse(resp)

	var frame []byte
	if s.mode == FramingLine {
		frame = make([]byte, 0, len(body)+1)
		frame = append(frame, body...)
		frame = append(frame, '\n')
	} else {
		frame = fmt.Appendf(nil, "Content-Length: %d\r\n\r\n", len(body))
		frame = append(frame, body...)
	}

	_, err := s.out.Write(frame)

	errorCode := "none"
	if resp.Error != nil {
		errorCode = fmt.Sprint(resp.Error.Code)
	}
	s.sink.WithFields(logrus.Fields{
		"framing":       s.mode,
		"id":            idString(resp.ID),
		"errorCode":     errorCode,
		"contentLength": len(body),
	}).Debug("writeMessage")

	if err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// encodeResponse marshals resp without HTML escaping and without the trailing
// newline json.Encoder adds.
func encodeResponse(resp *JSONRPCResponse) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		// Last resort: a hard-coded error keeps the framing intact.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"Internal error: failed to encode response"}}`)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// StdioTransport reads framed JSON-RPC requests from an io.Reader and writes
// responses to an io.Writer.
type StdioTransport struct {
	session *Session
	in      io.Reader
	sink    *debuglog.Sink
}

// NewStdioTransport constructs a StdioTransport that reads from in and writes
// to out.
//
// Usage with real stdio:
//
//	t := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		session: NewSession(srv, out),
		in:      in,
		sink:    srv.sink,
	}
}

// Session returns the transport's protocol session.
func (t *StdioTransport) Session() *Session {
	return t.session
}

// Serve processes input until it is exhausted or ctx is cancelled. It returns
// nil on end-of-input, ctx.Err() on cancellation, and an error when reading
// or writing fails.
//
// A reader goroutine hands chunks to this goroutine through an ordered
// channel. Every chunk is fully processed, including upstream calls and
// response writes, before the next one is looked at.
func (t *StdioTransport) Serve(ctx context.Context) error {
	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go t.readLoop(chunks, readErr, done)

	for {
		select {
		case <-ctx.Done():
			t.sink.Printf("context cancelled, shutting down")
			return ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				return t.finish(ctx, <-readErr)
			}
			t.sink.Printf("stdin data bytes=%d", len(chunk))
			if err := t.session.Feed(ctx, chunk); err != nil {
				t.sink.Printf("write failed err=%s", err)
				return err
			}
		}
	}
}

// finish runs a last decode pass over leftover input, then reports how the
// input ended.
func (t *StdioTransport) finish(ctx context.Context, err error) error {
	if t.session.Buffered() > 0 {
		if werr := t.session.process(ctx); werr != nil {
			return werr
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		t.sink.Printf("stdin error err=%s", err)
		return fmt.Errorf("read input: %w", err)
	}
	t.sink.Printf("stdin end")
	return nil
}

// readLoop copies the input into chunks until it fails, then closes chunks
// after recording the error.
func (t *StdioTransport) readLoop(chunks chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, readChunkSize)
	for {
		n, err := t.in.Read(buf)
		if n > 0 {
			select {
			case chunks <- bytes.Clone(buf[:n]):
			case <-done:
				readErr <- nil
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}
