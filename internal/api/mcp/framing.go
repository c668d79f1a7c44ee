package mcp

import (
	"bytes"
	"regexp"
	"strconv"
)

// FramingMode is the wire convention used to delimit messages.
type FramingMode int

const (
	// FramingContentLength is the header-block framing:
	// "Content-Length: <n>\r\n\r\n" followed by exactly n bytes of JSON.
	FramingContentLength FramingMode = iota
	// FramingLine is one JSON value per newline-terminated line.
	FramingLine
)

func (m FramingMode) String() string {
	if m == FramingLine {
		return "line"
	}
	return "content-length"
}

// FrameKind classifies the outcome of DecodeFrame.
type FrameKind int

const (
	// FrameNeedMore: no complete frame is buffered yet.
	FrameNeedMore FrameKind = iota
	// FrameMessage: Body holds the raw text of one frame.
	FrameMessage
	// FrameMissingLength: a header block without Content-Length. The whole
	// buffer is unrecoverable and Consumed covers all of it.
	FrameMissingLength
)

// Frame is the result of one decode step.
type Frame struct {
	Kind FrameKind
	// Consumed is the number of bytes to drop from the front of the buffer,
	// including any leading whitespace that was skipped.
	Consumed int
	// Body aliases the input buffer; copy it before the buffer is modified.
	Body []byte
	// Mode is the framing that produced Body.
	Mode FramingMode
}

var contentLengthHeader = regexp.MustCompile(`(?i)Content-Length:\s*(\d+)`)

// DecodeFrame extracts at most one frame from the front of buf. It never
// performs I/O and never modifies buf.
//
// Line framing wins when the first non-whitespace byte opens a JSON object or
// array and a newline is buffered somewhere after it. Otherwise the buffer is
// read as a header block terminated by the first "\r\n\r\n" or "\n\n".
func DecodeFrame(buf []byte) Frame {
	start := skipWhitespace(buf)
	rest := buf[start:]
	if len(rest) == 0 {
		return Frame{Kind: FrameNeedMore, Consumed: start}
	}

	if rest[0] == '{' || rest[0] == '[' {
		if nl := bytes.IndexByte(rest, '\n'); nl != -1 {
			line := bytes.TrimSpace(rest[:nl])
			return Frame{Kind: FrameMessage, Consumed: start + nl + 1, Body: line, Mode: FramingLine}
		}
	}

	headerEnd, delimLen := findHeaderBoundary(rest)
	if headerEnd == -1 {
		return Frame{Kind: FrameNeedMore, Consumed: start}
	}

	match := contentLengthHeader.FindSubmatch(rest[:headerEnd])
	if match == nil {
		return Frame{Kind: FrameMissingLength, Consumed: len(buf)}
	}
	length, err := strconv.Atoi(string(match[1]))
	if err != nil {
		// Only overflow gets here; no such body can ever be buffered.
		return Frame{Kind: FrameMissingLength, Consumed: len(buf)}
	}

	bodyStart := headerEnd + delimLen
	if length > len(rest)-bodyStart {
		return Frame{Kind: FrameNeedMore, Consumed: start}
	}

	return Frame{
		Kind:     FrameMessage,
		Consumed: start + bodyStart + length,
		Body:     rest[bodyStart : bodyStart+length],
		Mode:     FramingContentLength,
	}
}

// skipWhitespace returns the index of the first byte that is not a space,
// tab, CR or LF.
func skipWhitespace(buf []byte) int {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			return i
		}
	}
	return i
}

// findHeaderBoundary locates the earliest header/body delimiter and returns
// its offset and length, or -1 when none is buffered.
func findHeaderBoundary(buf []byte) (int, int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))

	switch {
	case crlf == -1 && lf == -1:
		return -1, 0
	case crlf != -1 && (lf == -1 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}
