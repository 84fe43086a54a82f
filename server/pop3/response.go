package pop3

import (
	"bufio"
	"fmt"
	"io"
)

// Response texts shared by several commands.
const (
	msgSyntaxError      = "Syntax error in parameters or arguments"
	msgBadSequence      = "Bad sequence of commands"
	msgUnrecognized     = "Syntax error, command unrecognized"
	msgBlankCommand     = "Syntax error, blank command unrecognized"
	msgNotImplemented   = "Command not implemented"
	msgInvalidArguments = "Invalid arguments"
	msgClosing          = "Service closing transmission channel"
)

var crlf = []byte("\r\n")

// responseWriter frames +OK/-ERR lines and multi-line blocks. The first
// write error is kept and every later write becomes a no-op, so handlers do
// not check errors after each line.
type responseWriter struct {
	w   *bufio.Writer
	err error
	// atLineStart is true when the last payload byte written was '\n'.
	atLineStart bool
}

func newResponseWriter(w io.Writer) *responseWriter {
	return &responseWriter{w: bufio.NewWriter(w), atLineStart: true}
}

func (rw *responseWriter) write(p []byte) {
	if rw.err != nil {
		return
	}
	_, rw.err = rw.w.Write(p)
}

func (rw *responseWriter) writeLine(format string, args ...any) {
	if rw.err != nil {
		return
	}
	if len(args) == 0 {
		_, rw.err = rw.w.WriteString(format)
	} else {
		_, rw.err = fmt.Fprintf(rw.w, format, args...)
	}
	rw.write(crlf)
}

// ok writes a "+OK" status line.
func (rw *responseWriter) ok(format string, args ...any) {
	if format == "" {
		rw.writeLine("+OK")
		return
	}
	rw.writeLine("+OK "+format, args...)
}

// fail writes a "-ERR" status line.
func (rw *responseWriter) fail(format string, args ...any) {
	rw.writeLine("-ERR "+format, args...)
}

// end writes the terminating "." of a multi-line response.
func (rw *responseWriter) end() {
	rw.writeLine(".")
}

// payload copies message content as the body of a multi-line response,
// reading at most one buffer of data at a time. With stuff set, lines
// starting with "." get an extra leading "." as required by RFC 1939 §3.
// A body not ending in a line break is completed with CRLF. Read errors are
// returned; write errors are recorded in rw.err.
func (rw *responseWriter) payload(r io.Reader, stuff bool) (int64, error) {
	br := bufio.NewReaderSize(r, 4096)
	rw.atLineStart = true
	var n int64
	for rw.err == nil {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			if stuff && rw.atLineStart && chunk[0] == '.' {
				rw.write([]byte{'.'})
			}
			rw.write(chunk)
			n += int64(len(chunk))
			rw.atLineStart = chunk[len(chunk)-1] == '\n'
		}
		switch {
		case err == nil, err == bufio.ErrBufferFull:
			continue
		case err == io.EOF:
			if !rw.atLineStart {
				rw.write(crlf)
				rw.atLineStart = true
			}
			return n, nil
		default:
			return n, err
		}
	}
	return n, nil
}

// flush sends buffered output and returns the first error seen.
func (rw *responseWriter) flush() error {
	if rw.err != nil {
		return rw.err
	}
	rw.err = rw.w.Flush()
	return rw.err
}
