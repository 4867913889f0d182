package hostfs

import (
	"io"
	"sync"

	"nachos/fd"
)

/// StdioConsole implements Console over the host process's own stdin and
/// stdout, the simplest concrete Console a driver program can supply.
type StdioConsole struct {
	in  io.Reader
	out io.Writer
}

/// NewStdioConsole wraps the given reader/writer as a Console.
func NewStdioConsole(in io.Reader, out io.Writer) *StdioConsole {
	return &StdioConsole{in: in, out: out}
}

func (c *StdioConsole) OpenForReading() fd.OpenFile { return &consoleReader{r: c.in} }
func (c *StdioConsole) OpenForWriting() fd.OpenFile { return &consoleWriter{w: c.out} }

// consoleReader ignores the offset argument: a console has no seek
// position, only a stream.
type consoleReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (c *consoleReader) Read(buf []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.r.Read(buf)
	if err == io.EOF {
		err = nil
	}
	return n, err
}
func (c *consoleReader) Write(buf []byte, off int64) (int, error) {
	return 0, io.ErrClosedPipe
}
func (c *consoleReader) Close() error  { return nil }
func (c *consoleReader) Name() string { return "console-in" }

type consoleWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *consoleWriter) Read(buf []byte, off int64) (int, error) {
	return 0, io.ErrClosedPipe
}
func (c *consoleWriter) Write(buf []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(buf)
}
func (c *consoleWriter) Close() error  { return nil }
func (c *consoleWriter) Name() string { return "console-out" }
