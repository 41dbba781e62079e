package httpmw

import (
	"bytes"
	"net/http"
)

// Capture buffers a response so a wrapper can inspect it before it is
// sent. Headers go straight to the underlying header map. Once the body
// would exceed the limit, or the handler flushes, Capture commits what it
// holds and passes the rest through unbuffered.
type Capture struct {
	http.ResponseWriter

	limit    int64
	status   int
	buf      bytes.Buffer
	passthru bool
}

func NewCapture(w http.ResponseWriter, limit int64) *Capture {
	return &Capture{ResponseWriter: w, limit: limit}
}

func (c *Capture) WriteHeader(code int) {
	if c.status != 0 {
		return
	}
	c.status = code
	if c.passthru {
		c.ResponseWriter.WriteHeader(code)
	}
}

func (c *Capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	if c.passthru {
		return c.ResponseWriter.Write(p)
	}
	if int64(c.buf.Len()+len(p)) > c.limit {
		if err := c.spill(); err != nil {
			return 0, err
		}
		return c.ResponseWriter.Write(p)
	}
	return c.buf.Write(p)
}

func (c *Capture) Flush() {
	if !c.passthru {
		_ = c.spill()
	}
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *Capture) Unwrap() http.ResponseWriter { return c.ResponseWriter }

func (c *Capture) spill() error {
	c.passthru = true
	c.ResponseWriter.WriteHeader(c.Status())
	if c.buf.Len() == 0 {
		return nil
	}
	_, err := c.ResponseWriter.Write(c.buf.Bytes())
	c.buf.Reset()
	return err
}

// Status is the status the handler set, 200 if it never set one.
func (c *Capture) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// Body returns the buffered body. It is empty after an overflow.
func (c *Capture) Body() []byte { return c.buf.Bytes() }

// Overflowed reports whether the response has already been sent.
func (c *Capture) Overflowed() bool { return c.passthru }

// Commit sends the buffered response unchanged. It is a no-op once the
// response has been sent.
func (c *Capture) Commit() error {
	if c.passthru {
		return nil
	}
	return c.spill()
}
