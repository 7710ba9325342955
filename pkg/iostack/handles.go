package iostack

import (
	"bytes"
	"crypto/md5"
	"errors"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// InputHandle is an open, fully buffered input file.
type InputHandle struct {
	name  string
	layer Layer
	mtime time.Time
	size  int64
	r     *bytes.Reader
}

func newInputHandle(name string, layer Layer, data []byte, mtime time.Time) *InputHandle {
	return &InputHandle{
		name:  name,
		layer: layer,
		mtime: mtime,
		size:  int64(len(data)),
		r:     bytes.NewReader(data),
	}
}

// Name returns the name the handle was opened under.
func (h *InputHandle) Name() string { return h.name }

// Layer returns the layer that satisfied the open.
func (h *InputHandle) Layer() Layer { return h.layer }

// Size returns the total content length.
func (h *InputHandle) Size() int64 { return h.size }

// MTime returns the modification time. Files without one on disk report the
// zero time.
func (h *InputHandle) MTime() time.Time { return h.mtime }

// Read implements io.Reader.
func (h *InputHandle) Read(p []byte) (int, error) {
	return h.r.Read(p)
}

// Seek implements io.Seeker.
func (h *InputHandle) Seek(offset int64, whence int) (int64, error) {
	return h.r.Seek(offset, whence)
}

// Getc reads one byte.
func (h *InputHandle) Getc() (byte, error) {
	return h.r.ReadByte()
}

// Ungetc pushes back the byte returned by the previous Getc. Only one byte of
// push-back is supported and c must match it.
func (h *InputHandle) Ungetc(c byte) error {
	if err := h.r.UnreadByte(); err != nil {
		return err
	}
	got, err := h.r.ReadByte()
	if err != nil {
		return err
	}
	if got != c {
		return errors.New("ungetc of a byte that was not just read")
	}
	return h.r.UnreadByte()
}

// Close releases the handle.
func (h *InputHandle) Close() error {
	return nil
}

// OutputHandle buffers an output file until it is closed, then commits it to
// the stack's writable layer in one piece.
type OutputHandle struct {
	name   string
	gz     bool
	buf    *bytes.Buffer
	commit func(name string, data []byte) error
	closed bool
}

// Name returns the name the handle was opened under.
func (h *OutputHandle) Name() string { return h.name }

// Write implements io.Writer.
func (h *OutputHandle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, errors.New("write to closed output " + h.name)
	}
	return h.buf.Write(p)
}

// WriteByte writes a single byte.
func (h *OutputHandle) WriteByte(c byte) error {
	_, err := h.Write([]byte{c})
	return err
}

// Flush is a no-op; content is committed on Close.
func (h *OutputHandle) Flush() error {
	return nil
}

// Close commits the buffered content. Closing twice is a no-op.
func (h *OutputHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.commit == nil {
		return nil
	}

	data := h.buf.Bytes()
	if h.gz {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(data); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		data = zbuf.Bytes()
	}
	return h.commit(h.name, data)
}

// Discard closes the handle without committing its content.
func (h *OutputHandle) Discard() {
	h.closed = true
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// DataMD5 returns the MD5 digest of data, as the engine's \mdfivesum needs.
func DataMD5(data []byte) [md5.Size]byte {
	return md5.Sum(data)
}
