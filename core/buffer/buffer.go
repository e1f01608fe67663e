// Package buffer provides the growable byte buffer used for connection I/O.
//
// A Buffer is laid out as
//
//	| prependable | readable | writable |
//	0          readIndex  writeIndex  capacity
//
// with a small reserved prefix so a header can be inserted in front of
// already-buffered data without moving it.
package buffer

const (
	// CheapPrepend is the reserved space at the front of every buffer.
	CheapPrepend = 8
	// InitialSize is the default writable capacity of a new buffer.
	InitialSize = 1024
)

// Buffer is a linear byte region with separate read and write cursors.
// It is not safe for concurrent use.
type Buffer struct {
	buf        []byte
	readIndex  int
	writeIndex int
}

// New creates a buffer with InitialSize writable bytes.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize creates a buffer with the given initial writable capacity.
func NewSize(initialSize int) *Buffer {
	if initialSize < 0 {
		initialSize = 0
	}
	return &Buffer{
		buf:        make([]byte, CheapPrepend+initialSize),
		readIndex:  CheapPrepend,
		writeIndex: CheapPrepend,
	}
}

// ReadableBytes returns the number of unread bytes.
func (b *Buffer) ReadableBytes() int {
	return b.writeIndex - b.readIndex
}

// WritableBytes returns the free space after the write cursor.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writeIndex
}

// PrependableBytes returns the space in front of the read cursor.
func (b *Buffer) PrependableBytes() int {
	return b.readIndex
}

// Cap returns the total size of the underlying region.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Peek returns the unread region without copying. The slice is only
// valid until the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readIndex:b.writeIndex]
}

// Retrieve consumes n bytes. Asking for more than is readable consumes
// everything.
func (b *Buffer) Retrieve(n int) {
	if n <= 0 {
		return
	}
	if n < b.ReadableBytes() {
		b.readIndex += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll consumes all unread bytes and resets both cursors to the
// reserved offset.
func (b *Buffer) RetrieveAll() {
	b.readIndex = CheapPrepend
	b.writeIndex = CheapPrepend
}

// RetrieveAsString consumes up to n bytes and returns them as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	if n <= 0 {
		return ""
	}
	s := string(b.buf[b.readIndex : b.readIndex+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString consumes everything and returns it as a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// Append copies p after the readable region, compacting or growing the
// buffer as needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	b.writeIndex += copy(b.buf[b.writeIndex:], p)
}

// AppendString is Append for strings.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.writeIndex += copy(b.buf[b.writeIndex:], s)
}

// Write implements io.Writer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// EnsureWritable makes room for at least n more bytes.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// WritableSlice returns the free region after the write cursor so a reader
// can deposit bytes directly. Call HasWritten afterwards.
func (b *Buffer) WritableSlice() []byte {
	return b.buf[b.writeIndex:]
}

// HasWritten advances the write cursor after n bytes were written into
// WritableSlice. The cursor never moves past the end of the region.
func (b *Buffer) HasWritten(n int) {
	if n <= 0 {
		return
	}
	if n > b.WritableBytes() {
		n = b.WritableBytes()
	}
	b.writeIndex += n
}

// makeSpace compacts the live region down to the reserved offset when the
// reclaimable space in front of it suffices, and grows the region otherwise.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		size := b.writeIndex + n
		if grown := 2 * len(b.buf); grown > size {
			size = grown
		}
		buf := make([]byte, size)
		copy(buf, b.buf[:b.writeIndex])
		b.buf = buf
		return
	}

	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readIndex:b.writeIndex])
	b.readIndex = CheapPrepend
	b.writeIndex = CheapPrepend + readable
}
