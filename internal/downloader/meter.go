package downloader

import "io"

// meter wraps a response body and observes the bytes flowing through
// it. onBytes fires on every read with the block length; onAdvance
// fires once at least interval bytes have accumulated since its last
// call, carrying the absolute file position. Position starts at base so
// resumed transfers report where the file stands, not where this
// connection started.
type meter struct {
	reader    io.Reader
	total     int64 // -1 when the server never declared a length
	position  int64 // absolute bytes, including the resumed prefix
	sinceLast int64
	interval  int64
	onBytes   func(n int64)
	onAdvance func(position int64, total int64)
}

func newMeter(r io.Reader, base, total, interval int64, onBytes func(n int64), onAdvance func(position, total int64)) *meter {
	return &meter{
		reader:    r,
		total:     total,
		position:  base,
		interval:  interval,
		onBytes:   onBytes,
		onAdvance: onAdvance,
	}
}

func (m *meter) Read(p []byte) (int, error) {
	n, err := m.reader.Read(p)
	if n > 0 {
		m.position += int64(n)
		m.sinceLast += int64(n)

		if m.onBytes != nil {
			m.onBytes(int64(n))
		}

		if m.onAdvance != nil && m.sinceLast >= m.interval {
			m.onAdvance(m.position, m.total)
			m.sinceLast = 0
		}
	}

	return n, err
}

// Position returns the absolute byte position after the last Read.
func (m *meter) Position() int64 {
	return m.position
}
