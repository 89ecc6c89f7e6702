package replica

import "io"

// prefixSource replays already-buffered bytes before reading from the live
// source. unusedPrefix exposes what of the prefix was never consumed, which
// the sync drivers use to assert the control buffer drained completely.
type prefixSource struct {
	pre []byte
	off int
	src io.Reader
}

func newPrefixSource(pre []byte, src io.Reader) *prefixSource {
	return &prefixSource{pre: pre, src: src}
}

func (p *prefixSource) Read(b []byte) (int, error) {
	if p.off < len(p.pre) {
		n := copy(b, p.pre[p.off:])
		p.off += n
		return n, nil
	}
	return p.src.Read(b)
}

func (p *prefixSource) unusedPrefix() []byte {
	return p.pre[p.off:]
}
