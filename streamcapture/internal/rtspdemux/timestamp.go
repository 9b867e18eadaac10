package rtspdemux

// tsUnwrapper turns 32-bit RTP timestamps into a monotonic-capable 64-bit
// tick count starting at 0 for the first packet. Differences are taken as
// signed so reordered B-frame timestamps step backwards instead of
// wrapping forward by 2^32.
type tsUnwrapper struct {
	init bool
	last uint32
	acc  int64
}

func (w *tsUnwrapper) unwrap(ts uint32) int64 {
	if !w.init {
		w.init = true
		w.last = ts
		return 0
	}
	w.acc += int64(int32(ts - w.last))
	w.last = ts
	return w.acc
}
