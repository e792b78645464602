package peer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Frame flags.
const (
	// FlagGap marks a frame whose predecessor was dropped under buffer
	// overflow. Consumers treat it as "state may have skipped".
	FlagGap uint32 = 1 << iota
)

// Frame is one raw notification delivered for a subscribed handle, tagged
// with a monotonically increasing sequence number and arrival timestamp.
//
// IMPORTANT: Frame objects are pooled and reused. Data is only valid until
// the frame is released back to the pool; subscribers MUST copy it if they
// retain it beyond the callback invocation.
type Frame struct {
	Seq   uint64
	TsUs  int64
	Data  []byte
	Flags uint32
}

var framePool = sync.Pool{
	New: func() interface{} { return &Frame{Data: make([]byte, 0, 64)} },
}

var frameSeq atomic.Uint64

func newFrame(data []byte) *Frame {
	f := framePool.Get().(*Frame)
	f.TsUs = time.Now().UnixMicro()
	f.Seq = frameSeq.Add(1)
	f.Flags = 0
	if cap(f.Data) < len(data) {
		f.Data = make([]byte, len(data))
	}
	f.Data = f.Data[:len(data)]
	copy(f.Data, data)
	return f
}

func releaseFrame(f *Frame) {
	f.Seq = 0
	f.TsUs = 0
	f.Flags = 0

	// Don't let a single oversized notification pin a large buffer in the pool.
	const maxPooledBufferSize = 512
	if cap(f.Data) > maxPooledBufferSize {
		f.Data = make([]byte, 0, 64)
	} else {
		f.Data = f.Data[:0]
	}
	framePool.Put(f)
}
