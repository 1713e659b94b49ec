package ddm

import (
	"time"

	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/go-delve/ddmbridge/pkg/logflags"
)

var (
	// TagHPIF carries heap summaries.
	TagHPIF = jdwp.TagOf("HPIF")
	// TagHPGC asks the VM to collect garbage.
	TagHPGC = jdwp.TagOf("HPGC")
)

// When a VM should send heap summaries.
const (
	HeapInfoNever   byte = 0
	HeapInfoNow     byte = 1
	HeapInfoNextGC  byte = 2
	HeapInfoEveryGC byte = 3
)

// Heap handles HPIF and HPGC.
type Heap struct{}

var heapLog = logflags.DDMLogger().WithField("handler", "heap")

// ClientReady is a no-op.
func (h *Heap) ClientReady(c Client) error { return nil }

// ClientDisconnected is a no-op.
func (h *Heap) ClientDisconnected(c Client) {}

// HandleChunk records heap summaries.
func (h *Heap) HandleChunk(c Client, tag jdwp.Tag, body []byte, isReply bool, id uint32) {
	switch tag {
	case TagHPIF:
		heaps, err := parseHeapInfo(body)
		if err != nil {
			heapLog.Warnf("pid %d: bad HPIF: %v", c.Pid(), err)
			return
		}
		for _, hi := range heaps {
			c.Data().setHeap(hi)
		}
		c.Changed(ChangeHeapData)
	case TagHPGC:
		// The reply carries no data.
	default:
		heapLog.Debugf("pid %d: unexpected chunk %s", c.Pid(), tag)
	}
}

// RequestHeapInfo asks the VM to send heap summaries, when is one of the
// HeapInfo constants.
func RequestHeapInfo(c Client, r *Registry, when byte) error {
	_, err := r.Send(c, TagHPIF, []byte{when})
	return err
}

// RequestGC asks the VM to collect garbage.
func RequestGC(c Client, r *Registry) error {
	_, err := r.Send(c, TagHPGC, nil)
	return err
}

// heapInfoSize is the encoded size of one HPIF record.
const heapInfoSize = 4 + 8 + 1 + 4*4

func parseHeapInfo(body []byte) ([]HeapInfo, error) {
	r := &bodyReader{b: body}
	n := r.count(heapInfoSize)
	heaps := make([]HeapInfo, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		var hi HeapInfo
		hi.HeapID = r.i32()
		hi.Timestamp = time.UnixMilli(int64(r.u64()))
		hi.Reason = r.u8()
		hi.MaxSizeBytes = int64(r.u32())
		hi.SizeBytes = int64(r.u32())
		hi.BytesAllocated = int64(r.u32())
		hi.ObjectsAllocated = int64(r.u32())
		if r.err == nil {
			heaps = append(heaps, hi)
		}
	}
	return heaps, r.err
}

// HeapInfoBody encodes an HPIF body.
func HeapInfoBody(heaps []HeapInfo) []byte {
	w := &bodyWriter{}
	w.u32(uint32(len(heaps)))
	for _, hi := range heaps {
		w.u32(uint32(hi.HeapID))
		w.u64(uint64(hi.Timestamp.UnixMilli()))
		w.u8(hi.Reason)
		w.u32(uint32(hi.MaxSizeBytes))
		w.u32(uint32(hi.SizeBytes))
		w.u32(uint32(hi.BytesAllocated))
		w.u32(uint32(hi.ObjectsAllocated))
	}
	return w.b
}
