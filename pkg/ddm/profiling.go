package ddm

import (
	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/go-delve/ddmbridge/pkg/logflags"
)

// TagMPRQ queries the method profiling state.
var TagMPRQ = jdwp.TagOf("MPRQ")

// Profiling handles MPRQ.
type Profiling struct{}

var profilingLog = logflags.DDMLogger().WithField("handler", "profiling")

// ClientReady is a no-op.
func (p *Profiling) ClientReady(c Client) error { return nil }

// ClientDisconnected is a no-op.
func (p *Profiling) ClientDisconnected(c Client) {}

// HandleChunk records the profiling state.
func (p *Profiling) HandleChunk(c Client, tag jdwp.Tag, body []byte, isReply bool, id uint32) {
	if tag != TagMPRQ {
		profilingLog.Debugf("pid %d: unexpected chunk %s", c.Pid(), tag)
		return
	}
	r := &bodyReader{b: body}
	var s ProfilingStatus
	switch r.u8() {
	case 0:
		s = ProfilingOff
	case 1:
		s = ProfilingTracing
	case 2:
		s = ProfilingSampling
	}
	if r.err != nil {
		profilingLog.Warnf("pid %d: bad MPRQ: %v", c.Pid(), r.err)
		return
	}
	c.Data().setProfiling(s)
	c.Changed(ChangeMethodProfilingStatus)
}

// RequestProfilingStatus asks the VM for its method profiling state.
func RequestProfilingStatus(c Client, r *Registry) error {
	_, err := r.Send(c, TagMPRQ, nil)
	return err
}
