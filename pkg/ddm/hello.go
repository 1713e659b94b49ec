package ddm

import (
	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/go-delve/ddmbridge/pkg/logflags"
)

var (
	// TagHELO is the protocol hello exchanged right after the handshake.
	TagHELO = jdwp.TagOf("HELO")
	// TagFEAT queries the VM features.
	TagFEAT = jdwp.TagOf("FEAT")
)

// ServerProtocolVersion is the DDM protocol version announced in HELO.
const ServerProtocolVersion = 1

// HelloRequest returns the body of the HELO request.
func HelloRequest() []byte {
	w := &bodyWriter{}
	w.u32(ServerProtocolVersion)
	return w.b
}

// Hello handles HELO and FEAT.
type Hello struct{}

var helloLog = logflags.DDMLogger().WithField("handler", "hello")

// ClientReady is a no-op, the hello is part of the handshake bootstrap.
func (h *Hello) ClientReady(c Client) error { return nil }

// ClientDisconnected is a no-op.
func (h *Hello) ClientDisconnected(c Client) {}

// HandleChunk decodes HELO and FEAT replies into the client data.
func (h *Hello) HandleChunk(c Client, tag jdwp.Tag, body []byte, isReply bool, id uint32) {
	switch tag {
	case TagHELO:
		reply, err := parseHello(body)
		if err != nil {
			helloLog.Warnf("pid %d: bad HELO: %v", c.Pid(), err)
			return
		}
		if reply.pid != c.Pid() {
			helloLog.Debugf("pid %d: HELO reports pid %d", c.Pid(), reply.pid)
		}
		c.Data().setHello(reply)
		helloLog.Debugf("pid %d: vm=%q app=%q abi=%q", c.Pid(), reply.vmIdent, reply.appName, reply.abi)
		c.Changed(ChangeName)
	case TagFEAT:
		features, err := parseFeatures(body)
		if err != nil {
			helloLog.Warnf("pid %d: bad FEAT: %v", c.Pid(), err)
			return
		}
		c.Data().addFeatures(features)
	default:
		helloLog.Debugf("pid %d: unexpected chunk %s", c.Pid(), tag)
	}
}

type helloReply struct {
	version          int
	pid              int
	vmIdent          string
	appName          string
	userID           int
	hasUserID        bool
	abi              string
	jvmFlags         string
	nativeDebuggable bool
	packageName      string
}

// parseHello decodes a HELO body. Older VMs stop after the application
// name, every later field is optional.
func parseHello(body []byte) (helloReply, error) {
	r := &bodyReader{b: body}
	var h helloReply
	h.version = r.i32()
	h.pid = r.i32()
	vmIdentLen := r.i32()
	appNameLen := r.i32()
	h.vmIdent = r.utf16(vmIdentLen)
	h.appName = r.utf16(appNameLen)
	if r.err != nil {
		return h, r.err
	}
	if r.remaining() >= 4 {
		h.userID = r.i32()
		h.hasUserID = true
	}
	if r.remaining() >= 4 {
		h.abi = r.prefixedUTF16()
	}
	if r.remaining() >= 4 {
		h.jvmFlags = r.prefixedUTF16()
	}
	if r.remaining() >= 1 {
		h.nativeDebuggable = r.u8() == 1
	}
	if r.remaining() >= 4 {
		h.packageName = r.prefixedUTF16()
	}
	return h, r.err
}

func parseFeatures(body []byte) ([]string, error) {
	r := &bodyReader{b: body}
	n := r.count(4)
	features := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		features = append(features, r.prefixedUTF16())
	}
	return features, r.err
}

// HelloBody encodes a HELO reply the way a current VM sends it.
func HelloBody(pid int, vmIdent, appName, abi, packageName string) []byte {
	w := &bodyWriter{}
	w.u32(ServerProtocolVersion)
	w.u32(uint32(pid))
	vm := &bodyWriter{}
	vmLen := vm.utf16(vmIdent)
	app := &bodyWriter{}
	appLen := app.utf16(appName)
	w.u32(uint32(vmLen))
	w.u32(uint32(appLen))
	w.b = append(w.b, vm.b...)
	w.b = append(w.b, app.b...)
	w.u32(0) // user id
	w.prefixedUTF16(abi)
	w.prefixedUTF16("")
	w.u8(0)
	w.prefixedUTF16(packageName)
	return w.b
}

// FeaturesBody encodes a FEAT reply.
func FeaturesBody(features []string) []byte {
	w := &bodyWriter{}
	w.u32(uint32(len(features)))
	for _, f := range features {
		w.prefixedUTF16(f)
	}
	return w.b
}
