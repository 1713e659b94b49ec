package cmds

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-delve/ddmbridge/pkg/client"
	"github.com/go-delve/ddmbridge/pkg/ddm"
	"github.com/go-delve/ddmbridge/pkg/device"
	"github.com/go-delve/ddmbridge/service/bridge"
)

// selector is the part of the bridge the printer uses to select a client.
type selector interface {
	SetSelectedClient(c *client.Client)
}

// printer writes bridge events as lines of text. If selectName is set
// the first client reporting that name becomes the selected client.
type printer struct {
	mu         sync.Mutex
	w          io.Writer
	sel        selector
	selectName string
}

func newPrinter(w io.Writer, sel selector) *printer {
	return &printer{w: w, sel: sel}
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) DeviceConnected(d *device.Device) {
	p.printf("device %s connected (%s)\n", d.Serial(), d.State())
}

func (p *printer) DeviceDisconnected(d *device.Device) {
	p.printf("device %s disconnected\n", d.Serial())
}

func (p *printer) DeviceChanged(d *device.Device, mask device.ChangeMask) {
	if mask&device.ChangeState != 0 {
		p.printf("device %s is %s\n", d.Serial(), d.State())
	}
	if mask&device.ChangeBuildInfo != 0 {
		model := d.Property(device.PropDeviceModel)
		if model == "" {
			model = "unknown model"
		}
		p.printf("device %s: %s, android %s\n", d.Serial(), model, d.Property(device.PropBuildVersion))
	}
	if mask&device.ChangeClientList != 0 {
		p.printf("device %s has %d clients\n", d.Serial(), len(d.Clients()))
	}
}

func (p *printer) ClientChanged(c *client.Client, mask ddm.ChangeMask) {
	info := c.Data().Snapshot()
	if mask&ddm.ChangeName != 0 {
		p.printf("client %s/%d: %s\n", c.Serial(), c.Pid(), info.Description)
		if p.selectName != "" && info.Description == p.selectName && p.sel != nil {
			p.sel.SetSelectedClient(c)
			p.printf("client %s/%d selected\n", c.Serial(), c.Pid())
		}
	}
	if mask&ddm.ChangeDebuggerStatus != 0 {
		p.printf("client %s/%d: debugger %s on port %d\n", c.Serial(), c.Pid(), info.DebuggerStatus, c.DebuggerPort())
	}
	if mask&ddm.ChangeHeapData != 0 {
		for _, h := range info.Heaps {
			p.printf("client %s/%d: heap %d %d/%d bytes, %d objects\n", c.Serial(), c.Pid(), h.HeapID, h.BytesAllocated, h.SizeBytes, h.ObjectsAllocated)
		}
	}
	if mask&ddm.ChangeMethodProfilingStatus != 0 {
		p.printf("client %s/%d: profiling %s\n", c.Serial(), c.Pid(), info.Profiling)
	}
}

func (p *printer) BridgeChanged(b *bridge.Bridge) {
	p.printf("bridge restarted\n")
}
