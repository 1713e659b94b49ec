package ddm

import (
	"sort"
	"sync"
	"time"
)

// ChangeMask describes what changed in a client.
type ChangeMask int

const (
	ChangeName ChangeMask = 1 << iota
	ChangeDebuggerStatus
	ChangePort
	ChangeThreadMode
	ChangeThreadData
	ChangeHeapMode
	ChangeHeapData
	ChangeNativeHeapData
	ChangeThreadStacktrace
	ChangeHeapAllocations
	ChangeHeapAllocationStatus
	ChangeMethodProfilingStatus

	// ChangeInfo covers the properties every listener usually shows.
	ChangeInfo = ChangeName | ChangeDebuggerStatus | ChangePort
)

// DebuggerStatus is the state of the debugger attached through a proxy.
type DebuggerStatus int

const (
	// DebuggerDefault means no debugger is attached.
	DebuggerDefault DebuggerStatus = iota
	// DebuggerWaiting means the process is waiting for a debugger.
	DebuggerWaiting
	// DebuggerAttached means a debugger completed its handshake.
	DebuggerAttached
	// DebuggerError means the proxy could not be set up.
	DebuggerError
)

func (s DebuggerStatus) String() string {
	switch s {
	case DebuggerWaiting:
		return "waiting"
	case DebuggerAttached:
		return "attached"
	case DebuggerError:
		return "error"
	}
	return "default"
}

// ProfilingStatus is the method profiling state reported by MPRQ.
type ProfilingStatus int

const (
	ProfilingUnknown ProfilingStatus = iota
	ProfilingOff
	ProfilingTracing
	ProfilingSampling
)

func (s ProfilingStatus) String() string {
	switch s {
	case ProfilingOff:
		return "off"
	case ProfilingTracing:
		return "tracing"
	case ProfilingSampling:
		return "sampling"
	}
	return "unknown"
}

// HeapInfo is the summary of one heap, as sent by HPIF.
type HeapInfo struct {
	HeapID           int
	Timestamp        time.Time
	Reason           byte
	MaxSizeBytes     int64
	SizeBytes        int64
	BytesAllocated   int64
	ObjectsAllocated int64
}

// Info is a copy of the data known about a client.
type Info struct {
	Pid              int
	ProtocolVersion  int
	VMIdentifier     string
	Description      string
	PackageName      string
	UserID           int
	HasUserID        bool
	ABI              string
	JVMFlags         string
	NativeDebuggable bool
	Features         []string
	Heaps            []HeapInfo
	Profiling        ProfilingStatus
	DebuggerStatus   DebuggerStatus
}

// ClientData accumulates what DDM chunks tell about a process. It is
// owned by the client session and mutated by chunk handlers.
type ClientData struct {
	mu   sync.Mutex
	info Info

	features map[string]bool
	heaps    map[int]HeapInfo
}

// NewClientData returns the data of process pid.
func NewClientData(pid int) *ClientData {
	return &ClientData{
		info:     Info{Pid: pid},
		features: make(map[string]bool),
		heaps:    make(map[int]HeapInfo),
	}
}

// Snapshot returns a copy of the current data.
func (d *ClientData) Snapshot() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := d.info
	info.Features = make([]string, 0, len(d.features))
	for f := range d.features {
		info.Features = append(info.Features, f)
	}
	sort.Strings(info.Features)
	info.Heaps = make([]HeapInfo, 0, len(d.heaps))
	for _, h := range d.heaps {
		info.Heaps = append(info.Heaps, h)
	}
	sort.Slice(info.Heaps, func(i, j int) bool { return info.Heaps[i].HeapID < info.Heaps[j].HeapID })
	return info
}

// Description returns the application name, empty until HELO is handled.
func (d *ClientData) Description() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.Description
}

// HasFeature reports whether the VM advertised feature.
func (d *ClientData) HasFeature(feature string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features[feature]
}

// Heap returns the latest summary of heap id.
func (d *ClientData) Heap(id int) (HeapInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.heaps[id]
	return h, ok
}

// DebuggerStatus returns the state of the attached debugger.
func (d *ClientData) DebuggerStatus() DebuggerStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.DebuggerStatus
}

// SetDebuggerStatus records the state of the attached debugger and
// reports whether it changed.
func (d *ClientData) SetDebuggerStatus(s DebuggerStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.info.DebuggerStatus == s {
		return false
	}
	d.info.DebuggerStatus = s
	return true
}

// Profiling returns the last reported method profiling state.
func (d *ClientData) Profiling() ProfilingStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.Profiling
}

func (d *ClientData) setHello(h helloReply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info.ProtocolVersion = h.version
	d.info.VMIdentifier = h.vmIdent
	d.info.Description = h.appName
	if h.hasUserID {
		d.info.UserID = h.userID
		d.info.HasUserID = true
	}
	if h.abi != "" {
		d.info.ABI = h.abi
	}
	if h.jvmFlags != "" {
		d.info.JVMFlags = h.jvmFlags
	}
	d.info.NativeDebuggable = h.nativeDebuggable
	if h.packageName != "" {
		d.info.PackageName = h.packageName
	}
}

func (d *ClientData) addFeatures(features []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range features {
		d.features[f] = true
	}
}

func (d *ClientData) setHeap(h HeapInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heaps[h.HeapID] = h
}

func (d *ClientData) setProfiling(s ProfilingStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info.Profiling = s
}
