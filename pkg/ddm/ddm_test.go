package ddm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-delve/ddmbridge/pkg/jdwp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	data *ClientData

	mu      sync.Mutex
	sent    []jdwp.Tag
	ids     []uint32
	changes []ChangeMask
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: NewClientData(1234)}
}

func (c *fakeClient) Pid() int          { return 1234 }
func (c *fakeClient) Serial() string    { return "emulator-5554" }
func (c *fakeClient) Data() *ClientData { return c.data }

func (c *fakeClient) SendChunk(tag jdwp.Tag, body []byte, h Handler) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := jdwp.NextID()
	c.sent = append(c.sent, tag)
	c.ids = append(c.ids, id)
	return id, nil
}

func (c *fakeClient) Changed(mask ChangeMask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, mask)
}

type recordingHandler struct {
	ready, disconnected int
	chunks              []string
	replies             int
	readyErr            error
	panics              bool
}

func (h *recordingHandler) ClientReady(c Client) error {
	h.ready++
	if h.panics {
		panic("boom")
	}
	return h.readyErr
}

func (h *recordingHandler) ClientDisconnected(c Client) {
	h.disconnected++
	if h.panics {
		panic("boom")
	}
}

func (h *recordingHandler) HandleChunk(c Client, tag jdwp.Tag, body []byte, isReply bool, id uint32) {
	if h.panics {
		panic("boom")
	}
	h.chunks = append(h.chunks, tag.String()+":"+string(body))
	if isReply {
		h.replies++
	}
}

func TestDispatchByTag(t *testing.T) {
	r := NewRegistry()
	thst := &recordingHandler{}
	r.Register(jdwp.TagOf("THST"), thst)

	c := newFakeClient()
	r.Dispatch(c, jdwp.NewChunkPacket(jdwp.TagOf("THST"), []byte("abc")))
	r.Dispatch(c, jdwp.NewChunkPacket(jdwp.TagOf("ZZZZ"), []byte("dropped")))

	assert.Equal(t, []string{"THST:abc"}, thst.chunks)
	assert.Equal(t, 0, thst.replies)
}

func TestLastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	first, second := &recordingHandler{}, &recordingHandler{}
	r.Register(jdwp.TagOf("THST"), first)
	r.Register(jdwp.TagOf("THST"), second)

	r.Dispatch(newFakeClient(), jdwp.NewChunkPacket(jdwp.TagOf("THST"), nil))
	assert.Empty(t, first.chunks)
	assert.Len(t, second.chunks, 1)
}

func TestBroadcastNotifiesDistinctHandlersOnce(t *testing.T) {
	r := NewRegistry()
	shared := &recordingHandler{}
	other := &recordingHandler{}
	r.Register(jdwp.TagOf("HPIF"), shared)
	r.Register(jdwp.TagOf("HPGC"), shared)
	r.Register(jdwp.TagOf("THST"), other)

	c := newFakeClient()
	r.BroadcastReady(c)
	r.BroadcastDisconnected(c)

	assert.Equal(t, 1, shared.ready)
	assert.Equal(t, 1, shared.disconnected)
	assert.Equal(t, 1, other.ready)
	assert.Equal(t, 1, other.disconnected)
}

func TestBroadcastSurvivesMisbehavingHandlers(t *testing.T) {
	r := NewRegistry()
	bad := &recordingHandler{panics: true}
	failing := &recordingHandler{readyErr: errors.New("nope")}
	good := &recordingHandler{}
	r.Register(jdwp.TagOf("AAAA"), bad)
	r.Register(jdwp.TagOf("BBBB"), failing)
	r.Register(jdwp.TagOf("CCCC"), good)

	c := newFakeClient()
	r.BroadcastReady(c)
	r.BroadcastDisconnected(c)
	r.Dispatch(c, jdwp.NewChunkPacket(jdwp.TagOf("AAAA"), nil))

	assert.Equal(t, 1, good.ready)
	assert.Equal(t, 1, good.disconnected)
	assert.Equal(t, 1, failing.ready)
	assert.Equal(t, 1, bad.ready)
}

func TestDispatchReply(t *testing.T) {
	r := NewRegistry()
	h := &recordingHandler{}
	c := newFakeClient()

	reply := jdwp.NewReplyPacket(7, 0, jdwp.AppendChunk(nil, jdwp.TagOf("THST"), []byte("x")))
	r.DispatchReply(c, reply, h)
	assert.Equal(t, []string{"THST:x"}, h.chunks)
	assert.Equal(t, 1, h.replies)

	r.DispatchReply(c, jdwp.NewReplyPacket(8, 10, nil), h)
	r.DispatchReply(c, jdwp.NewReplyPacket(9, 0, jdwp.AppendChunk(nil, TagFAIL, FailBody(2, "denied"))), h)
	assert.Len(t, h.chunks, 1)
}

func TestBootstrapSendsHelloFeaturesProfiling(t *testing.T) {
	r := NewRegistry()
	RegisterDefaults(r)
	c := newFakeClient()
	helloID, err := Bootstrap(c, r)
	require.NoError(t, err)
	assert.Equal(t, []jdwp.Tag{TagHELO, TagFEAT, TagMPRQ}, c.sent)
	assert.Equal(t, c.ids[0], helloID)
}

func TestSendWithoutHandler(t *testing.T) {
	_, err := NewRegistry().Send(newFakeClient(), TagHELO, nil)
	require.Error(t, err)
}

func TestHelloReply(t *testing.T) {
	r := NewRegistry()
	RegisterDefaults(r)
	c := newFakeClient()

	body := HelloBody(1234, "Dalvik v2.1.0", "com.example.app", "arm64-v8a", "com.example")
	r.DispatchReply(c, jdwp.NewReplyPacket(1, 0, jdwp.AppendChunk(nil, TagHELO, body)), r.Handler(TagHELO))
	r.DispatchReply(c, jdwp.NewReplyPacket(2, 0, jdwp.AppendChunk(nil, TagFEAT, FeaturesBody([]string{"hprof-heap-dump", "method-trace-profiling"}))), r.Handler(TagFEAT))

	info := c.data.Snapshot()
	assert.Equal(t, 1, info.ProtocolVersion)
	assert.Equal(t, "Dalvik v2.1.0", info.VMIdentifier)
	assert.Equal(t, "com.example.app", info.Description)
	assert.Equal(t, "arm64-v8a", info.ABI)
	assert.Equal(t, "com.example", info.PackageName)
	assert.True(t, info.HasUserID)
	assert.Equal(t, []string{"hprof-heap-dump", "method-trace-profiling"}, info.Features)
	assert.True(t, c.data.HasFeature("hprof-heap-dump"))
	assert.Equal(t, []ChangeMask{ChangeName}, c.changes)
}

func TestOldHelloReply(t *testing.T) {
	w := &bodyWriter{}
	w.u32(1)
	w.u32(42)
	w.u32(2)
	w.u32(3)
	w.utf16("vm")
	w.utf16("app")
	h, err := parseHello(w.b)
	require.NoError(t, err)
	assert.Equal(t, 42, h.pid)
	assert.Equal(t, "vm", h.vmIdent)
	assert.Equal(t, "app", h.appName)
	assert.False(t, h.hasUserID)
}

func TestTruncatedHello(t *testing.T) {
	_, err := parseHello([]byte{0, 0, 0, 1, 0, 0})
	require.Error(t, err)
}

func TestHeapInfo(t *testing.T) {
	r := NewRegistry()
	RegisterDefaults(r)
	c := newFakeClient()

	ts := time.UnixMilli(1700000000123)
	body := HeapInfoBody([]HeapInfo{{HeapID: 1, Timestamp: ts, Reason: HeapInfoNow, MaxSizeBytes: 512 << 20, SizeBytes: 8 << 20, BytesAllocated: 4 << 20, ObjectsAllocated: 1000}})
	r.Dispatch(c, jdwp.NewChunkPacket(TagHPIF, body))

	hi, ok := c.data.Heap(1)
	require.True(t, ok)
	assert.True(t, ts.Equal(hi.Timestamp))
	assert.Equal(t, int64(512<<20), hi.MaxSizeBytes)
	assert.Equal(t, int64(1000), hi.ObjectsAllocated)
	assert.Equal(t, []ChangeMask{ChangeHeapData}, c.changes)

	require.NoError(t, RequestHeapInfo(c, r, HeapInfoEveryGC))
	require.NoError(t, RequestGC(c, r))
	assert.Equal(t, []jdwp.Tag{TagHPIF, TagHPGC}, c.sent)
}

func TestProfilingStatus(t *testing.T) {
	r := NewRegistry()
	RegisterDefaults(r)
	c := newFakeClient()
	r.DispatchReply(c, jdwp.NewReplyPacket(3, 0, jdwp.AppendChunk(nil, TagMPRQ, []byte{2})), r.Handler(TagMPRQ))
	assert.Equal(t, ProfilingSampling, c.data.Profiling())
}

func TestParseFail(t *testing.T) {
	err := ParseFail(FailBody(5, "no such heap"))
	assert.Equal(t, 5, err.Code)
	assert.Equal(t, "no such heap", err.Message)
}

func TestRecordCountBoundedByBody(t *testing.T) {
	for _, count := range [][]byte{{0x7F, 0xFF, 0xFF, 0xFF}, {0xFF, 0xFF, 0xFF, 0xFF}} {
		heaps, err := parseHeapInfo(count)
		assert.ErrorIs(t, err, errShortBody)
		assert.Empty(t, heaps)

		features, err := parseFeatures(count)
		assert.ErrorIs(t, err, errShortBody)
		assert.Empty(t, features)
	}

	// Two records announced, one sent.
	body := HeapInfoBody([]HeapInfo{{HeapID: 1, Timestamp: time.UnixMilli(1)}})
	body[3] = 2
	_, err := parseHeapInfo(body)
	assert.ErrorIs(t, err, errShortBody)
}

func TestHugeHeapCountIsDropped(t *testing.T) {
	r := NewRegistry()
	RegisterDefaults(r)
	c := newFakeClient()
	r.Dispatch(c, jdwp.NewChunkPacket(TagHPIF, []byte{0x7F, 0xFF, 0xFF, 0xFF}))
	_, ok := c.data.Heap(0)
	assert.False(t, ok)
	assert.Empty(t, c.changes)
}
