package wal

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu   sync.Mutex
	data []byte
}

func (w *memWriter) Append(d []byte) error { w.mu.Lock(); defer w.mu.Unlock(); w.data = append(w.data, d...); return nil }
func (w *memWriter) Sync() error           { return nil }
func (w *memWriter) Close() error          { return nil }

type memDFS struct {
	mu    sync.Mutex
	files map[string]*memWriter
}

func newMemDFS() *memDFS { return &memDFS{files: make(map[string]*memWriter)} }

func (d *memDFS) Create(path string) (Writer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := &memWriter{}
	d.files[path] = w
	return w, nil
}
func (d *memDFS) Delete(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, path)
	return nil
}

type memMarker struct {
	mu    sync.Mutex
	state map[string]LogState
}

func newMemMarker() *memMarker { return &memMarker{state: make(map[string]LogState)} }

func (m *memMarker) Publish(ctx context.Context, ref LogRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[ref.Path] = ref.State
	return nil
}
func (m *memMarker) SetState(ctx context.Context, path string, s LogState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[path] = s
	return nil
}
func (m *memMarker) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, path)
	return nil
}

type alwaysHeld struct{}

func (alwaysHeld) VerifyLockAtSource(ctx context.Context) (bool, error) { return true, nil }

func newTestLogger(t *testing.T, maxSize int64) (*Logger, *memDFS, *memMarker) {
	t.Helper()
	dfs := newMemDFS()
	marker := newMemMarker()
	l := NewLogger(Config{
		Server: "ts1", DFS: dfs, Marker: marker, Verify: alwaysHeld{},
		Halt:    func(error) {},
		MaxSize: maxSize, MaxAge: time.Hour, Retries: 3, Backoff: time.Millisecond,
	})
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l, dfs, marker
}

func TestWriteDefinesTabletOnce(t *testing.T) {
	l, _, _ := newTestLogger(t, 1<<30)
	sessions := []SessionCommit{{SessionID: "s1", Extent: "t1;m"}}

	writes := 0
	err := l.Write(context.Background(), sessions, func(w Writer) error {
		writes++
		return w.Append([]byte("mutation-1"))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, writes)
	assert.True(t, sessions[0].DefinedInLog)

	// A second write for the same session in the same log must not
	// redefine the tablet.
	sessions2 := []SessionCommit{{SessionID: "s1", Extent: "t1;m"}}
	err = l.Write(context.Background(), sessions2, func(w Writer) error {
		return w.Append([]byte("mutation-2"))
	})
	require.NoError(t, err)

	cl := l.snapshotCurrent()
	l.mu.Lock()
	defined := l.definedTablets[cl.id]
	l.mu.Unlock()
	assert.True(t, defined["s1"])
}

func TestWriteAccumulatesBytesIntoCurrentLogSize(t *testing.T) {
	l, _, _ := newTestLogger(t, 1<<30)

	err := l.Write(context.Background(), nil, func(w Writer) error { return w.Append([]byte("hello")) })
	require.NoError(t, err)

	cl := l.snapshotCurrent()
	assert.EqualValues(t, len("hello"), cl.size)

	err = l.Write(context.Background(), nil, func(w Writer) error { return w.Append([]byte("!!")) })
	require.NoError(t, err)
	assert.EqualValues(t, len("hello")+len("!!"), l.snapshotCurrent().size)
}

func TestRotationAtMaxSizeOpensFreshLog(t *testing.T) {
	l, _, marker := newTestLogger(t, 5) // rotate once the log reaches 5 bytes
	first := l.snapshotCurrent()

	// This write lands exactly at the boundary: size goes from 0 to 5,
	// which must not itself trigger a rotation mid-write.
	err := l.Write(context.Background(), nil, func(w Writer) error { return w.Append([]byte("12345")) })
	require.NoError(t, err)
	assert.Equal(t, first.id, l.snapshotCurrent().id)
	assert.EqualValues(t, 5, l.snapshotCurrent().size)

	// The next write observes size >= maxSize and rotates before
	// appending anything to the old log.
	err = l.Write(context.Background(), nil, func(w Writer) error { return w.Append([]byte("x")) })
	require.NoError(t, err)

	second := l.snapshotCurrent()
	assert.NotEqual(t, first.id, second.id)
	assert.EqualValues(t, 1, second.size)

	marker.mu.Lock()
	closedState := marker.state[first.path]
	marker.mu.Unlock()
	assert.Equal(t, Closed, closedState)
}

func TestSelfHaltsWhenLockLostAfterRetriesExhausted(t *testing.T) {
	dfs := newMemDFS()
	marker := newMemMarker()
	halted := false
	l := NewLogger(Config{
		Server: "ts1", DFS: dfs, Marker: marker,
		Verify:  fakeVerify{held: false},
		Halt:    func(error) { halted = true },
		MaxSize: 1 << 30, MaxAge: time.Hour, Retries: 2, Backoff: time.Millisecond,
	})
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	err := l.Write(context.Background(), nil, func(w Writer) error {
		return assertErr2
	})
	require.Error(t, err)
	assert.True(t, halted)
}

type fakeVerify struct{ held bool }

func (f fakeVerify) VerifyLockAtSource(ctx context.Context) (bool, error) { return f.held, nil }

type errType string

func (e errType) Error() string { return string(e) }

var assertErr2 = errType("write failed")

func TestRecordRoundTrip(t *testing.T) {
	rec := DefineTabletRecord{SessionID: "s1", Extent: "t1;m", LogID: "log-1"}
	data, err := EncodeRecord(rec)
	require.NoError(t, err)

	typ, decoded, err := DecodeRecord(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, RecordDefineTablet, typ)
	assert.Equal(t, rec, decoded)
}

func TestRecordStreamMultipleFrames(t *testing.T) {
	rec1 := MutationRecord{SessionID: "s1", Mutation: []byte("m1"), Durability: DurabilitySync}
	rec2 := MutationRecord{SessionID: "s1", Mutation: []byte("m2"), Durability: DurabilityLog}

	d1, err := EncodeRecord(rec1)
	require.NoError(t, err)
	d2, err := EncodeRecord(rec2)
	require.NoError(t, err)

	stream := bytes.NewReader(append(append([]byte{}, d1...), d2...))

	typ, decoded, err := DecodeRecord(stream)
	require.NoError(t, err)
	assert.Equal(t, RecordMutation, typ)
	assert.Equal(t, rec1, decoded)

	typ, decoded, err = DecodeRecord(stream)
	require.NoError(t, err)
	assert.Equal(t, RecordMutation, typ)
	assert.Equal(t, rec2, decoded)
}
