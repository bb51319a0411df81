package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sheerbytes/streamrec/pkg/protocol"
)

type countingSink struct {
	bytes    atomic.Int64
	sessions atomic.Int64
}

func (c *countingSink) AddBytes(n int64)   { c.bytes.Add(n) }
func (c *countingSink) IncrementSessions() { c.sessions.Add(1) }

type memCatalog struct {
	mu       sync.Mutex
	sessions []Summary
}

func (m *memCatalog) RecordSession(_ context.Context, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *countingSink, string) {
	t.Helper()
	dir := t.TempDir()
	sink := &countingSink{}
	reg := New(Options{
		Root:   dir,
		Stats:  sink,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return reg, sink, dir
}

func mustIngest(t *testing.T, reg *Registry, msg protocol.Message) Result {
	t.Helper()
	res, err := reg.Ingest(context.Background(), msg)
	if err != nil {
		t.Fatalf("Ingest(%+v) error = %v", msg, err)
	}
	return res
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

func TestRegistry_WriteThenStop(t *testing.T) {
	reg, sink, dir := newTestRegistry(t)
	catalog := &memCatalog{}
	reg.catalog = catalog

	first := mustIngest(t, reg, protocol.Data{SessionID: "7", Name: "demo", Timestamp: 1000, Payload: []byte("AAAA")})
	if !first.Created {
		t.Error("first Data should create the session")
	}
	second := mustIngest(t, reg, protocol.Data{SessionID: "7", Name: "demo", Timestamp: 1000, Payload: []byte("BBBB")})
	if second.Created {
		t.Error("second Data should reuse the session")
	}
	if second.Bytes != 8 {
		t.Errorf("running bytes = %d, want 8", second.Bytes)
	}

	stop := mustIngest(t, reg, protocol.Stop{SessionID: "7"})
	if !stop.Closed {
		t.Error("Stop should close the session")
	}

	path := filepath.Join(dir, "demo_7_1000.webm")
	if got := readFile(t, path); got != "AAAABBBB" {
		t.Errorf("file contents = %q, want AAAABBBB", got)
	}
	if sink.sessions.Load() != 1 {
		t.Errorf("totalSessions delta = %d, want 1", sink.sessions.Load())
	}
	if sink.bytes.Load() != 8 {
		t.Errorf("totalBytes delta = %d, want 8", sink.bytes.Load())
	}
	if reg.IsActive("7") {
		t.Error("session 7 still active after Stop")
	}

	if len(catalog.sessions) != 1 {
		t.Fatalf("catalog entries = %d, want 1", len(catalog.sessions))
	}
	entry := catalog.sessions[0]
	if entry.Path != path || entry.BytesWritten != 8 || entry.Chunks != 2 || entry.Digest == "" {
		t.Errorf("catalog entry = %+v", entry)
	}
}

func TestRegistry_ConcurrentSessionsStaySeparate(t *testing.T) {
	reg, _, dir := newTestRegistry(t)

	sessions := []string{"5", "9"}
	var wg sync.WaitGroup
	for _, id := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				payload := []byte(fmt.Sprintf("[%s-%d]", id, i))
				if _, err := reg.Ingest(context.Background(), protocol.Data{SessionID: id, Name: "tab", Timestamp: 1, Payload: payload}); err != nil {
					t.Errorf("Ingest(%s, %d) error = %v", id, i, err)
				}
				time.Sleep(time.Millisecond)
			}
		}(id)
	}
	wg.Wait()

	if got := reg.ActiveSessions(); len(got) != 2 || got[0] != "5" || got[1] != "9" {
		t.Errorf("ActiveSessions() = %v, want [5 9]", got)
	}

	for _, id := range sessions {
		mustIngest(t, reg, protocol.Stop{SessionID: id})
		want := fmt.Sprintf("[%s-0][%s-1][%s-2]", id, id, id)
		if got := readFile(t, filepath.Join(dir, "tab_"+id+"_1.webm")); got != want {
			t.Errorf("session %s contents = %q, want %q", id, got, want)
		}
	}
}

func TestRegistry_DataAfterStopRejected(t *testing.T) {
	reg, sink, dir := newTestRegistry(t)

	mustIngest(t, reg, protocol.Data{SessionID: "3", Name: "x", Timestamp: 5, Payload: []byte("abc")})
	mustIngest(t, reg, protocol.Stop{SessionID: "3"})

	_, err := reg.Ingest(context.Background(), protocol.Data{SessionID: "3", Name: "x", Timestamp: 5, Payload: []byte("def")})
	if !errors.Is(err, ErrState) {
		t.Fatalf("Ingest after Stop error = %v, want state error", err)
	}
	if !errors.Is(err, ErrAlreadyStopped) {
		t.Errorf("Ingest after Stop error = %v, want ErrAlreadyStopped", err)
	}
	if KindOf(err) != KindState {
		t.Errorf("KindOf() = %v, want state", KindOf(err))
	}

	if got := readFile(t, filepath.Join(dir, "x_3_5.webm")); got != "abc" {
		t.Errorf("file contents = %q, want abc", got)
	}
	if reg.IsActive("3") {
		t.Error("rejected Data reopened session 3")
	}
	if sink.sessions.Load() != 1 || sink.bytes.Load() != 3 {
		t.Errorf("stats = %d sessions / %d bytes, want 1 / 3", sink.sessions.Load(), sink.bytes.Load())
	}
}

func TestRegistry_StopIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	// Stop for an unknown session is a no-op.
	res := mustIngest(t, reg, protocol.Stop{SessionID: "never"})
	if res.Closed {
		t.Error("Stop for unknown session reported Closed")
	}

	mustIngest(t, reg, protocol.Data{SessionID: "1", Name: "a", Timestamp: 1, Payload: []byte("x")})
	if res := mustIngest(t, reg, protocol.Stop{SessionID: "1"}); !res.Closed {
		t.Error("first Stop should close")
	}
	if res := mustIngest(t, reg, protocol.Stop{SessionID: "1"}); res.Closed {
		t.Error("second Stop should be a no-op")
	}
}

func TestRegistry_StatsTotals(t *testing.T) {
	reg, sink, _ := newTestRegistry(t)

	const sessions = 4
	const chunks = 5
	const chunkSize = 32

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", s)
			for c := 0; c < chunks; c++ {
				payload := make([]byte, chunkSize)
				if _, err := reg.Ingest(context.Background(), protocol.Data{SessionID: id, Name: "n", Timestamp: 1, Payload: payload}); err != nil {
					t.Errorf("Ingest error = %v", err)
				}
			}
			if _, err := reg.Ingest(context.Background(), protocol.Stop{SessionID: id}); err != nil {
				t.Errorf("Stop error = %v", err)
			}
		}(s)
	}
	wg.Wait()

	if got := sink.sessions.Load(); got != sessions {
		t.Errorf("sessions = %d, want %d", got, sessions)
	}
	if got := sink.bytes.Load(); got != sessions*chunks*chunkSize {
		t.Errorf("bytes = %d, want %d", got, sessions*chunks*chunkSize)
	}
	if reg.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", reg.ActiveCount())
	}
}

func TestRegistry_EmptyChunkOpensFile(t *testing.T) {
	reg, sink, dir := newTestRegistry(t)

	res := mustIngest(t, reg, protocol.Data{SessionID: "e", Name: "empty", Timestamp: 2})
	if !res.Created || res.Bytes != 0 {
		t.Errorf("Result = %+v, want created with 0 bytes", res)
	}
	mustIngest(t, reg, protocol.Stop{SessionID: "e"})

	info, err := os.Stat(filepath.Join(dir, "empty_e_2.webm"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("file size = %d, want 0", info.Size())
	}
	if sink.sessions.Load() != 1 {
		t.Errorf("sessions = %d, want 1", sink.sessions.Load())
	}
}

func TestRegistry_StoppedTTL(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1000, 0)
	reg := New(Options{
		Root:       dir,
		StoppedTTL: time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return now },
	})

	mustIngest(t, reg, protocol.Data{SessionID: "42", Name: "tab", Timestamp: 1, Payload: []byte("a")})
	mustIngest(t, reg, protocol.Stop{SessionID: "42"})

	if _, err := reg.Ingest(context.Background(), protocol.Data{SessionID: "42", Name: "tab", Timestamp: 2, Payload: []byte("b")}); !errors.Is(err, ErrState) {
		t.Fatalf("Ingest inside TTL error = %v, want state error", err)
	}

	now = now.Add(2 * time.Minute)
	res := mustIngest(t, reg, protocol.Data{SessionID: "42", Name: "tab", Timestamp: 2, Payload: []byte("b")})
	if !res.Created {
		t.Error("Data after TTL should start a new session")
	}
	if got := readFile(t, filepath.Join(dir, "tab_42_2.webm")); got != "b" {
		t.Errorf("new file contents = %q, want b", got)
	}
}

func TestRegistry_SetRoot(t *testing.T) {
	reg, _, dir := newTestRegistry(t)

	mustIngest(t, reg, protocol.Data{SessionID: "old", Name: "n", Timestamp: 1, Payload: []byte("1")})

	newDir := filepath.Join(t.TempDir(), "nested", "recordings")
	if err := reg.SetRoot(newDir); err != nil {
		t.Fatalf("SetRoot() error = %v", err)
	}
	if reg.Root() != newDir {
		t.Errorf("Root() = %s, want %s", reg.Root(), newDir)
	}

	// Open sessions keep their original file.
	mustIngest(t, reg, protocol.Data{SessionID: "old", Name: "n", Timestamp: 1, Payload: []byte("2")})
	mustIngest(t, reg, protocol.Data{SessionID: "new", Name: "n", Timestamp: 1, Payload: []byte("3")})
	reg.CloseAll(context.Background())

	if got := readFile(t, filepath.Join(dir, "n_old_1.webm")); got != "12" {
		t.Errorf("old session contents = %q, want 12", got)
	}
	if got := readFile(t, filepath.Join(newDir, "n_new_1.webm")); got != "3" {
		t.Errorf("new session contents = %q, want 3", got)
	}
}

func TestRegistry_SetRootFailure(t *testing.T) {
	reg, _, dir := newTestRegistry(t)

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	err := reg.SetRoot(filepath.Join(blocker, "sub"))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("SetRoot() error = %v, want config error", err)
	}
	if reg.Root() != dir {
		t.Errorf("Root() = %s, want unchanged %s", reg.Root(), dir)
	}
}

func TestRegistry_ValidationErrors(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	if _, err := reg.Ingest(context.Background(), nil); !errors.Is(err, ErrValidation) {
		t.Errorf("Ingest(nil) error = %v, want validation error", err)
	}
	if _, err := reg.Ingest(context.Background(), protocol.Data{Name: "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Ingest(no session) error = %v, want validation error", err)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	reg, _, dir := newTestRegistry(t)

	mustIngest(t, reg, protocol.Data{SessionID: "a", Name: "n", Timestamp: 1, Payload: []byte("aa")})
	mustIngest(t, reg, protocol.Data{SessionID: "b", Name: "n", Timestamp: 1, Payload: []byte("bb")})

	if n := reg.CloseAll(context.Background()); n != 2 {
		t.Errorf("CloseAll() = %d, want 2", n)
	}
	if reg.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", reg.ActiveCount())
	}
	if got := readFile(t, filepath.Join(dir, "n_a_1.webm")); got != "aa" {
		t.Errorf("contents = %q, want aa", got)
	}
}

func TestRegistry_Sessions(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	mustIngest(t, reg, protocol.Data{SessionID: "q", Name: "n", Timestamp: 1, Payload: []byte("1234")})
	info, ok := reg.Session("q")
	if !ok {
		t.Fatal("Session(q) not found")
	}
	if info.BytesWritten != 4 || info.Chunks != 1 || info.State != StateActive {
		t.Errorf("Session(q) = %+v", info)
	}
	if _, ok := reg.Session("missing"); ok {
		t.Error("Session(missing) found")
	}
	if all := reg.Sessions(); len(all) != 1 || all[0].SessionID != "q" {
		t.Errorf("Sessions() = %+v", all)
	}
}

func TestRecordingFilename(t *testing.T) {
	tests := []struct {
		name      string
		recName   string
		sessionID string
		ts        int64
		ext       string
		want      string
	}{
		{"plain", "demo", "7", 1000, "", "demo_7_1000.webm"},
		{"custom extension without dot", "demo", "7", 1, "mkv", "demo_7_1.mkv"},
		{"path separators", "../../etc/passwd", "7", 1, ".webm", "_.._etc_passwd_7_1.webm"},
		{"empty name", "", "7", 1, ".webm", "recording_7_1.webm"},
		{"reserved characters in id", "a", "x:y*z", 1, ".webm", "a_x_y_z_1.webm"},
		{"control characters", "a\x00b", "1", 1, ".webm", "ab_1_1.webm"},
		{"dots only", "..", "..", 1, ".webm", "recording_session_1.webm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recordingFilename(tt.recName, tt.sessionID, tt.ts, tt.ext)
			if got != tt.want {
				t.Errorf("recordingFilename() = %q, want %q", got, tt.want)
			}
			if filepath.Base(got) != got {
				t.Errorf("recordingFilename() = %q escapes its directory", got)
			}
		})
	}
}

func TestRegistry_CollidingFilenamesStaySeparate(t *testing.T) {
	reg, _, dir := newTestRegistry(t)

	// Both ids sanitize to "a_b".
	mustIngest(t, reg, protocol.Data{SessionID: "a/b", Name: "demo", Timestamp: 1000, Payload: []byte("AAAA")})
	mustIngest(t, reg, protocol.Data{SessionID: "a_b", Name: "demo", Timestamp: 1000, Payload: []byte("BBBB")})

	first, _ := reg.Session("a/b")
	second, _ := reg.Session("a_b")
	if first.Path == second.Path {
		t.Fatalf("sessions share path %s", first.Path)
	}

	mustIngest(t, reg, protocol.Stop{SessionID: "a/b"})
	mustIngest(t, reg, protocol.Stop{SessionID: "a_b"})

	if got := readFile(t, filepath.Join(dir, "demo_a_b_1000.webm")); got != "AAAA" {
		t.Errorf("first session contents = %q, want AAAA", got)
	}
	if got := readFile(t, filepath.Join(dir, "demo_a_b_1000_1.webm")); got != "BBBB" {
		t.Errorf("second session contents = %q, want BBBB", got)
	}
}

func TestRegistry_ExistingFileNotAppended(t *testing.T) {
	reg, _, dir := newTestRegistry(t)

	existing := filepath.Join(dir, "demo_7_1000.webm")
	if err := os.WriteFile(existing, []byte("OLD!"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	mustIngest(t, reg, protocol.Data{SessionID: "7", Name: "demo", Timestamp: 1000, Payload: []byte("AAAA")})
	mustIngest(t, reg, protocol.Stop{SessionID: "7"})

	if got := readFile(t, existing); got != "OLD!" {
		t.Errorf("existing file contents = %q, want OLD!", got)
	}
	if got := readFile(t, filepath.Join(dir, "demo_7_1000_1.webm")); got != "AAAA" {
		t.Errorf("new file contents = %q, want AAAA", got)
	}
}

func TestRegistry_DataRacingStop(t *testing.T) {
	reg, sink, dir := newTestRegistry(t)

	const rounds = 200
	var accepted int64
	for i := 0; i < rounds; i++ {
		id := fmt.Sprintf("r%d", i)
		mustIngest(t, reg, protocol.Data{SessionID: id, Name: "race", Timestamp: 1, Payload: []byte("A")})

		start := make(chan struct{})
		var wg sync.WaitGroup
		var dataErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, dataErr = reg.Ingest(context.Background(), protocol.Data{SessionID: id, Name: "race", Timestamp: 1, Payload: []byte("X")})
		}()
		go func() {
			defer wg.Done()
			<-start
			if _, err := reg.Ingest(context.Background(), protocol.Stop{SessionID: id}); err != nil {
				t.Errorf("Stop(%s) error = %v", id, err)
			}
		}()
		close(start)
		wg.Wait()

		got := readFile(t, filepath.Join(dir, "race_"+id+"_1.webm"))
		switch {
		case dataErr == nil:
			accepted++
			if got != "AX" {
				t.Errorf("%s: accepted Data missing from file, contents = %q", id, got)
			}
		case errors.Is(dataErr, ErrState):
			if got != "A" {
				t.Errorf("%s: rejected Data reached file, contents = %q", id, got)
			}
		default:
			t.Errorf("%s: Data error = %v, want nil or state error", id, dataErr)
		}
		if reg.IsActive(id) {
			t.Errorf("%s still active after Stop", id)
		}
	}

	if want := int64(rounds) + accepted; sink.bytes.Load() != want {
		t.Errorf("totalBytes = %d, want %d", sink.bytes.Load(), want)
	}
}

func TestRegistry_SweepsExpiredTombstones(t *testing.T) {
	now := time.Unix(1000, 0)
	reg := New(Options{
		Root:       t.TempDir(),
		StoppedTTL: time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return now },
	})

	for _, id := range []string{"a", "b"} {
		mustIngest(t, reg, protocol.Data{SessionID: id, Name: "n", Timestamp: 1, Payload: []byte("x")})
		mustIngest(t, reg, protocol.Stop{SessionID: id})
	}

	now = now.Add(2 * time.Minute)
	mustIngest(t, reg, protocol.Data{SessionID: "c", Name: "n", Timestamp: 1, Payload: []byte("x")})
	mustIngest(t, reg, protocol.Stop{SessionID: "c"})

	reg.createMu.Lock()
	defer reg.createMu.Unlock()
	if len(reg.stopped) != 1 {
		t.Errorf("tombstones = %v, want only c", reg.stopped)
	}
	if _, ok := reg.stopped["c"]; !ok {
		t.Error("tombstone for c missing")
	}
}
