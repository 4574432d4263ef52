package transfer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/backend/backendtest"
	"github.com/gezibash/git-lfs-walrus/internal/config"
	"github.com/gezibash/git-lfs-walrus/internal/lookup"
	"github.com/gezibash/git-lfs-walrus/internal/pointer"
	"github.com/gezibash/git-lfs-walrus/internal/pointerindex/memory"
)

type reply struct {
	Event      string     `json:"event"`
	OID        string     `json:"oid"`
	Path       string     `json:"path"`
	BlobID     string     `json:"blobId"`
	Epoch      uint64     `json:"epoch"`
	BytesSoFar int64      `json:"bytesSoFar"`
	Error      *ErrorBody `json:"error"`
}

func testConfig(t *testing.T) Config {
	return Config{
		Concurrency:   8,
		DefaultEpochs: 50,
		DownloadDir:   t.TempDir(),
	}
}

func newAgent(t *testing.T, b backend.Backend, r Resolver, cfg Config) *Agent {
	t.Helper()
	a, err := New(b, r, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func encode(t *testing.T, events ...any) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	for _, ev := range events {
		switch v := ev.(type) {
		case string:
			buf.WriteString(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				t.Fatal(err)
			}
			buf.Write(data)
		}
		buf.WriteByte('\n')
	}
	return bytes.NewReader(buf.Bytes())
}

// run feeds events to a and returns every reply line, decoded. Each line must
// be a complete JSON object on its own.
func run(t *testing.T, a *Agent, events ...any) ([]reply, error) {
	t.Helper()
	var out bytes.Buffer
	err := a.Run(context.Background(), encode(t, events...), &out)

	var replies []reply
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r reply
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("reply line is not a JSON object: %q: %v", sc.Text(), err)
		}
		replies = append(replies, r)
	}
	return replies, err
}

func completes(replies []reply) map[string][]reply {
	out := make(map[string][]reply)
	for _, r := range replies {
		if r.Event == EventComplete {
			out[r.OID] = append(out[r.OID], r)
		}
	}
	return out
}

func initEvent(op string, transfers int) Request {
	yes := true
	return Request{Event: EventInit, Operation: op, Remote: "origin", Concurrent: &yes, ConcurrentTransfers: transfers}
}

var terminate = Request{Event: EventTerminate}

type object struct {
	oid  string
	size int64
	path string
	data []byte
}

func writeObject(t *testing.T, dir string, seed int64, n int) object {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	sum := sha256.Sum256(data)
	oid := pointer.OIDFromDigest(sum[:])
	path := filepath.Join(dir, oid)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return object{oid: oid, size: int64(n), path: path, data: data}
}

func TestInitAck(t *testing.T) {
	a := newAgent(t, backendtest.NewFake(1), nil, testConfig(t))
	replies, err := run(t, a, initEvent("upload", 3), terminate)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(replies) != 1 || replies[0].Event != "" || replies[0].Error != nil {
		t.Fatalf("expected a bare {} ack, got %+v", replies)
	}
}

func TestInitRefused(t *testing.T) {
	tests := []struct {
		name string
		b    backend.Backend
		op   string
	}{
		{"unknown operation", backendtest.NewFake(1), "copy"},
		{"backend refuses direction", readOnly{backendtest.NewFake(1)}, "upload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAgent(t, tt.b, nil, testConfig(t))
			replies, err := run(t, a, initEvent(tt.op, 1), terminate)
			if !config.IsError(err) {
				t.Fatalf("expected *config.Error, got %v", err)
			}
			if len(replies) != 1 || replies[0].Error == nil || replies[0].Error.Code != CodeInitRefused {
				t.Fatalf("expected code 32 reply, got %+v", replies)
			}
		})
	}
}

type readOnly struct{ backend.Backend }

func (readOnly) Supports(d backend.Direction) bool { return d == backend.Download }

func TestProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		events []any
	}{
		{"garbage", []any{"{not json"}},
		{"event before init", []any{Request{Event: EventUpload, OID: strings.Repeat("a", 64)}}},
		{"terminate before init", []any{terminate}},
		{"second init", []any{initEvent("upload", 1), initEvent("upload", 1)}},
		{"unknown event", []any{initEvent("upload", 1), Request{Event: "rename"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAgent(t, backendtest.NewFake(1), nil, testConfig(t))
			_, err := run(t, a, tt.events...)
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProtocolError, got %v", err)
			}
		})
	}
}

func TestUpload(t *testing.T) {
	fake := backendtest.NewFake(50)
	index := memory.New()
	resolver := lookup.New(index, nil)
	a := newAgent(t, fake, resolver, testConfig(t))

	obj := writeObject(t, t.TempDir(), 1, 1000)
	replies, err := run(t, a,
		initEvent("upload", 1),
		Request{Event: EventUpload, OID: obj.oid, Size: obj.size, Path: obj.path},
		terminate,
	)
	if err != nil {
		t.Fatal(err)
	}

	done := completes(replies)[obj.oid]
	if len(done) != 1 || done[0].Error != nil {
		t.Fatalf("expected one successful complete, got %+v", done)
	}
	if done[0].BlobID != "B1" || done[0].Epoch != 100 {
		t.Fatalf("complete = %+v", done[0])
	}

	e, err := index.Get(context.Background(), obj.oid)
	if err != nil || e.Pointer.BlobID != "B1" {
		t.Fatalf("index entry = %+v, %v", e, err)
	}
}

func TestUploadMismatch(t *testing.T) {
	fake := backendtest.NewFake(1)
	a := newAgent(t, fake, nil, testConfig(t))
	obj := writeObject(t, t.TempDir(), 2, 100)

	replies, err := run(t, a,
		initEvent("upload", 2),
		Request{Event: EventUpload, OID: obj.oid, Size: obj.size + 1, Path: obj.path},
		Request{Event: EventUpload, OID: strings.Repeat("0", 64), Size: obj.size, Path: obj.path},
		terminate,
	)
	if err != nil {
		t.Fatal(err)
	}
	for oid, done := range completes(replies) {
		if len(done) != 1 || done[0].Error == nil || done[0].Error.Code != CodeIntegrity {
			t.Fatalf("%s: expected one 422 reply, got %+v", oid, done)
		}
	}
	if fake.Stores.Load() != 0 {
		t.Fatal("mismatched content must not be stored")
	}
}

func TestConcurrentUploads(t *testing.T) {
	fake := backendtest.NewFake(1)
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(42))
	fake.Latency = func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Intn(20)) * time.Millisecond
	}
	a := newAgent(t, fake, nil, testConfig(t))

	dir := t.TempDir()
	events := []any{initEvent("upload", 8)}
	want := make(map[string]bool)
	for i := 0; i < 40; i++ {
		obj := writeObject(t, dir, int64(100+i), 512+i)
		want[obj.oid] = true
		events = append(events, Request{Event: EventUpload, OID: obj.oid, Size: obj.size, Path: obj.path})
	}
	events = append(events, terminate)

	replies, err := run(t, a, events...)
	if err != nil {
		t.Fatal(err)
	}
	got := completes(replies)
	if len(got) != len(want) {
		t.Fatalf("got completes for %d oids, want %d", len(got), len(want))
	}
	for oid := range want {
		if n := len(got[oid]); n != 1 {
			t.Fatalf("%s: %d terminal replies", oid, n)
		}
		if got[oid][0].Error != nil {
			t.Fatalf("%s: %+v", oid, got[oid][0].Error)
		}
	}

	// A request's progress never follows its completion.
	finished := make(map[string]bool)
	for _, r := range replies {
		switch r.Event {
		case EventProgress:
			if finished[r.OID] {
				t.Fatalf("progress for %s after its completion", r.OID)
			}
		case EventComplete:
			finished[r.OID] = true
		}
	}
}

func TestDuplicateInFlight(t *testing.T) {
	fake := backendtest.NewFake(1)
	fake.Latency = func() time.Duration { return 200 * time.Millisecond }
	a := newAgent(t, fake, nil, testConfig(t))
	obj := writeObject(t, t.TempDir(), 3, 64)
	up := Request{Event: EventUpload, OID: obj.oid, Size: obj.size, Path: obj.path}

	replies, err := run(t, a, initEvent("upload", 4), up, up, terminate)
	if err != nil {
		t.Fatal(err)
	}
	done := completes(replies)[obj.oid]
	if len(done) != 2 {
		t.Fatalf("expected two replies, got %+v", done)
	}
	var ok, rejected int
	for _, r := range done {
		switch {
		case r.Error == nil:
			ok++
		case r.Error.Code == CodeBadRequest:
			rejected++
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("expected one success and one 400, got %+v", done)
	}
}

func TestDownload(t *testing.T) {
	fake := backendtest.NewFake(10)
	resolver := lookup.New(memory.New(), nil)
	cfg := testConfig(t)
	cfg.ProgressInterval = time.Nanosecond
	a := newAgent(t, fake, resolver, cfg)

	obj := writeObject(t, t.TempDir(), 4, 300*1024)
	fake.Put("B7", obj.data, 60)
	resolver.Remember(context.Background(), pointer.New(obj.oid, obj.size, "B7", 60), "big.bin")

	replies, err := run(t, a,
		initEvent("download", 2),
		Request{Event: EventDownload, OID: obj.oid, Size: obj.size},
		terminate,
	)
	if err != nil {
		t.Fatal(err)
	}
	done := completes(replies)[obj.oid]
	if len(done) != 1 || done[0].Error != nil {
		t.Fatalf("complete = %+v", done)
	}
	if filepath.Dir(done[0].Path) != cfg.DownloadDir {
		t.Fatalf("download written to %s, want a file in %s", done[0].Path, cfg.DownloadDir)
	}
	data, err := os.ReadFile(done[0].Path)
	if err != nil || !bytes.Equal(data, obj.data) {
		t.Fatalf("downloaded content differs (err %v)", err)
	}

	var last int64
	var progress int
	for _, r := range replies {
		if r.Event == EventProgress {
			progress++
			if r.BytesSoFar < last {
				t.Fatal("progress went backwards")
			}
			last = r.BytesSoFar
		}
	}
	if progress < 2 || last != obj.size {
		t.Fatalf("progress events = %d, last = %d", progress, last)
	}
}

func TestDownloadToRequestedPath(t *testing.T) {
	fake := backendtest.NewFake(10)
	resolver := lookup.New(nil, nil)
	a := newAgent(t, fake, resolver, testConfig(t))

	obj := writeObject(t, t.TempDir(), 5, 10)
	fake.Put("B3", obj.data, 60)
	resolver.Remember(context.Background(), pointer.New(obj.oid, obj.size, "B3", 60), "")
	target := filepath.Join(t.TempDir(), "nested", "out.bin")

	replies, err := run(t, a,
		initEvent("download", 1),
		Request{Event: EventDownload, OID: obj.oid, Size: obj.size, Path: target},
		terminate,
	)
	if err != nil {
		t.Fatal(err)
	}
	done := completes(replies)[obj.oid]
	if len(done) != 1 || done[0].Path != target {
		t.Fatalf("complete = %+v", done)
	}
}

func TestDownloadErrors(t *testing.T) {
	fake := backendtest.NewFake(10)
	resolver := lookup.New(nil, nil)

	good := writeObject(t, t.TempDir(), 6, 50)
	fake.Put("B1", good.data, 60)
	resolver.Remember(context.Background(), pointer.New(good.oid, good.size, "B1", 60), "")
	fake.Corrupt("B1", append([]byte{good.data[0] ^ 0xff}, good.data[1:]...))

	expired := writeObject(t, t.TempDir(), 7, 50)
	resolver.Remember(context.Background(), pointer.New(expired.oid, expired.size, "gone", 5), "")

	unknown := strings.Repeat("e", 64)

	a := newAgent(t, fake, resolver, testConfig(t))
	replies, err := run(t, a,
		initEvent("download", 4),
		Request{Event: EventDownload, OID: good.oid, Size: good.size},
		Request{Event: EventDownload, OID: expired.oid, Size: expired.size},
		Request{Event: EventDownload, OID: unknown, Size: 1},
		Request{Event: EventUpload, OID: good.oid, Size: good.size, Path: good.path},
		terminate,
	)
	if err != nil {
		t.Fatal(err)
	}

	got := completes(replies)
	check := func(oid string, code int, kind string) {
		t.Helper()
		var match bool
		for _, r := range got[oid] {
			if r.Error != nil && r.Error.Code == code && (kind == "" || r.Error.Kind == kind) {
				match = true
			}
		}
		if !match {
			t.Fatalf("%s: expected code %d kind %q, got %+v", oid, code, kind, got[oid])
		}
	}
	check(good.oid, CodeIntegrity, "")
	check(good.oid, CodeBadRequest, "")
	check(expired.oid, CodeNotFound, "not_found")
	check(unknown, CodeNotFound, "not_found")
}

func TestBackendTimeout(t *testing.T) {
	fake := backendtest.NewFake(1)
	fake.Latency = func() time.Duration { return time.Second }
	cfg := testConfig(t)
	cfg.BackendTimeout = 20 * time.Millisecond
	a := newAgent(t, fake, nil, cfg)
	obj := writeObject(t, t.TempDir(), 8, 16)

	replies, err := run(t, a,
		initEvent("upload", 1),
		Request{Event: EventUpload, OID: obj.oid, Size: obj.size, Path: obj.path},
		terminate,
	)
	if err != nil {
		t.Fatal(err)
	}
	done := completes(replies)[obj.oid]
	if len(done) != 1 || done[0].Error == nil || done[0].Error.Code != CodeTimeout {
		t.Fatalf("expected 504, got %+v", done)
	}
}

func TestEOFAbandonsInFlight(t *testing.T) {
	fake := backendtest.NewFake(1)
	fake.Latency = func() time.Duration { return time.Minute }
	a := newAgent(t, fake, nil, testConfig(t))
	obj := writeObject(t, t.TempDir(), 9, 16)

	start := time.Now()
	replies, err := run(t, a,
		initEvent("upload", 1),
		Request{Event: EventUpload, OID: obj.oid, Size: obj.size, Path: obj.path},
	)
	if err != nil {
		t.Fatalf("EOF without terminate should not fail: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("agent waited for abandoned work")
	}
	if len(completes(replies)) != 0 {
		t.Fatalf("abandoned request should not be completed: %+v", replies)
	}
}

func TestContextCancel(t *testing.T) {
	a := newAgent(t, backendtest.NewFake(1), nil, testConfig(t))
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx, pr, io.Discard) }()

	data, _ := json.Marshal(initEvent("upload", 1))
	if _, err := pw.Write(append(data, '\n')); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorkerCount(t *testing.T) {
	no := false
	tests := []struct {
		name string
		req  Request
		want int
	}{
		{"host sends none", Request{Event: EventInit, Operation: "upload"}, 8},
		{"host asks fewer", initEvent("upload", 3), 3},
		{"host asks more", initEvent("upload", 64), 8},
		{"not concurrent", Request{Event: EventInit, Operation: "upload", Concurrent: &no, ConcurrentTransfers: 5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAgent(t, backendtest.NewFake(1), nil, testConfig(t))
			s := &session{agent: a, log: a.log, out: newWriter(io.Discard), inflight: map[string]struct{}{}}
			n, err := s.init(tt.req)
			_ = s.out.close()
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.want {
				t.Fatalf("workers = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []Config{
		{Concurrency: 0, DefaultEpochs: 1},
		{Concurrency: 1, DefaultEpochs: 0},
	}
	for i, cfg := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if _, err := New(backendtest.NewFake(1), nil, cfg); !config.IsError(err) {
				t.Fatalf("expected *config.Error, got %v", err)
			}
		})
	}
}
