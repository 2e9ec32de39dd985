package upload_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"batch-pipeline/pkg/batch"
	"batch-pipeline/pkg/executor/upload"
	"batch-pipeline/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	percents []int
	post     bool
}

func (r *recordingReporter) Progress(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, p)
}

func (r *recordingReporter) PostProcessing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.post = true
}

type fakeProcessor struct {
	err    error
	tracks []upload.Track
}

func (f *fakeProcessor) Process(_ context.Context, t upload.Track) error {
	f.tracks = append(f.tracks, t)
	return f.err
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, io.Reader, int64, string) error {
	return errors.New("bucket not found")
}

// shortSource claims more bytes than it yields.
type shortSource struct{}

func (shortSource) Open(context.Context, string) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader("only half")), 18, nil
}

type fixture struct {
	staging string
	blobs   string
	proc    *fakeProcessor
	exec    *upload.Executor
}

func newFixture(t *testing.T, mutate func(*upload.Options)) *fixture {
	t.Helper()
	f := &fixture{staging: t.TempDir(), blobs: t.TempDir(), proc: &fakeProcessor{}}

	src, err := upload.NewDirSource(f.staging)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	store, err := upload.NewDirStore(f.blobs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts := upload.Options{Source: src, Store: store, Processor: f.proc, MaxBytes: 1 << 20}
	if mutate != nil {
		mutate(&opts)
	}
	f.exec, err = upload.New(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) stage(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.staging, name), data, 0o644))
}

func config(t *testing.T, cfg upload.Config) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func track(source string, size int64) upload.Config {
	return upload.Config{
		FileName:    "song.mp3",
		Source:      source,
		Title:       "Blue in Green",
		ContentType: "audio/mpeg",
		SizeBytes:   size,
		Artist:      "Miles Davis",
	}
}

func TestExecutor_Validate(t *testing.T) {
	f := newFixture(t, func(o *upload.Options) { o.MaxBytes = 100 })

	tests := []struct {
		name   string
		raw    string
		fields []string
	}{
		{name: "valid", raw: `{"file_name":"a.mp3","source":"a.mp3","title":"A","content_type":"audio/mpeg","size_bytes":10}`},
		{name: "content type is case insensitive", raw: `{"file_name":"a.flac","source":"a","title":"A","content_type":"Audio/FLAC"}`},
		{name: "not an object", raw: `"a.mp3"`, fields: []string{""}},
		{name: "missing fields", raw: `{}`, fields: []string{"file_name", "source", "title", "content_type"}},
		{name: "video rejected", raw: `{"file_name":"a.mp4","source":"a","title":"A","content_type":"video/mp4"}`, fields: []string{"content_type"}},
		{name: "too large", raw: `{"file_name":"a","source":"a","title":"A","content_type":"audio/wav","size_bytes":101}`, fields: []string{"size_bytes"}},
		{name: "negative size", raw: `{"file_name":"a","source":"a","title":"A","content_type":"audio/wav","size_bytes":-1}`, fields: []string{"size_bytes"}},
		{name: "file name without a file", raw: `{"file_name":"../..","source":"a","title":"A","content_type":"audio/wav"}`, fields: []string{"file_name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.exec.Validate(json.RawMessage(tt.raw))
			var names []string
			for _, fe := range got {
				names = append(names, fe.Field)
			}
			assert.Equal(t, tt.fields, names)
		})
	}
}

func TestExecutor_Execute(t *testing.T) {
	f := newFixture(t, nil)
	data := bytes.Repeat([]byte("abcdefgh"), 64<<10)
	f.stage(t, "take1.mp3", data)

	rep := &recordingReporter{}
	res, err := f.exec.Execute(context.Background(), batch.Task{
		BatchID: "b1",
		ItemID:  "t1",
		Config:  config(t, track("take1.mp3", int64(len(data)))),
	}, rep)
	require.NoError(t, err)

	assert.InDelta(t, float64(len(data)), res.Value, 0)
	var out struct {
		Key         string `json:"key"`
		Bytes       int64  `json:"bytes"`
		ContentType string `json:"content_type"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, "b1/t1/song.mp3", out.Key)
	assert.Equal(t, int64(len(data)), out.Bytes)
	assert.Equal(t, "audio/mpeg", out.ContentType)

	stored, err := os.ReadFile(filepath.Join(f.blobs, "b1", "t1", "song.mp3"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	require.NotEmpty(t, rep.percents)
	for i := 1; i < len(rep.percents); i++ {
		assert.Greater(t, rep.percents[i], rep.percents[i-1])
	}
	assert.LessOrEqual(t, rep.percents[len(rep.percents)-1], 99)
	assert.True(t, rep.post)

	require.Len(t, f.proc.tracks, 1)
	assert.Equal(t, upload.Track{
		Key:         "b1/t1/song.mp3",
		BatchID:     "b1",
		ItemID:      "t1",
		Title:       "Blue in Green",
		Artist:      "Miles Davis",
		ContentType: "audio/mpeg",
		Bytes:       int64(len(data)),
	}, f.proc.tracks[0])
}

func TestExecutor_ExecuteFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*upload.Options)
		source string
		size   int64
		code   batch.ErrorCode
	}{
		{name: "missing source", source: "nope.mp3", code: batch.CodeTransfer},
		{name: "source escapes staging dir", source: "../etc/passwd", code: batch.CodeTransfer},
		{name: "oversized", mutate: func(o *upload.Options) { o.MaxBytes = 4 }, source: "ok.mp3", code: batch.CodeTransfer},
		{name: "declared size mismatch", source: "ok.mp3", size: 3, code: batch.CodeTransfer},
		{name: "store failure", mutate: func(o *upload.Options) { o.Store = failingStore{} }, source: "ok.mp3", code: batch.CodeTransfer},
		{name: "short read", mutate: func(o *upload.Options) { o.Source = shortSource{} }, source: "ok.mp3", code: batch.CodeTransfer},
		{
			name:   "indexing failure",
			mutate: func(o *upload.Options) { o.Processor = &fakeProcessor{err: errors.New("catalog offline")} },
			source: "ok.mp3",
			code:   batch.CodeProcessing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			f.stage(t, "ok.mp3", []byte("0123456789"))

			_, err := f.exec.Execute(context.Background(), batch.Task{
				BatchID: "b1",
				ItemID:  "t1",
				Config:  config(t, track(tt.source, tt.size)),
			}, &recordingReporter{})
			require.Error(t, err)
			assert.Equal(t, tt.code, batch.CodeOf(err))
		})
	}
}

func TestExecutor_InCoordinator(t *testing.T) {
	f := newFixture(t, nil)
	f.stage(t, "a.mp3", []byte("first track"))
	f.stage(t, "b.mp3", []byte("second"))

	c, err := batch.NewCoordinator(batch.Options{Registry: batch.NewRegistry(f.exec)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	id, err := c.Submit(context.Background(), batch.SubmissionRequest{
		Kind: batch.KindUpload,
		Items: []batch.ItemSpec{
			{ID: "a", Config: config(t, track("a.mp3", 0))},
			{ID: "b", Config: config(t, track("b.mp3", 0))},
			{ID: "c", Config: config(t, track("missing.mp3", 0))},
		},
		ConcurrencyLimit: 2,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Summary.Succeeded)
	assert.Equal(t, 1, snap.Summary.Failed)
	assert.InDelta(t, float64(len("first track")+len("second")), snap.Summary.AggregateValue, 0)
	missing, _ := snap.Item("c")
	assert.Equal(t, batch.CodeTransfer, missing.ErrorCode)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "b1/t1/song.mp3", upload.ObjectKey("b1", "t1", "song.mp3"))
	assert.Equal(t, "b1/t1/song.mp3", upload.ObjectKey("b1", "t1", "../../song.mp3"))

	ids := [][2]string{
		{"batch-1", "b"},
		{"batch-1", "a/../b"},
		{"batch-1", "a%2F..%2Fb"},
		{"batch-1", ".."},
		{"batch-1", "."},
		{"batch-2", "../batch-1/b"},
		{"batch-2", "b"},
	}
	seen := make(map[string][2]string)
	for _, id := range ids {
		key := upload.ObjectKey(id[0], id[1], "song.mp3")
		prev, dup := seen[key]
		assert.False(t, dup, "%v and %v share key %q", prev, id, key)
		seen[key] = id
		assert.Equal(t, 3, len(strings.Split(key, "/")), key)
	}
}

func TestExecutor_TraversalItemIDsKeepSeparateObjects(t *testing.T) {
	f := newFixture(t, nil)
	f.stage(t, "one.mp3", []byte("first take"))
	f.stage(t, "two.mp3", []byte("second take"))

	c, err := batch.NewCoordinator(batch.Options{Registry: batch.NewRegistry(f.exec)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	id, err := c.Submit(context.Background(), batch.SubmissionRequest{
		Kind: batch.KindUpload,
		Items: []batch.ItemSpec{
			{ID: "b", Config: config(t, track("one.mp3", 10))},
			{ID: "a/../b", Config: config(t, track("two.mp3", 11))},
		},
		ConcurrencyLimit: 1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Summary.Succeeded)

	require.Len(t, f.proc.tracks, 2)
	assert.NotEqual(t, f.proc.tracks[0].Key, f.proc.tracks[1].Key)
	for i, want := range []string{"first take", "second take"} {
		stored, err := os.ReadFile(filepath.Join(f.blobs, filepath.FromSlash(f.proc.tracks[i].Key)))
		require.NoError(t, err)
		assert.Equal(t, want, string(stored))
	}
}

func TestDirStore_RemovesPartialObject(t *testing.T) {
	dir := t.TempDir()
	store, err := upload.NewDirStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	body := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("connection reset")))
	err = store.Put(context.Background(), "b1/t1/song.mp3", body, 100, "audio/mpeg")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "b1", "t1", "song.mp3"))
	assert.ErrorIs(t, statErr, fs.ErrNotExist)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := upload.New(upload.Options{Store: failingStore{}})
	assert.Error(t, err)
	_, err = upload.New(upload.Options{Source: shortSource{}})
	assert.Error(t, err)
}

func TestRedisIndexer(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()

	idx := upload.NewRedisIndexer(client)
	require.NoError(t, idx.Process(ctx, upload.Track{
		Key:         "b1/t1/song.mp3",
		BatchID:     "b1",
		ItemID:      "t1",
		Title:       "So What",
		ContentType: "audio/mpeg",
		Bytes:       42,
	}))

	fields, err := client.HGetAll(ctx, upload.TrackKey("b1/t1/song.mp3")).Result()
	require.NoError(t, err)
	assert.Equal(t, "So What", fields["title"])
	assert.Equal(t, "42", fields["bytes"])

	members, err := client.SMembers(ctx, upload.BatchKey("b1")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"b1/t1/song.mp3"}, members)
}
