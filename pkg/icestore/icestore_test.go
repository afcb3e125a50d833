package icestore_test

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-guildmirror/pkg/icestore"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock GCS Client Components ---

type mockGCSWriter struct {
	buf      bytes.Buffer
	closed   bool
	closeErr error
}

func (m *mockGCSWriter) Write(p []byte) (int, error) {
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	m.closed = true
	return m.closeErr
}

type mockObject struct {
	meta   icestore.ObjectMeta
	writer *mockGCSWriter
}

type mockBucket struct {
	mu       sync.Mutex
	objects  map[string]*mockObject
	closeErr error
}

func (b *mockBucket) Object(name string) icestore.GCSObjectHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string]*mockObject)
	}
	obj := &mockObject{writer: &mockGCSWriter{closeErr: b.closeErr}}
	b.objects[name] = obj
	return obj
}

func (o *mockObject) NewWriter(_ context.Context, meta icestore.ObjectMeta) icestore.GCSWriter {
	o.meta = meta
	return o.writer
}

type mockGCSClient struct {
	bucket *mockBucket
}

func (m *mockGCSClient) Bucket(_ string) icestore.GCSBucketHandle { return m.bucket }

func readRecords(t *testing.T, data []byte) []icestore.ArchivedLog {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var out []icestore.ArchivedLog
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var rec icestore.ArchivedLog
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func record(guild string, id int64, day int) icestore.ArchivedLog {
	return icestore.ArchivedLog{
		GuildID: guild,
		CycleID: "cycle-1",
		Entry: types.LogEntry{
			ID:     id,
			Time:   time.Date(2024, 3, day, 9, 0, 0, 0, time.UTC),
			Type:   types.LogStash,
			User:   "a.1234",
			Detail: types.StashDetail{Operation: "deposit", Coins: 10000},
		},
	}
}

func TestArchivedLog_BatchKey(t *testing.T) {
	assert.Equal(t, "g1/2024/03/04", record("g1", 1, 4).BatchKey())
}

func TestGCSUploader_UploadBatch(t *testing.T) {
	// Arrange
	client := &mockGCSClient{bucket: &mockBucket{}}
	u, err := icestore.NewGCSUploader(client, icestore.GCSUploaderConfig{BucketName: "archive", ObjectPrefix: "logs"}, zerolog.Nop())
	require.NoError(t, err)
	batch := []icestore.ArchivedLog{record("g1", 1, 4), record("g1", 2, 4), record("g1", 3, 5), record("g2", 4, 4)}

	// Act
	err = u.UploadBatch(context.Background(), batch)

	// Assert
	require.NoError(t, err)
	require.Len(t, client.bucket.objects, 3)
	counts := make(map[string]int)
	for name, obj := range client.bucket.objects {
		assert.True(t, strings.HasPrefix(name, "logs/"))
		assert.True(t, strings.HasSuffix(name, ".jsonl.gz"))
		assert.True(t, obj.writer.closed)
		assert.Equal(t, "application/gzip", obj.meta.ContentType)

		recs := readRecords(t, obj.writer.buf.Bytes())
		assert.Equal(t, obj.meta.Metadata["guild_id"], recs[0].GuildID)
		counts[recs[0].BatchKey()] = len(recs)
	}
	assert.Equal(t, map[string]int{"g1/2024/03/04": 2, "g1/2024/03/05": 1, "g2/2024/03/04": 1}, counts)
}

func TestGCSUploader_CommitFailure(t *testing.T) {
	client := &mockGCSClient{bucket: &mockBucket{closeErr: errors.New("precondition failed")}}
	u, err := icestore.NewGCSUploader(client, icestore.GCSUploaderConfig{BucketName: "archive"}, zerolog.Nop())
	require.NoError(t, err)

	err = u.UploadBatch(context.Background(), []icestore.ArchivedLog{record("g1", 1, 4)})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "precondition failed")
}

func TestNewGCSUploader_Validation(t *testing.T) {
	_, err := icestore.NewGCSUploader(nil, icestore.GCSUploaderConfig{BucketName: "b"}, zerolog.Nop())
	require.Error(t, err)
	_, err = icestore.NewGCSUploader(&mockGCSClient{}, icestore.GCSUploaderConfig{}, zerolog.Nop())
	require.Error(t, err)
}

// recordingUploader collects uploaded batches.
type recordingUploader struct {
	mu      sync.Mutex
	batches [][]icestore.ArchivedLog
}

func (r *recordingUploader) UploadBatch(_ context.Context, recs []icestore.ArchivedLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, recs)
	return nil
}

func (r *recordingUploader) count() (batches, records int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		records += len(b)
	}
	return len(r.batches), records
}

func stopBatcher(t *testing.T, b *icestore.Batcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	// Arrange
	up := &recordingUploader{}
	b := icestore.NewBatcher(icestore.BatcherConfig{BatchSize: 3, FlushInterval: time.Hour}, up, clock.NewMock(), zerolog.Nop())
	b.Start(context.Background())

	// Act
	require.NoError(t, b.Add(context.Background(), []icestore.ArchivedLog{record("g1", 1, 4), record("g1", 2, 4)}))
	require.NoError(t, b.Add(context.Background(), []icestore.ArchivedLog{record("g1", 3, 4), record("g1", 4, 4)}))

	// Assert
	require.Eventually(t, func() bool {
		n, _ := up.count()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	stopBatcher(t, b)
	n, recs := up.count()
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, recs)
}

func TestBatcher_FlushesOnStop(t *testing.T) {
	up := &recordingUploader{}
	b := icestore.NewBatcher(icestore.BatcherConfig{BatchSize: 100, FlushInterval: time.Hour}, up, clock.NewMock(), zerolog.Nop())
	b.Start(context.Background())

	require.NoError(t, b.Add(context.Background(), []icestore.ArchivedLog{record("g1", 1, 4)}))
	require.NoError(t, b.Add(context.Background(), nil))
	stopBatcher(t, b)

	n, recs := up.count()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, recs)
}

func TestBatcher_AddAfterStop(t *testing.T) {
	up := &recordingUploader{}
	b := icestore.NewBatcher(icestore.BatcherConfig{BatchSize: 100, FlushInterval: time.Hour}, up, clock.NewMock(), zerolog.Nop())
	b.Start(context.Background())
	stopBatcher(t, b)

	err := b.Add(context.Background(), []icestore.ArchivedLog{record("g1", 1, 4)})

	require.ErrorIs(t, err, icestore.ErrStopped)
	stopBatcher(t, b)
	n, _ := up.count()
	assert.Equal(t, 0, n)
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	up := &recordingUploader{}
	mock := clock.NewMock()
	b := icestore.NewBatcher(icestore.BatcherConfig{BatchSize: 100, FlushInterval: time.Minute}, up, mock, zerolog.Nop())
	b.Start(context.Background())
	t.Cleanup(func() { stopBatcher(t, b) })

	require.NoError(t, b.Add(context.Background(), []icestore.ArchivedLog{record("g1", 1, 4)}))

	assert.Eventually(t, func() bool {
		mock.Add(time.Minute)
		_, recs := up.count()
		return recs == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestArchiveSink(t *testing.T) {
	// Arrange
	up := &recordingUploader{}
	mock := clock.NewMock()
	b := icestore.NewBatcher(icestore.BatcherConfig{BatchSize: 100, FlushInterval: time.Hour}, up, mock, zerolog.Nop())
	b.Start(context.Background())
	sink := icestore.NewArchiveSink(b)
	report := types.RefreshReport{
		CycleID: "c-42",
		GuildID: "g1",
		NewLogs: []types.LogEntry{record("g1", 1, 4).Entry, record("g1", 2, 4).Entry},
	}

	// Act
	require.NoError(t, sink.HandleRefresh(context.Background(), report))
	require.NoError(t, sink.HandleRefresh(context.Background(), types.RefreshReport{GuildID: "g1"}))
	stopBatcher(t, b)

	// Assert
	assert.Equal(t, "log-archive", sink.Name())
	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.batches, 1)
	require.Len(t, up.batches[0], 2)
	assert.Equal(t, "c-42", up.batches[0][0].CycleID)
	assert.Equal(t, mock.Now().UTC(), up.batches[0][0].ArchivedAt)
}
