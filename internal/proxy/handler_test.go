package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridcast/internal/cache"
	"hybridcast/internal/content"
	"hybridcast/internal/filelock"
	"hybridcast/internal/platform/metrics"
)

type originStub struct {
	mu       sync.Mutex
	files    map[string][]byte
	requests []string
}

func newOriginStub(t *testing.T, files map[string][]byte) (*httptest.Server, *originStub) {
	t.Helper()
	o := &originStub{files: files}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.requests = append(o.requests, r.Method+" "+r.URL.RequestURI())
		data, ok := o.files[r.URL.Path]
		o.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, o
}

func (o *originStub) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

type testProxy struct {
	router http.Handler
	h      *Handler
	store  *cache.DiskStore
	sink   *metrics.Sink
}

func newTestProxy(t *testing.T, cfg Config, originURL string) *testProxy {
	t.Helper()
	sink, err := metrics.New("")
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := cache.NewDiskStore(t.TempDir())
	origin := cache.NewHTTPOrigin(originURL, nil, sink)
	fetcher := cache.NewFetcher(store, origin, cache.NewRegistry(), sink, log)
	h := NewHandler(cfg, fetcher, store, origin, sink, log)
	h.stable = filelock.StableOptions{Retry: time.Millisecond, MaxRounds: 10}
	return &testProxy{router: NewRouter(h, sink, log), h: h, store: store, sink: sink}
}

func (p *testProxy) gauge(t *testing.T, name string) float64 {
	t.Helper()
	g, ok := p.sink.Lookup(name)
	require.True(t, ok, "gauge %s not registered", name)
	return g.Get()
}

func defaultConfig() Config {
	return Config{ProxyID: 2, SegmentDuration: 4 * time.Second}
}

func TestServe_fetchesMissingSegmentFromOrigin(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 100)
	srv, stub := newOriginStub(t, map[string][]byte{"/alpha/4/5/segment_0001_5.mp4": payload})
	p := newTestProxy(t, defaultConfig(), srv.URL)

	req := httptest.NewRequest(http.MethodGet, "/alpha/4/5/segment_0001_5.mp4", nil)
	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))

	cached, err := os.ReadFile(p.store.Path("/alpha/4/5/segment_0001_5.mp4"))
	require.NoError(t, err)
	assert.Equal(t, payload, cached)
	assert.Equal(t, 1.0, p.gauge(t, "files_fetched"))
	assert.Equal(t, 1.0, p.gauge(t, metrics.FilesSent))

	// Second request is a cache hit.
	rec = httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alpha/4/5/segment_0001_5.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, stub.seen(), 1)
	assert.Equal(t, 1.0, p.gauge(t, "cache_used"))
}

func TestServe_missingFileIs404(t *testing.T) {
	srv, _ := newOriginStub(t, map[string][]byte{})
	p := newTestProxy(t, defaultConfig(), srv.URL)

	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alpha/4/5/init_5.mp4", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, p.gauge(t, metrics.FilesNotFound))
}

func TestServe_manifestBypassesCacheWithInterleaving(t *testing.T) {
	manifest := []byte("<MPD/>")
	srv, stub := newOriginStub(t, map[string][]byte{"/demo_lowmid_1/live.mpd": manifest})
	cfg := defaultConfig()
	cfg.ProxyID = 1
	cfg.TLI = true
	p := newTestProxy(t, cfg, srv.URL)

	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/demo_low_1/live.mpd", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manifest, rec.Body.Bytes())
	assert.Equal(t, "document", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"GET /demo_lowmid_1/live.mpd"}, stub.seen())
	assert.False(t, p.store.Exists("/demo_low_1/live.mpd"))
	assert.False(t, p.store.Exists("/demo_lowmid_1/live.mpd"))
}

func TestServe_interleavingOnlyOnPrimaryProxy(t *testing.T) {
	srv, stub := newOriginStub(t, map[string][]byte{"/demo_low_1/live.mpd": []byte("<MPD/>")})
	cfg := defaultConfig()
	cfg.TLI = true
	p := newTestProxy(t, cfg, srv.URL)

	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/demo_low_1/live.mpd", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"GET /demo_low_1/live.mpd"}, stub.seen())
}

func TestServe_postIsProxied(t *testing.T) {
	srv, stub := newOriginStub(t, map[string][]byte{"/partial": []byte("repaired")})
	p := newTestProxy(t, defaultConfig(), srv.URL)

	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/partial", bytes.NewReader([]byte(`{"file":"x"}`))))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "repaired", rec.Body.String())
	assert.Equal(t, []string{"POST /partial"}, stub.seen())
}

func TestServe_oversizedBodyIs413(t *testing.T) {
	srv, stub := newOriginStub(t, map[string][]byte{})
	p := newTestProxy(t, defaultConfig(), srv.URL)

	body := bytes.Repeat([]byte("x"), MaxBodyBytes+1)
	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/partial", bytes.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, stub.seen())
}

func TestServe_oversizedBodyOnCachedGetIs413(t *testing.T) {
	srv, stub := newOriginStub(t, map[string][]byte{})
	p := newTestProxy(t, defaultConfig(), srv.URL)
	require.NoError(t, p.store.Write(context.Background(), "/alpha/4/5/segment_0001_5.mp4", []byte("cached")))

	body := make([]byte, MaxBodyBytes)
	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alpha/4/5/segment_0001_5.mp4", bytes.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, stub.seen())
	assert.Equal(t, 0.0, p.gauge(t, metrics.FilesSent))

	rec = httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alpha/4/5/segment_0001_5.mp4", bytes.NewReader(body[:MaxBodyBytes-1])))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", rec.Body.String())
}

func TestTime_format(t *testing.T) {
	p := newTestProxy(t, defaultConfig(), "http://127.0.0.1:1")
	p.h.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC) }

	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/time", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-03-01T12:30:45.123Z", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRewriteInterleaved(t *testing.T) {
	assert.Equal(t, "/v_lowmid_1/live.mpd", RewriteInterleaved("/v_low_1/live.mpd"))
	assert.Equal(t, "/v_midhigh_1/live.mpd", RewriteInterleaved("/v_mid_1/live.mpd"))
	assert.Equal(t, "/v_high_1/live.mpd", RewriteInterleaved("/v_high_1/live.mpd"))
}

func writeCacheFile(t *testing.T, store *cache.DiskStore, name string, data []byte) {
	t.Helper()
	require.NoError(t, filelock.WriteFile(context.Background(), store.Path(name), data))
}

func TestStream_sendsChunksInOrder(t *testing.T) {
	srv, stub := newOriginStub(t, map[string][]byte{})
	cfg := defaultConfig()
	cfg.LowLatencyChunks = 3
	cfg.SegmentDuration = 3 * time.Second
	p := newTestProxy(t, cfg, srv.URL)

	dir := "/alpha/3/5/00001"
	writeCacheFile(t, p.store, dir+"/chunk_00001_5_1.f4s", []byte("one,"))
	writeCacheFile(t, p.store, dir+"/chunk_00001_5_2.f4s", []byte("two,"))
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = filelock.WriteFile(context.Background(), p.store.Path(dir+"/chunk_00001_5_3.f4s"), []byte("three"))
	}()

	proxySrv := httptest.NewServer(p.router)
	defer proxySrv.Close()

	resp, err := http.Get(proxySrv.URL + "/alpha/3/5/chunk_00001_5.m4s")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "one,two,three", string(body))
	assert.Empty(t, stub.seen())
}

func TestStream_fetchesOverdueChunkAcrossGap(t *testing.T) {
	dir := "/alpha/4/5/00001"
	srv, stub := newOriginStub(t, map[string][]byte{dir + "/chunk_00001_5_3.f4s": []byte("C")})
	cfg := defaultConfig()
	cfg.LowLatencyChunks = 4
	cfg.SegmentDuration = 400 * time.Millisecond
	p := newTestProxy(t, cfg, srv.URL)

	writeCacheFile(t, p.store, dir+"/chunk_00001_5_1.f4s", []byte("A"))
	writeCacheFile(t, p.store, dir+"/chunk_00001_5_2.f4s", []byte("B"))
	writeCacheFile(t, p.store, dir+"/chunk_00001_5_4.f4s", []byte("D"))

	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alpha/4/5/chunk_00001_5.m4s", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABCD", rec.Body.String())
	assert.Equal(t, []string{"GET " + dir + "/chunk_00001_5_3.f4s"}, stub.seen())
}

func TestStream_wholeSegmentWhenNoChunkDirectory(t *testing.T) {
	srv, _ := newOriginStub(t, map[string][]byte{"/alpha/4/5/chunk_00002_5.m4s": []byte("whole")})
	cfg := defaultConfig()
	cfg.LowLatencyChunks = 4
	p := newTestProxy(t, cfg, srv.URL)

	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alpha/4/5/chunk_00002_5.m4s", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "whole", rec.Body.String())
}

func TestStreamChunks_givesUpAfterLastDeadline(t *testing.T) {
	srv, _ := newOriginStub(t, map[string][]byte{})
	cfg := defaultConfig()
	cfg.LowLatencyChunks = 2
	cfg.SegmentDuration = 10 * time.Millisecond
	p := newTestProxy(t, cfg, srv.URL)

	dir := "/alpha/4/5/00003"
	writeCacheFile(t, p.store, dir+"/chunk_00003_5_1.f4s", []byte("first"))

	rec := httptest.NewRecorder()
	req, ok := content.ParseChunkRequest("/alpha/4/5/chunk_00003_5.m4s")
	require.True(t, ok)
	err := p.h.streamChunks(context.Background(), rec, req)

	require.ErrorIs(t, err, errStreamIncomplete)
	assert.Equal(t, "first", rec.Body.String())
}

func TestStreamChunks_stopsOnClientDisconnect(t *testing.T) {
	srv, _ := newOriginStub(t, map[string][]byte{})
	cfg := defaultConfig()
	cfg.LowLatencyChunks = 2
	cfg.SegmentDuration = time.Hour
	p := newTestProxy(t, cfg, srv.URL)
	writeCacheFile(t, p.store, "/alpha/4/5/00004/chunk_00004_5_1.f4s", []byte("first"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := content.ParseChunkRequest("/alpha/4/5/chunk_00004_5.m4s")
	err := p.h.streamChunks(ctx, httptest.NewRecorder(), req)

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamChunks_waitsForEmptyChunkToBeWritten(t *testing.T) {
	srv, stub := newOriginStub(t, map[string][]byte{})
	cfg := defaultConfig()
	cfg.LowLatencyChunks = 2
	cfg.SegmentDuration = time.Hour
	p := newTestProxy(t, cfg, srv.URL)

	dir := "/alpha/4/5/00005"
	writeCacheFile(t, p.store, dir+"/chunk_00005_5_1.f4s", nil)
	writeCacheFile(t, p.store, dir+"/chunk_00005_5_2.f4s", []byte("two"))
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = filelock.WriteFile(context.Background(), p.store.Path(dir+"/chunk_00005_5_1.f4s"), []byte("one,"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, ok := content.ParseChunkRequest("/alpha/4/5/chunk_00005_5.m4s")
	require.True(t, ok)
	rec := httptest.NewRecorder()
	require.NoError(t, p.h.streamChunks(ctx, rec, req))

	assert.Equal(t, "one,two", rec.Body.String())
	assert.Empty(t, stub.seen())
}

func TestStartOffset(t *testing.T) {
	p := newTestProxy(t, defaultConfig(), "http://127.0.0.1:1")
	assert.Equal(t, time.Second, p.h.startOffset())
	p.h.cfg.FEC = true
	assert.Equal(t, 750*time.Millisecond, p.h.startOffset())
}
