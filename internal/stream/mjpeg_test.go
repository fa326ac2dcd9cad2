package stream

import (
	"bufio"
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/pipeline"
)

func TestBroadcaster_Latest(t *testing.T) {
	b := NewBroadcaster(nil)
	_, _, ok := b.Latest()
	assert.False(t, ok)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b.OnTick(&pipeline.TickEvent{Frame: []byte{0xFF, 0xD8}, Timestamp: ts})
	b.OnTick(&pipeline.TickEvent{Status: pipeline.SessionStopped})

	frame, got, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, []byte{0xFF, 0xD8}, frame)
	assert.Equal(t, ts, got)
	assert.Equal(t, uint64(1), b.FrameSeq(), "status events carry no frame")
}

func TestSnapshotHandler(t *testing.T) {
	b := NewBroadcaster(nil)
	h := NewSnapshotHandler(b)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	b.Publish([]byte{0xFF, 0xD8, 0xFF, 0xD9}, time.Now())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, rec.Body.Bytes())
}

// readPart reads one part using its Content-Length, so it does not wait for the next boundary
func readPart(t *testing.T, r *bufio.Reader) (http.Header, []byte) {
	t.Helper()
	tp := textproto.NewReader(r)
	line, err := tp.ReadLine()
	for err == nil && line == "" {
		line, err = tp.ReadLine()
	}
	require.NoError(t, err)
	require.Equal(t, "--frame", line)

	mh, err := tp.ReadMIMEHeader()
	require.NoError(t, err)
	n, err := strconv.Atoi(mh.Get("Content-Length"))
	require.NoError(t, err)

	data := make([]byte, n)
	_, err = io.ReadFull(r, data)
	require.NoError(t, err)
	return http.Header(mh), data
}

func TestBroadcaster_ServesMultipartStream(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Publish([]byte("first"), time.Now())

	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/x-mixed-replace", mediaType)
	require.Equal(t, "frame", params["boundary"])

	r := bufio.NewReader(resp.Body)
	_, data := readPart(t, r)
	assert.Equal(t, "first", string(data))

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	b.Publish([]byte("second"), time.Now())

	header, data := readPart(t, r)
	assert.Equal(t, "second", string(data))
	assert.Equal(t, "image/jpeg", header.Get("Content-Type"))
}
