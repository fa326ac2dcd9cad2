package main

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"watchpost/internal/api"
)

func echoRequestID(mux goahttp.Muxer) []api.Mount {
	mux.Handle("GET", "/id", func(w http.ResponseWriter, r *http.Request) {
		id, _ := r.Context().Value(middleware.RequestIDKey).(string)
		io.WriteString(w, id)
	})
	return []api.Mount{{Method: "ID", Verb: "GET", Pattern: "/id"}}
}

func TestNewHTTPHandler_WrapsMuxer(t *testing.T) {
	for _, debug := range []bool{false, true} {
		var logs bytes.Buffer
		handler, mounts := newHTTPHandler(echoRequestID, log.New(&logs, "", 0), debug)
		require.Len(t, mounts, 1)

		srv := httptest.NewServer(handler)
		resp, err := http.Get(srv.URL + "/id")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		srv.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, string(body), "request id set before the muxer runs")
		assert.Contains(t, logs.String(), "/id", "requests are logged")
	}
}
