package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"watchpost/internal/api"
)

// newHTTPHandler mounts the API on a goa muxer and wraps it with the request
// id, logging and optional debug middlewares.
func newHTTPHandler(mount func(goahttp.Muxer) []api.Mount, logger *log.Logger, debug bool) (http.Handler, []api.Mount) {
	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = middleware.NewLogger(logger)
	}

	// Build the service HTTP request multiplexer and mount the API on it.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	mounts := mount(mux)

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the service endpoints.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}
	return handler, mounts
}

// handleHTTPServer configures and starts a HTTP server on addr. It shuts down
// the server when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, server *api.Server, wg *sync.WaitGroup, errc chan error, logger *log.Logger, debug bool) {
	handler, mounts := newHTTPHandler(server.Mount, logger, debug)

	// The MJPEG stream and websocket are long lived, so only the header read is bounded.
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range mounts {
		logger.Printf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
