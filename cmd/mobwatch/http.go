package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"mobwatch/internal/services"
)

// handleHTTPServer configures and starts a HTTP server on addr. It shuts down
// the server when ctx is done.
func handleHTTPServer(ctx context.Context, addr string, server *services.Server, wg *sync.WaitGroup, errc chan error, logger zerolog.Logger, debug bool, shutdownTimeout time.Duration) {
	logger = logger.With().Str("component", "http").Logger()

	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = services.NewGoaLogger(logger)
	}

	// Build the service HTTP request multiplexer and mount the endpoints.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	mounts := server.Mount(mux)

	// Wrap the multiplexer with additional middlewares. Streaming responses
	// bypass the log and debug middlewares, whose response wrappers hide the
	// flusher and hijacker of the connection.
	var handler http.Handler = mux
	{
		var logged http.Handler = mux
		if debug {
			logged = httpmdlwr.Debug(mux, os.Stdout)(logged)
		}
		logged = httpmdlwr.Log(adapter)(logged)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if services.IsStreaming(r.URL.Path) {
				mux.ServeHTTP(w, r)
				return
			}
			logged.ServeHTTP(w, r)
		})
		handler = httpmdlwr.RequestID()(handler)
	}

	// No write timeout: feeds last as long as their video.
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range mounts {
		logger.Info().Msgf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Info().Msgf("HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Info().Msgf("shutting down HTTP server at %q", addr)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown")
		}
	}()
}
