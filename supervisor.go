package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fairway-cloud/logging"

	"github.com/thejerf/suture/v4"
)

// newSupervisor builds the service tree. Background workers and the API
// server run under separate child supervisors.
func newSupervisor(shutdownTimeout time.Duration) (root, workers, api *suture.Supervisor) {
	spec := suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	}
	root = suture.New("fairway", spec)
	workers = suture.New("workers", suture.Spec{Timeout: shutdownTimeout})
	api = suture.New("api", suture.Spec{Timeout: shutdownTimeout})
	root.Add(workers)
	root.Add(api)
	return root, workers, api
}

// httpService runs an http.Server under the supervisor.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http-server" }
