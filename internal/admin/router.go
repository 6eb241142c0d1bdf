// Package admin serves the operational HTTP surface: health, Prometheus
// metrics and a view of running conversion jobs.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-converter/internal/pipeline"
)

// Jobs lists and cancels running jobs.
type Jobs interface {
	Cancel(jobID string) bool
	Active(ctx context.Context) ([]pipeline.JobInfo, error)
}

// SetupRouter builds the admin router. jobs may be nil for processes that do
// not own a runner.
func SetupRouter(service string, jobs Jobs) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": service})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if jobs == nil {
		return r
	}
	h := &handler{jobs: jobs}
	v1 := r.Group("/api/v1")
	{
		v1.GET("/jobs", h.handleListJobs)
		v1.PATCH("/jobs/:jobId/cancel", h.handleCancelJob)
	}
	return r
}

type handler struct {
	jobs Jobs
}

func (h *handler) handleListJobs(c *gin.Context) {
	active, err := h.jobs.Active(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if active == nil {
		active = []pipeline.JobInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": active, "count": len(active)})
}

func (h *handler) handleCancelJob(c *gin.Context) {
	id := c.Param("jobId")
	if !h.jobs.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found or already finished"})
		return
	}
	log.Info().Str("job_id", id).Msg("job cancelled from admin")
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested"})
}

// Serve runs the router on addr until ctx is done.
func Serve(ctx context.Context, addr string, r http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("admin listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
