package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Development-only triggers for the background jobs. Handy when driving a
// credit through its lifecycle by hand instead of waiting for the loop.

func (s *Server) DevRunSchedulerOnce(c *gin.Context) {
	s.runSchedulerJob(c, "scheduler run", func(ctx context.Context) error {
		return s.scheduler.RunOnce(ctx)
	})
}

func (s *Server) DevRunRefreshBills(c *gin.Context) {
	s.runSchedulerJob(c, "refresh bills job", func(ctx context.Context) error {
		return s.scheduler.RefreshBillsJob(ctx)
	})
}

func (s *Server) DevRunPublishEvents(c *gin.Context) {
	s.runSchedulerJob(c, "publish events job", func(ctx context.Context) error {
		return s.scheduler.PublishEventsJob(ctx)
	})
}

func (s *Server) DevRunSweepStale(c *gin.Context) {
	s.runSchedulerJob(c, "sweep stale job", func(ctx context.Context) error {
		return s.scheduler.SweepStaleJob(ctx)
	})
}

func (s *Server) runSchedulerJob(c *gin.Context, label string, job func(context.Context) error) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := job(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"message": label + " completed with errors",
			"errors":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": label + " completed successfully",
	})
}
