// Package server exposes the inbound email endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shpitdev/mail-attachment-pipeline/internal/ingest"
	"github.com/shpitdev/mail-attachment-pipeline/internal/workflow"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/redact"
)

// Receiver accepts one raw message.
type Receiver interface {
	Receive(ctx context.Context, raw io.Reader, size int64) (ingest.Receipt, *workflow.Run, error)
}

// DefaultMaxBodyBytes caps a raw inbound message when Options leaves it unset.
const DefaultMaxBodyBytes int64 = 32 << 20

type Options struct {
	// MaxBodyBytes rejects larger POST /receive bodies with 413. <=0 uses the default.
	MaxBodyBytes int64
}

// New builds the router.
func New(recv Receiver, opts Options, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Hello World!")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.POST("/receive", receiveHandler(recv, opts.MaxBodyBytes, logger))
	return r
}

func receiveHandler(recv Receiver, maxBody int64, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBody {
			logger.Warn("rejected oversized message",
				zap.Int64("declared", c.Request.ContentLength),
				zap.Int64("limit", maxBody),
			)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
			return
		}
		body := http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		receipt, _, err := recv.Receive(c.Request.Context(), body, c.Request.ContentLength)
		if err != nil {
			msg := redact.Secrets(err.Error())
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				logger.Warn("rejected oversized message", zap.Int64("limit", mbe.Limit))
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
				return
			}
			var pe *ingest.ParseError
			if errors.As(err, &pe) {
				logger.Warn("rejected inbound message", zap.String("error", msg))
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
				return
			}
			logger.Error("failed to start workflow", zap.String("error", msg))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start workflow"})
			return
		}
		c.JSON(http.StatusAccepted, receipt)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.String("user-agent", c.Request.UserAgent()),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, zap.String("errors", errs))
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("request", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// Serve runs h on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
