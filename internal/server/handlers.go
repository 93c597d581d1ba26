package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/events"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/mediastore"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/pipeline"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func abortWith(c *gin.Context, status int, id string, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": types.ErrorInfo{ID: id, Message: err.Error()}})
}

func startRun(c *gin.Context) {
	app := appFrom(c)

	var req types.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, "RequestInvalid", err)
		return
	}

	ctx := c.Request.Context()
	plan, err := app.Orchestrator.Accept(ctx, req)
	if err != nil {
		switch {
		case pipeline.IsRequestInvalid(err):
			abortWith(c, http.StatusBadRequest, pipeline.ErrorID(err), err)
		case errors.Is(err, schemas.ErrNotLoaded):
			abortWith(c, http.StatusServiceUnavailable, "ConfigError", err)
		default:
			abortWith(c, http.StatusInternalServerError, pipeline.ErrorID(err), err)
		}
		return
	}

	if req.Stream {
		streamNewRun(c, plan)
		return
	}

	resp, err := app.Orchestrator.Run(ctx, plan)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, "InternalError", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamNewRun subscribes to the run's topic before stage 1 starts and
// relays every event until the terminal one.
func streamNewRun(c *gin.Context, plan *pipeline.Plan) {
	app := appFrom(c)
	ctx := c.Request.Context()

	type subscribed struct {
		events <-chan events.Event
		err    error
	}
	started := make(chan subscribed, 1)
	done := make(chan error, 1)

	go func() {
		_, err := app.Orchestrator.Run(ctx, plan, pipeline.WithOnStart(func(runID string) {
			ch, err := app.Bus.Subscribe(ctx, runID)
			started <- subscribed{events: ch, err: err}
		}))
		done <- err
	}()

	var sub subscribed
	select {
	case sub = <-started:
	case err := <-done:
		abortWith(c, http.StatusInternalServerError, "InternalError", err)
		return
	}
	if sub.err != nil {
		abortWith(c, http.StatusInternalServerError, "InternalError", sub.err)
		return
	}

	relay(c, sub.events)
}

func relay(c *gin.Context, ch <-chan events.Event) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(e.Type), e)
			c.Writer.Flush()
			if e.Type.Terminal() {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// streamRun follows a run by id. A run this process is not executing is
// answered from its metadata with a single closing event. One left behind
// in a non-terminal state is reported as failed.
func streamRun(c *gin.Context) {
	app := appFrom(c)
	runID := c.Param("id")

	if app.Orchestrator.Active(runID) {
		ch, err := app.Bus.Subscribe(c.Request.Context(), runID)
		if err != nil {
			abortWith(c, http.StatusInternalServerError, "InternalError", err)
			return
		}
		relay(c, ch)
		return
	}

	meta, err := app.Media.GetMetadata(runID)
	if err != nil {
		storeError(c, err)
		return
	}

	closing := events.New(meta.RunID, events.TerminalFor(meta.Status))
	closing.Status = meta.Status
	closing.Error = meta.Error
	closing.Verdict = meta.Safety
	closing.Seed = meta.UsedSeed
	if !meta.Status.Terminal() {
		closing.Type = events.RunFailed
		closing.Status = types.StatusFailed
		closing.Error = &types.ErrorInfo{ID: "InternalError", Message: "run is no longer executing"}
		app.Logger.Warn("run left unfinished", zap.String("run_id", runID), zap.String("status", string(meta.Status)))
	}

	ch := make(chan events.Event, 1)
	ch <- closing
	close(ch)
	relay(c, ch)
}

func cancelRun(c *gin.Context) {
	app := appFrom(c)
	runID := c.Param("id")
	if err := app.Orchestrator.Cancel(runID); err != nil {
		abortWith(c, http.StatusNotFound, "RunNotFound", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "cancelling"})
}

func getRun(c *gin.Context) {
	meta, err := appFrom(c).Media.GetMetadata(c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func listRuns(c *gin.Context) {
	var f types.RunFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		abortWith(c, http.StatusBadRequest, "RequestInvalid", err)
		return
	}
	runs, err := appFrom(c).Media.ListRuns(c.Request.Context(), f)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, "InternalError", err)
		return
	}
	if runs == nil {
		runs = []types.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func getMedia(c *gin.Context) {
	kind, err := types.ParseMediaKind(c.Param("kind"))
	if err != nil || kind == types.MediaText {
		abortWith(c, http.StatusNotFound, "MediaNotFound", mediastore.ErrMediaNotFound)
		return
	}

	path, _, err := appFrom(c).Media.PrimaryMedia(c.Param("id"), kind)
	if err != nil {
		storeError(c, err)
		return
	}
	serveFile(c, path)
}

func getRunFile(c *gin.Context) {
	filename := strings.TrimPrefix(c.Param("filename"), "/")
	path, err := appFrom(c).Media.GetMediaPath(c.Param("id"), filename)
	if err != nil {
		storeError(c, err)
		return
	}
	serveFile(c, path)
}

func serveFile(c *gin.Context, path string) {
	if mtype, err := mimetype.DetectFile(path); err == nil {
		c.Header("Content-Type", mtype.String())
	}
	c.File(path)
}

func storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mediastore.ErrInvalidRunID):
		abortWith(c, http.StatusBadRequest, "RequestInvalid", err)
	case errors.Is(err, mediastore.ErrRunNotFound):
		abortWith(c, http.StatusNotFound, "RunNotFound", err)
	case errors.Is(err, mediastore.ErrMediaNotFound):
		abortWith(c, http.StatusNotFound, "MediaNotFound", err)
	default:
		abortWith(c, http.StatusInternalServerError, "InternalError", err)
	}
}

func listConfigs(c *gin.Context) {
	configs := appFrom(c).Loader.ListConfigs()
	out := make([]types.ConfigSummary, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, cfg.Summary())
	}
	c.JSON(http.StatusOK, gin.H{"configs": out})
}

func reloadConfigs(c *gin.Context) {
	app := appFrom(c)
	snap, err := app.Loader.Reload()
	if err != nil {
		abortWith(c, http.StatusInternalServerError, "ConfigError", err)
		return
	}

	problems := make([]string, 0, len(snap.Problems))
	for _, p := range snap.Problems {
		problems = append(problems, p.Error())
	}
	app.Logger.Info("configs reloaded", zap.Int("configs", len(snap.Configs)), zap.Int("problems", len(problems)))
	c.JSON(http.StatusOK, gin.H{
		"configs":   len(snap.Configs),
		"outputs":   len(snap.Outputs),
		"chunks":    len(snap.Chunks),
		"pipelines": len(snap.Pipelines),
		"problems":  problems,
		"loaded_at": snap.LoadedAt,
	})
}
