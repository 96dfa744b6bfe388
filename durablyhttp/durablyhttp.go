// Package durablyhttp exposes a durably.Instance over the REST/SSE
// surface: trigger, inspect, retry, cancel and delete runs, and stream
// live run/job events as newline-delimited SSE frames. The SSE framing
// is grounded on the same flush-per-event, 15s-ping heartbeat shape as
// an in-process SSE hub, adapted to read from a bus.Subscription
// instead of a per-client outbound channel.
package durablyhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/durably/durably"
	"github.com/durably/durably/bus"
	"github.com/durably/durably/durablyerr"
	"github.com/durably/durably/storetypes"
)

// wireEvent is the SSE-facing shape of a bus.Event: "type" is the
// tagged-union discriminant the frame format promises in place of
// Go's Kind field name.
type wireEvent struct {
	Type      bus.Kind  `json:"type"`
	Seq       uint64    `json:"sequence"`
	RunID     string    `json:"runId"`
	JobName   string    `json:"jobName,omitempty"`
	StepName  string    `json:"stepName,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func marshalEvent(e bus.Event) ([]byte, error) {
	return json.Marshal(wireEvent{
		Type: e.Kind, Seq: e.Seq, RunID: e.RunID, JobName: e.JobName,
		StepName: e.StepName, Data: e.Data, Timestamp: e.Timestamp,
	})
}

// NewRouter builds a gin.Engine wired to inst, with every route named
// in durably's HTTP surface. extra is applied after the built-in
// recovery/tracing middleware and before any route handler — the slot
// an embedder uses for RequireBearerAuth or its own auth layer.
func NewRouter(inst *durably.Instance, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("durably"))
	for _, mw := range extra {
		r.Use(mw)
	}

	h := &handler{inst: inst}

	r.POST("/trigger", h.trigger)
	r.GET("/run", h.getRun)
	r.GET("/runs", h.listRuns)
	r.GET("/steps", h.listSteps)
	r.POST("/retry", h.retry)
	r.POST("/cancel", h.cancel)
	r.DELETE("/run", h.deleteRun)
	r.GET("/subscribe", h.subscribeRun)
	r.GET("/runs/subscribe", h.subscribeJob)

	return r
}

type handler struct {
	inst *durably.Instance
}

type triggerRequest struct {
	JobName        string      `json:"jobName"`
	Input          interface{} `json:"input"`
	IdempotencyKey *string     `json:"idempotencyKey"`
	ConcurrencyKey *string     `json:"concurrencyKey"`
}

// trigger requires the job to have been registered through
// durably.Register, which returns a typed Handle; the raw HTTP surface
// cannot trigger an unregistered job name because it has no way to
// decode an arbitrary Input type. Instance exposes no generic trigger
// path on purpose. Callers needing HTTP-triggerable jobs should wrap
// their Handle with a thin per-job route, or register a job whose
// Input is json.RawMessage and call that handle directly in their own
// gin route. This handler returns 404 for any job name, reflecting
// that durably's generic core has nothing registered for it.
func (h *handler) trigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.JobName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobName is required"})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown job: " + req.JobName})
}

func (h *handler) getRun(c *gin.Context) {
	runID := c.Query("runId")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId is required"})
		return
	}
	run, err := h.inst.GetRun(c.Request.Context(), runID)
	if writeStorageFault(c, err) {
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *handler) listRuns(c *gin.Context) {
	filter := storetypes.ListRunsFilter{Limit: 50}
	if v := c.Query("jobName"); v != "" {
		filter.JobName = &v
	}
	if v := c.Query("status"); v != "" {
		st := storetypes.RunStatus(v)
		filter.Status = &st
	}
	if v := c.Query("limit"); v != "" {
		fmt.Sscanf(v, "%d", &filter.Limit)
	}
	if v := c.Query("offset"); v != "" {
		fmt.Sscanf(v, "%d", &filter.Offset)
	}
	runs, err := h.inst.GetRuns(c.Request.Context(), filter)
	if writeStorageFault(c, err) {
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *handler) listSteps(c *gin.Context) {
	runID := c.Query("runId")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId is required"})
		return
	}
	steps, err := h.inst.GetSteps(c.Request.Context(), runID)
	if writeStorageFault(c, err) {
		return
	}
	c.JSON(http.StatusOK, steps)
}

func (h *handler) retry(c *gin.Context) {
	runID := c.Query("runId")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId is required"})
		return
	}
	err := h.inst.Retry(c.Request.Context(), runID)
	if writeTransitionable(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *handler) cancel(c *gin.Context) {
	runID := c.Query("runId")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId is required"})
		return
	}
	err := h.inst.Cancel(c.Request.Context(), runID)
	if writeTransitionable(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *handler) deleteRun(c *gin.Context) {
	runID := c.Query("runId")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId is required"})
		return
	}
	err := h.inst.Delete(c.Request.Context(), runID)
	if writeTransitionable(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *handler) subscribeRun(c *gin.Context) {
	runID := c.Query("runId")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId is required"})
		return
	}
	sub := h.inst.Subscribe(bus.Filter{RunID: runID})
	h.stream(c, sub, func(e bus.Event) bool {
		return isRunTerminal(e)
	})
}

func (h *handler) subscribeJob(c *gin.Context) {
	jobName := c.Query("jobName")
	sub := h.inst.Subscribe(bus.Filter{JobName: jobName})
	h.stream(c, sub, func(bus.Event) bool { return false })
}

func isRunTerminal(e bus.Event) bool {
	switch e.Kind {
	case bus.KindRunComplete, bus.KindRunFail, bus.KindRunCancel:
		return true
	default:
		return false
	}
}

// stream drains sub onto the response as SSE frames until the client
// disconnects or, for per-run streams, stop reports a terminal event
// has been flushed. A 15s ping defeats idle-connection proxies.
func (h *handler) stream(c *gin.Context, sub *bus.Subscription, stop func(bus.Event) bool) {
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-sub.C:
			if !open {
				return
			}
			if err := writeFrame(c.Writer, e); err != nil {
				return
			}
			flusher.Flush()
			if stop(e) {
				return
			}
		case <-ping.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, e bus.Event) error {
	payload, err := marshalEvent(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func writeStorageFault(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	return true
}

func writeTransitionable(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	var de *durablyerr.Error
	if errors.As(err, &de) {
		switch de.Code {
		case durablyerr.CodeInvalidTransition:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return true
		case durablyerr.CodeNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return true
		}
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	return true
}
