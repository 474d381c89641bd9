package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaylabs/async-sidecar/internal/classifier"
	"github.com/relaylabs/async-sidecar/internal/facade"
	"github.com/relaylabs/async-sidecar/internal/persistence"
	"github.com/relaylabs/async-sidecar/internal/queue"
	"github.com/relaylabs/async-sidecar/internal/queue/domain"
	"github.com/relaylabs/async-sidecar/internal/traffic"
)

type handler struct {
	facade  *facade.Facade
	history *persistence.HistoryStore
	traffic *traffic.Log
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitBody is the POST /async/submit request shape, per §6.
type submitBody struct {
	Payload  map[string]any `json:"payload" binding:"required"`
	Priority string         `json:"priority"`

	Aggressive *struct {
		Enabled          bool     `json:"enabled"`
		FallbackReason   string   `json:"fallbackReason"`
		ConfidenceBefore *float64 `json:"confidenceBefore"`
	} `json:"aggressive"`

	DomAnchor        string `json:"domAnchor"`
	ScreenshotRegion string `json:"screenshotRegion"`
	ReasoningNote    string `json:"reasoningNote"`
}

func (h *handler) submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, classifier.BuildAPIError(http.StatusBadRequest, classifier.CodeInvalidRequest, err.Error(), false, nil))
		return
	}

	meta := domain.RequestMeta{
		DomAnchor:        body.DomAnchor,
		ScreenshotRegion: body.ScreenshotRegion,
		ReasoningNote:    body.ReasoningNote,
	}
	if body.Aggressive != nil {
		meta.AggressiveEnabled = body.Aggressive.Enabled
		meta.FallbackReason = body.Aggressive.FallbackReason
		meta.ConfidenceBefore = body.Aggressive.ConfidenceBefore
	}

	result, err := h.facade.Submit(c.Request.Context(), queue.SubmitRequest{
		Payload:     body.Payload,
		Priority:    facade.NormalizePriority(body.Priority),
		RequestMeta: meta,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (h *handler) status(c *gin.Context) {
	snap, err := h.facade.Status(c.Param("jobId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) result(c *gin.Context) {
	jobID := c.Param("jobId")
	env, known, final := h.facade.Result(jobID)
	if !known {
		writeAPIError(c, classifier.BuildAPIError(http.StatusNotFound, classifier.CodeJobNotFound, "job not found", false, nil))
		return
	}
	if !final {
		status, _ := h.facade.Status(jobID)
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": status.Status})
		return
	}
	c.JSON(http.StatusOK, env)
}

func (h *handler) cancel(c *gin.Context) {
	jobID := c.Param("jobId")
	result, err := h.facade.Cancel(jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"job_id":  jobID,
		"status":  result.Status,
		"running": result.Running,
	})
}

func (h *handler) queueSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.facade.QueueSnapshot())
}

func (h *handler) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.facade.GetState(c.Request.Context()))
}

func (h *handler) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.facade.GetMetrics())
}

func (h *handler) aggressiveReport(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"aggressive": h.facade.AggressiveReport()})
}

func (h *handler) review(c *gin.Context) {
	payload, ok := h.facade.GetReviewPayload(c.Param("jobId"))
	if !ok {
		writeAPIError(c, classifier.BuildAPIError(http.StatusNotFound, classifier.CodeJobNotFound, "job not found or not yet final", false, nil))
		return
	}
	c.JSON(http.StatusOK, payload)
}
