package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaylabs/async-sidecar/internal/classifier"
	"github.com/relaylabs/async-sidecar/internal/replay"
)

// replayRunBody is the POST /replay/run request shape, per §6.
type replayRunBody struct {
	ReplayName     string `json:"replayName"`
	BaselineModel  string `json:"baselineModel" binding:"required"`
	CandidateModel string `json:"candidateModel" binding:"required"`
	Cases          []struct {
		ID       string         `json:"id"`
		Payload  map[string]any `json:"payload"`
		Expected map[string]any `json:"expected"`
	} `json:"cases" binding:"required,min=1"`
}

func (h *handler) replayRun(c *gin.Context) {
	var body replayRunBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, classifier.BuildAPIError(http.StatusBadRequest, classifier.CodeInvalidRequest, err.Error(), false, nil))
		return
	}

	cases := make([]replay.Case, 0, len(body.Cases))
	for _, rc := range body.Cases {
		cases = append(cases, replay.Case{ID: rc.ID, Payload: rc.Payload, Expected: rc.Expected})
	}

	report, err := h.facade.RunReplay(c.Request.Context(), replay.RunRequest{
		ReplayName:     body.ReplayName,
		BaselineModel:  body.BaselineModel,
		CandidateModel: body.CandidateModel,
		Cases:          cases,
	})
	if err != nil {
		writeAPIError(c, classifier.BuildAPIError(http.StatusInternalServerError, classifier.CodeInternalError, err.Error(), false, nil))
		return
	}

	c.JSON(http.StatusOK, report)
}

func (h *handler) replayReport(c *gin.Context) {
	report, ok := h.facade.GetReplayReport(c.Param("replayId"))
	if !ok {
		writeAPIError(c, classifier.BuildAPIError(http.StatusNotFound, "NOT_FOUND", "replay report not found", false, nil))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) replayHistory(c *gin.Context) {
	rows, err := h.history.Recent(c.Request.Context(), 20)
	if err != nil {
		writeAPIError(c, classifier.BuildAPIError(http.StatusInternalServerError, classifier.CodeInternalError, err.Error(), false, nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}

func (h *handler) trafficRecent(c *gin.Context) {
	if h.traffic == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": h.traffic.Recent(100)})
}

func (h *handler) trafficClear(c *gin.Context) {
	if h.traffic != nil {
		h.traffic.Clear()
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
