package delivery

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mailpipe-backend/internal/pipeline/domain"
	"mailpipe-backend/internal/pipeline/repository"

	"github.com/gin-gonic/gin"
)

const (
	defaultEntryLookback = 7 * 24 * time.Hour
	defaultListLimit     = 50
	maxListLimit         = 500
)

// RunTrigger starts a run outside the schedule.
type RunTrigger interface {
	RunNow(ctx context.Context, userID string, feature domain.Feature) (*domain.ScanRun, error)
}

// PipelineHandler exposes manual runs, run status and extracted entries.
type PipelineHandler struct {
	trigger RunTrigger
	runs    repository.ScanRunRepository
	entries repository.EntryRepository
}

func NewPipelineHandler(trigger RunTrigger, runs repository.ScanRunRepository, entries repository.EntryRepository) *PipelineHandler {
	return &PipelineHandler{trigger: trigger, runs: runs, entries: entries}
}

// RunNow schedules an immediate run of one feature
// POST /api/pipelines/:feature/run
func (h *PipelineHandler) RunNow(c *gin.Context) {
	feature, err := domain.ParseFeature(c.Param("feature"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := h.trigger.RunNow(c.Request.Context(), c.GetString("userID"), feature)
	switch {
	case errors.Is(err, domain.ErrRunInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
		return
	case errors.Is(err, domain.ErrConfigNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "feature is not enabled"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// ListRuns returns the caller's recent runs
// GET /api/runs?feature=triage&limit=20
func (h *PipelineHandler) ListRuns(c *gin.Context) {
	var feature domain.Feature
	if raw := c.Query("feature"); raw != "" {
		f, err := domain.ParseFeature(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		feature = f
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runs, err := h.runs.ListByUser(c.Request.Context(), c.GetString("userID"), feature, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetRun returns one run owned by the caller
// GET /api/runs/:id
func (h *PipelineHandler) GetRun(c *gin.Context) {
	run, err := h.runs.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// other users' runs are reported as missing
	if run == nil || run.UserID != c.GetString("userID") {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListEntries queries extracted entries by source message time
// GET /api/entries?feature=&type=&min_confidence=&from=&to=&run_id=&limit=
func (h *PipelineHandler) ListEntries(c *gin.Context) {
	filter, start, end, err := parseEntryQuery(c, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := h.entries.Query(c.Request.Context(), c.GetString("userID"), start, end, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"from":    start,
		"to":      end,
	})
}

func parseEntryQuery(c *gin.Context, now time.Time) (domain.EntryFilter, time.Time, time.Time, error) {
	var filter domain.EntryFilter
	if raw := c.Query("feature"); raw != "" {
		f, err := domain.ParseFeature(raw)
		if err != nil {
			return filter, time.Time{}, time.Time{}, err
		}
		filter.Feature = f
	}
	filter.EntryType = c.Query("type")
	filter.ScanRunID = c.Query("run_id")

	if raw := c.Query("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return filter, time.Time{}, time.Time{}, errors.New("min_confidence must be between 0 and 1")
		}
		filter.MinConfidence = v
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return filter, time.Time{}, time.Time{}, err
	}
	filter.Limit = limit

	end := now
	if raw := c.Query("to"); raw != "" {
		if end, err = parseTime(raw); err != nil {
			return filter, time.Time{}, time.Time{}, errors.New("to must be RFC 3339 or YYYY-MM-DD")
		}
	}
	start := end.Add(-defaultEntryLookback)
	if raw := c.Query("from"); raw != "" {
		if start, err = parseTime(raw); err != nil {
			return filter, time.Time{}, time.Time{}, errors.New("from must be RFC 3339 or YYYY-MM-DD")
		}
	}
	if start.After(end) {
		return filter, time.Time{}, time.Time{}, errors.New("from must not be after to")
	}
	return filter, start, end, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}
