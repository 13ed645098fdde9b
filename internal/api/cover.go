package api

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jkaflik/blinds2mqtt/internal/coordinator"
)

// Cover is what the API controls. *coordinator.Coordinator implements it.
type Cover interface {
	Name() string
	Tilt(duration time.Duration) error
	PosAndTilt(pos int, duration time.Duration) error
	Snapshot(ctx context.Context) (coordinator.Snapshot, error)
}

type TiltRequest struct {
	// Tilt is the opening pulse from the closed reference state, in seconds.
	Tilt *float64 `json:"tilt" binding:"required"`
}

type PositionRequest struct {
	Position *int    `json:"position" binding:"required"`
	Tilt     float64 `json:"tilt"`
}

type CoverHandler struct {
	covers map[string]Cover
	order  []string
}

func NewCoverHandler(covers []Cover) *CoverHandler {
	h := &CoverHandler{covers: map[string]Cover{}}
	for _, c := range covers {
		h.covers[c.Name()] = c
		h.order = append(h.order, c.Name())
	}

	return h
}

func (h *CoverHandler) List(c *gin.Context) {
	snapshots := make([]coordinator.Snapshot, 0, len(h.order))
	for _, name := range h.order {
		s, err := h.covers[name].Snapshot(c.Request.Context())
		if err != nil {
			abortWithError(c, http.StatusServiceUnavailable, err)
			return
		}
		snapshots = append(snapshots, s)
	}

	c.JSON(http.StatusOK, snapshots)
}

func (h *CoverHandler) Get(c *gin.Context) {
	cover, ok := h.cover(c)
	if !ok {
		return
	}

	s, err := cover.Snapshot(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusServiceUnavailable, err)
		return
	}

	c.JSON(http.StatusOK, s)
}

func (h *CoverHandler) Tilt(c *gin.Context) {
	cover, ok := h.cover(c)
	if !ok {
		return
	}

	var req TiltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	if err := cover.Tilt(seconds(*req.Tilt)); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *CoverHandler) Position(c *gin.Context) {
	cover, ok := h.cover(c)
	if !ok {
		return
	}

	var req PositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	if err := cover.PosAndTilt(*req.Position, seconds(req.Tilt)); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *CoverHandler) cover(c *gin.Context) (Cover, bool) {
	name := c.Param("name")
	cover, ok := h.covers[name]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "cover " + name + " not found"})
	}

	return cover, ok
}

func abortWithError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
