package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/support-signaling/internal/history"
	"github.com/mossy-p/support-signaling/internal/iceconfig"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/mossy-p/support-signaling/internal/queue"
)

const dateLayout = "2006-01-02"

// CallHistory is the part of the history store the API needs
type CallHistory interface {
	Rate(ctx context.Context, sessionID string, rating int) error
	Range(ctx context.Context, start, end time.Time) ([]models.CallRecord, error)
}

// RateSession stores the post-call rating of a session (public, called by
// the end-user right after the call)
func RateSession(store CallHistory) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Call history is disabled"})
			return
		}
		sessionID := c.Param("sessionId")

		var req models.RatingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Rating must be between 1 and 5"})
			return
		}

		err := store.Rate(c.Request.Context(), sessionID, req.Rating)
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		if err != nil {
			log.Printf("Failed to rate session %s: %v", sessionID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store rating"})
			return
		}

		log.Printf("Session %s rated %d", sessionID, req.Rating)
		c.JSON(http.StatusOK, gin.H{"message": "Rating stored"})
	}
}

// SessionRange lists call sessions started between start and end, both
// inclusive days (requires admin)
func SessionRange(store CallHistory) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Call history is disabled"})
			return
		}
		startStr, endStr := c.Query("start"), c.Query("end")
		start, err := time.Parse(dateLayout, startStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start must be YYYY-MM-DD"})
			return
		}
		end, err := time.Parse(dateLayout, endStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must be YYYY-MM-DD"})
			return
		}
		if end.Before(start) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end is before start"})
			return
		}

		sessions, err := store.Range(c.Request.Context(), start, end.AddDate(0, 0, 1))
		if err != nil {
			log.Printf("Failed to list sessions: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
			return
		}

		c.JSON(http.StatusOK, models.SessionRangeResponse{
			Start:    startStr,
			End:      endStr,
			Sessions: sessions,
		})
	}
}

// GetQueue returns the pending requests and online technicians (requires
// technician or admin)
func GetQueue(svc *queue.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := svc.Snapshot(c.Request.Context())
		if err != nil {
			log.Printf("Failed to read queue: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue"})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetICEServers returns the STUN/TURN list clients configure their peer
// connections with (public)
func GetICEServers(servers func() []iceconfig.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, servers())
	}
}
