package httpapi

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"voice-signaling/internal/auth"
	"voice-signaling/internal/calls"
	"voice-signaling/internal/config"
	"voice-signaling/internal/ice"
	"voice-signaling/internal/stats"
	"voice-signaling/pkg/logger"
	"voice-signaling/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth  *auth.Manager
	Calls calls.Store
	Stats *stats.Service
	ICE   config.ICEConfig

	DB    *sql.DB
	Redis *redis.Client
}

// --- Auth ---

type tokenRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// IssueToken issues a JWT token pair for a user identity.
//
// NOTE: identities are caller-asserted here; credential validation belongs
// to the platform fronting this service.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.DisplayName)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- ICE ---

// ICEServers hands clients the STUN/TURN list for their RTCPeerConnection.
// Without a relay the answer is useless behind symmetric NAT, so a missing
// TURN config is reported as an error rather than a STUN-only list.
func (h Handlers) ICEServers(c *gin.Context) {
	if !ice.HasTURN(h.ICE) {
		logger.FromGin(c).Error("no TURN server configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no TURN server configured", "iceServers": []ice.Descriptor{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": ice.Descriptors(h.ICE)})
}

// --- Calls ---

// CallHistory lists the authenticated user's calls, newest first.
func (h Handlers) CallHistory(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	rows, err := h.Calls.ListForIdentity(c.Request.Context(), userID, limit)
	if err != nil {
		logger.FromGin(c).Error("history lookup failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if rows == nil {
		rows = []calls.Call{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows})
}

// --- Stats ---

// StatsSnapshot returns the live counters, plus an aggregate summary when
// the caller supplies an RFC3339 from/to window.
func (h Handlers) StatsSnapshot(c *gin.Context) {
	if h.Stats == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stats not configured"})
		return
	}
	out := gin.H{"live": h.Stats.Live(c.Request.Context())}

	fromRaw, toRaw := c.Query("from"), c.Query("to")
	if fromRaw != "" || toRaw != "" {
		from, err1 := time.Parse(time.RFC3339, fromRaw)
		to, err2 := time.Parse(time.RFC3339, toRaw)
		if err1 != nil || err2 != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339"})
			return
		}
		sum, err := h.Stats.CallsSummary(c.Request.Context(), stats.CallsSummaryRequest{
			Range: stats.TimeRange{From: from, To: to},
		})
		if errors.Is(err, stats.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		if err != nil {
			logger.FromGin(c).Error("stats summary failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
			return
		}
		out["summary"] = sum
	}
	c.JSON(http.StatusOK, out)
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports whether the durable tiers answer. The signaling plane keeps
// working without them, so this gates load balancer rotation only.
func (h Handlers) Ready(c *gin.Context) {
	type tier struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	out := gin.H{}
	healthy := true

	pg := tier{OK: true}
	if h.DB == nil {
		pg = tier{OK: false, Error: "not configured"}
	} else if err := utils.HealthCheck(c.Request.Context(), h.DB, 2*time.Second); err != nil {
		pg = tier{OK: false, Error: err.Error()}
	}
	if !pg.OK {
		healthy = false
	}
	out["postgres"] = pg

	rd := tier{OK: true}
	if h.Redis == nil {
		rd = tier{OK: false, Error: "not configured"}
	} else if err := h.Redis.Ping(c.Request.Context()).Err(); err != nil {
		rd = tier{OK: false, Error: err.Error()}
	}
	if !rd.OK {
		healthy = false
	}
	out["redis"] = rd

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, out)
}
