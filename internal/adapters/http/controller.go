package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/app/call"
	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/app/relay"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// CallService is what the UI may do with the call slot.
type CallService interface {
	Self() domain.User
	InitiateCall(ctx context.Context, peerID domain.UserID, peerName string, isVideo bool) error
	AcceptCall(ctx context.Context) error
	RejectCall() error
	EndCall() error
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	Snapshot() call.Snapshot
}

type PlayoutStats interface {
	Stats() (string, []relay.TrackStats)
}

type Controller struct {
	Calls    CallService
	Playouts PlayoutStats
	Limiter  *RedialLimiter
	Registry *app.Registry
	Orch     *orch.Orchestrator
}

type initiateRequest struct {
	PeerID   string `json:"peer_id"`
	PeerName string `json:"peer_name"`
	Video    bool   `json:"video"`
}

var errRateLimited = errors.New("too many call attempts")

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrBusy), errors.Is(err, core.ErrInvalidState), errors.Is(err, core.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrDeviceUnavailable), errors.Is(err, core.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNegotiation), errors.Is(err, core.ErrConnectivityLost):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrUserIDEmpty), errors.Is(err, domain.ErrUserIDTooLong), errors.Is(err, domain.ErrUsernameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (ctl *Controller) Me(c *gin.Context) {
	self := ctl.Calls.Self()
	c.JSON(http.StatusOK, gin.H{"id": self.ID, "name": self.Name})
}

func (ctl *Controller) State(c *gin.Context) {
	c.JSON(http.StatusOK, ctl.Calls.Snapshot())
}

func (ctl *Controller) Initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	peer := domain.UserID(req.PeerID)
	if err := domain.ValidateUserID(req.PeerID); err != nil {
		fail(c, err)
		return
	}
	if len(req.PeerName) > domain.MaxUsernameLen {
		fail(c, domain.ErrUsernameTooLong)
		return
	}
	if !ctl.Limiter.Allow(peer) {
		fail(c, errRateLimited)
		return
	}
	if err := ctl.Calls.InitiateCall(c.Request.Context(), peer, req.PeerName, req.Video); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl.Calls.Snapshot())
}

func (ctl *Controller) Accept(c *gin.Context) {
	if err := ctl.Calls.AcceptCall(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl.Calls.Snapshot())
}

func (ctl *Controller) Reject(c *gin.Context) {
	if err := ctl.Calls.RejectCall(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl.Calls.Snapshot())
}

func (ctl *Controller) End(c *gin.Context) {
	if err := ctl.Calls.EndCall(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl.Calls.Snapshot())
}

func (ctl *Controller) Mute(c *gin.Context) {
	muted, err := ctl.Calls.ToggleMute()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (ctl *Controller) Video(c *gin.Context) {
	off, err := ctl.Calls.ToggleVideo()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_suppressed": off})
}

func (ctl *Controller) Playout(c *gin.Context) {
	if ctl.Playouts == nil {
		c.JSON(http.StatusOK, gin.H{"aggregate": "", "tracks": []relay.TrackStats{}})
		return
	}
	agg, tracks := ctl.Playouts.Stats()
	if tracks == nil {
		tracks = []relay.TrackStats{}
	}
	c.JSON(http.StatusOK, gin.H{"aggregate": agg, "tracks": tracks})
}
