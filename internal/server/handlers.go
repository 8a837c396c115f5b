package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"acs/internal/acs"
)

type handlers struct {
	svc *acs.Service
	log *zap.Logger
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
	})
}

func (h *handlers) version(c *gin.Context) {
	var req acs.VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	c.JSON(http.StatusOK, h.svc.Version(&req))
}

func (h *handlers) authenticate(c *gin.Context) {
	var req acs.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	resp, err := h.svc.Authenticate(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, acs.ErrMissingSDKTransID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("authentication failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) results(c *gin.Context) {
	var req acs.ResultsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	resp, err := h.svc.Results(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, acs.ErrTransactionNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("results update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) final(c *gin.Context) {
	var req acs.FinalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	resp, err := h.svc.Final(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, acs.ErrTransactionNotFound) || errors.Is(err, acs.ErrResultsNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("final lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// mobileChallenge passes the raw JWE body through the challenge
// pipeline. Error bodies use the errorCode/errorDescription shape the
// SDKs expect.
func (h *handlers) mobileChallenge(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorCode":        "400",
			"errorDescription": "Invalid request body encoding",
		})
		return
	}
	encrypted, err := h.svc.MobileChallenge(c.Request.Context(), body)
	if err != nil {
		var ce *acs.ChallengeError
		if errors.As(err, &ce) {
			c.JSON(ce.Status, gin.H{
				"errorCode":        strconv.Itoa(ce.Status),
				"errorDescription": ce.Description,
			})
			return
		}
		h.log.Error("mobile challenge failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"errorCode":        "500",
			"errorDescription": "Internal server error",
		})
		return
	}
	c.Data(http.StatusOK, "application/jose", []byte(encrypted))
}

func (h *handlers) triggerOTP(c *gin.Context) {
	creq := c.PostForm("creq")
	html, err := h.svc.TriggerOTP(c.Request.Context(), creq, c.Query("redirectUrl"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

func (h *handlers) verifyOTP(c *gin.Context) {
	location := h.svc.VerifyOTP(c.Request.Context(),
		c.PostForm("otp"),
		c.PostForm("threeDSServerTransID"),
		c.Query("redirectUrl"))
	c.Redirect(http.StatusFound, location)
}
