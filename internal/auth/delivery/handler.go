package delivery

import (
	"net/http"

	"mailpipe-backend/internal/auth/usecase"

	"github.com/gin-gonic/gin"
)

type DeviceHandler struct {
	authUsecase usecase.AuthUsecase
}

func NewDeviceHandler(authUsecase usecase.AuthUsecase) *DeviceHandler {
	return &DeviceHandler{authUsecase: authUsecase}
}

type registerDeviceRequest struct {
	Token      string `json:"token" binding:"required"`
	DeviceInfo string `json:"device_info"`
}

// RegisterFCMToken stores a push token for digest notifications
// POST /api/fcm/register
func (h *DeviceHandler) RegisterFCMToken(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.authUsecase.RegisterDevice(c.Request.Context(), c.GetString("userID"), req.Token, req.DeviceInfo); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device registered"})
}

// UnregisterFCMToken removes a push token
// DELETE /api/fcm/:token
func (h *DeviceHandler) UnregisterFCMToken(c *gin.Context) {
	if err := h.authUsecase.UnregisterDevice(c.Request.Context(), c.GetString("userID"), c.Param("token")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device unregistered"})
}
