package workerapi

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/lifecycle"
	"github.com/zulandar/roundhouse/internal/metrics"
	"github.com/zulandar/roundhouse/internal/models"
)

type handlers struct {
	db        *gorm.DB
	cfg       *config.Config
	log       zerolog.Logger
	staleness time.Duration
}

type registerRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
}

type registerResponse struct {
	InstanceID string `json:"instance_id"`
	Token      string `json:"token"`
	ModelID    string `json:"model_id"`

	// Provider-scoped worker configuration, handed out at registration so
	// the worker knows where to bind before its first heartbeat.
	HealthPort    int64  `json:"health_port"`
	InferencePort int64  `json:"inference_port"`
	VLLMMode      string `json:"vllm_mode,omitempty"`
}

func (h *handlers) settingInt(provider, key string, fallback int64) int64 {
	var s models.ProviderSetting
	err := h.db.Where("provider = ? AND key = ?", provider, key).First(&s).Error
	if err != nil || s.ValueInt == nil {
		return fallback
	}
	return *s.ValueInt
}

func (h *handlers) settingText(provider, key string) string {
	var s models.ProviderSetting
	if err := h.db.Where("provider = ? AND key = ?", provider, key).First(&s).Error; err != nil {
		return ""
	}
	return s.ValueText
}

// register issues the heartbeat token. The token is created exactly once,
// on the first register after boot; a machine that already has one must keep
// using it. Callers must arrive from the instance's own address, except on
// the mock provider where there is no real network.
func (h *handlers) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instance_id is required"})
		return
	}

	var inst models.Instance
	if err := h.db.First(&inst, "id = ?", req.InstanceID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instance"})
		return
	}
	switch inst.Status {
	case lifecycle.StatusBooting, lifecycle.StatusReady:
	default:
		c.JSON(http.StatusConflict, gin.H{"error": "instance is not accepting workers"})
		return
	}

	if inst.Provider != "mock" && c.ClientIP() != inst.IPAddress {
		h.log.Warn().
			Str("instance_id", inst.ID).
			Str("client_ip", c.ClientIP()).
			Str("expected_ip", inst.IPAddress).
			Msg("register from wrong address")
		c.JSON(http.StatusForbidden, gin.H{"error": "source address mismatch"})
		return
	}

	var existing models.WorkerToken
	err := h.db.First(&existing, "instance_id = ? AND revoked_at IS NULL", inst.ID).Error
	if err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "token already issued"})
		return
	}
	if err != gorm.ErrRecordNotFound {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	plaintext, hash, err := newToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	token := models.WorkerToken{
		InstanceID:  inst.ID,
		TokenHash:   hash,
		TokenPrefix: plaintext[:8],
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.db.Create(&token).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	h.log.Info().Str("instance_id", inst.ID).Msg("worker registered")
	c.JSON(http.StatusOK, registerResponse{
		InstanceID:    inst.ID,
		Token:         plaintext,
		ModelID:       inst.ModelID,
		HealthPort:    h.settingInt(inst.Provider, models.SettingWorkerHealthPort, 8081),
		InferencePort: h.settingInt(inst.Provider, models.SettingWorkerInferencePort, 8000),
		VLLMMode:      h.settingText(inst.Provider, models.SettingVLLMMode),
	})
}

type heartbeatRequest struct {
	InstanceID     string   `json:"instance_id" binding:"required"`
	Status         string   `json:"status"`
	ModelID        string   `json:"model_id"`
	QueueDepth     *int     `json:"queue_depth"`
	GPUUtilization *float64 `json:"gpu_utilization"`
	HealthPort     *int     `json:"health_port"`
	InferencePort  *int     `json:"inference_port"`
	Metadata       string   `json:"metadata"`
}

type heartbeatResponse struct {
	// Action tells the worker what to do next: continue, drain (finish
	// queued work, take nothing new), or terminate (shut down now).
	Action string `json:"action"`
}

func (h *handlers) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "instance_id is required"})
		return
	}

	token := bearerToken(c)
	if token == "" {
		metrics.HeartbeatsTotal.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	var stored models.WorkerToken
	err := h.db.First(&stored, "instance_id = ? AND revoked_at IS NULL", req.InstanceID).Error
	if err != nil || !tokenMatches(token, stored.TokenHash) {
		metrics.HeartbeatsTotal.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	var inst models.Instance
	if err := h.db.First(&inst, "id = ?", req.InstanceID).Error; err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("unknown").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instance"})
		return
	}

	// A dead row never accepts heartbeats; tell the worker to stop.
	switch inst.Status {
	case lifecycle.StatusTerminated, lifecycle.StatusArchived, lifecycle.StatusTerminating:
		metrics.HeartbeatsTotal.WithLabelValues("terminated").Inc()
		c.JSON(http.StatusGone, heartbeatResponse{Action: "terminate"})
		return
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"worker_last_heartbeat": now,
		"worker_status":         req.Status,
		"worker_model_id":       req.ModelID,
		"worker_metadata":       req.Metadata,
	}
	if req.QueueDepth != nil {
		updates["worker_queue_depth"] = *req.QueueDepth
	}
	if req.GPUUtilization != nil {
		updates["worker_gpu_utilization"] = *req.GPUUtilization
	}
	if req.HealthPort != nil {
		updates["worker_health_port"] = *req.HealthPort
	}
	if req.InferencePort != nil {
		// ip:inference_port pairs must stay unique among live instances;
		// the routing layer addresses workers by them.
		var clashes int64
		err := h.db.Model(&models.Instance{}).
			Where("id <> ? AND ip_address = ? AND worker_inference_port = ? AND status IN ?",
				inst.ID, inst.IPAddress, *req.InferencePort,
				[]string{lifecycle.StatusBooting, lifecycle.StatusReady, lifecycle.StatusDraining}).
			Count(&clashes).Error
		if err == nil && clashes > 0 {
			metrics.HeartbeatsTotal.WithLabelValues("conflict").Inc()
			c.JSON(http.StatusConflict, gin.H{"error": "inference endpoint already claimed by another instance"})
			return
		}
		updates["worker_inference_port"] = *req.InferencePort
	}
	if err := h.db.Model(&models.Instance{}).Where("id = ?", inst.ID).Updates(updates).Error; err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	h.db.Model(&models.WorkerToken{}).Where("instance_id = ?", inst.ID).Update("last_seen_at", now)

	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	action := "continue"
	if inst.Status == lifecycle.StatusDraining {
		action = "drain"
	}
	c.JSON(http.StatusOK, heartbeatResponse{Action: action})
}

type statusSummary struct {
	Provider string `json:"provider"`
	Status   string `json:"status"`
	Count    int64  `json:"count"`
}

func (h *handlers) adminStatus(c *gin.Context) {
	var rows []statusSummary
	err := h.db.Model(&models.Instance{}).
		Select("provider, status, count(*) as count").
		Where("is_archived = ?", false).
		Group("provider, status").
		Scan(&rows).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": rows})
}

func (h *handlers) adminInstance(c *gin.Context) {
	var inst models.Instance
	if err := h.db.First(&inst, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instance"})
		return
	}
	var transitions []models.StateTransition
	h.db.Order("id").Find(&transitions, "instance_id = ?", inst.ID)

	healthy := inst.WorkerLastHeartbeat != nil &&
		time.Since(*inst.WorkerLastHeartbeat) < h.staleness
	c.JSON(http.StatusOK, gin.H{
		"instance":       inst,
		"transitions":    transitions,
		"worker_healthy": healthy,
	})
}

// newToken returns a fresh plaintext token and its sha256 hex hash. Only the
// hash is stored.
func newToken() (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(plaintext))
	return plaintext, hex.EncodeToString(sum[:]), nil
}

func tokenMatches(plaintext, storedHash string) bool {
	sum := sha256.Sum256([]byte(plaintext))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(storedHash)) == 1
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
