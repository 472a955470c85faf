package server

import (
	"log/slog"
	"net/http"
	"time"

	"camarray/internal/apperr"
	"camarray/internal/camera"
	"camarray/internal/capture"
	"camarray/internal/identity"
	"camarray/internal/manager"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
)

// Handler はREST APIのハンドラ
type Handler struct {
	manager *manager.Manager
	logger  *slog.Logger
}

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CameraListResponse はカメラ一覧のレスポンス
type CameraListResponse struct {
	Cameras []identity.LogicalCamera `json:"cameras"`
}

// CaptureBody は撮影要求の本文
type CaptureBody struct {
	Identities []string          `json:"identities"`
	Exposures  []camera.Exposure `json:"exposures"`
	Count      *int              `json:"count"`
}

// CaptureResponse は撮影結果のレスポンス
type CaptureResponse struct {
	Results []capture.Result `json:"results"`
	Error   *ErrorResponse   `json:"error,omitempty"`
}

// ConfigureBody は再設定要求の本文
type ConfigureBody struct {
	KeepMissing *bool `json:"keep_missing"`
}

// RenameBody は名前変更の本文
type RenameBody struct {
	NewIdentity string `json:"new_identity" binding:"required"`
}

// ExposureBody は既定露出の本文（整数または "auto"）
type ExposureBody struct {
	Exposure *camera.Exposure `json:"exposure_time" binding:"required"`
}

// RotationBody は回転角の本文
type RotationBody struct {
	Rotation *int `json:"rotation" binding:"required"`
}

// QRCodeBody はサーバー上の画像を指定してQRコードを読み取る場合の本文
type QRCodeBody struct {
	Path string `json:"path" binding:"required"`
}

// AllResultsResponse はカメラ名ごとの撮影結果
type AllResultsResponse struct {
	Results map[string][]capture.Result `json:"results"`
}

// QRCodeResponse は読み取ったQRコードの一覧
type QRCodeResponse struct {
	Codes []string `json:"codes"`
}

// statusOf はエラー種別をHTTPステータスに対応付ける
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConfigurationRequired:
		return http.StatusConflict
	case apperr.KindHardwareTimeout, apperr.KindHardwareException:
		return http.StatusServiceUnavailable
	case apperr.KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(c *gin.Context, err error) *ErrorResponse {
	return &ErrorResponse{
		Error:     string(apperr.KindOf(err)),
		Message:   err.Error(),
		RequestID: c.GetString(requestIDKey),
		Timestamp: time.Now(),
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusOf(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error("リクエストの処理に失敗しました", "request_id", c.GetString(requestIDKey), "error", err)
	}
	c.JSON(status, newErrorResponse(c, err))
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	h.writeError(c, apperr.Wrap(apperr.KindValidation, err, "リクエストの形式が不正です"))
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// ListCameras は設定済みカメラの一覧
func (h *Handler) ListCameras(c *gin.Context) {
	cams, err := h.manager.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CameraListResponse{Cameras: cams})
}

// CheckCameras は設定済みカメラの接続状況
func (h *Handler) CheckCameras(c *gin.Context) {
	report, err := h.manager.Check(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ConfigureCameras は接続中のデバイスからカメラを設定し直す
func (h *Handler) ConfigureCameras(c *gin.Context) {
	var body ConfigureBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	policy := h.manager.MissingPolicy()
	if body.KeepMissing != nil {
		policy = identity.PolicyDropMissing
		if *body.KeepMissing {
			policy = identity.PolicyKeepMissing
		}
	}

	cams, err := h.manager.Configure(c.Request.Context(), policy)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CameraListResponse{Cameras: cams})
}

// RenameCamera はカメラ名を変更する
func (h *Handler) RenameCamera(c *gin.Context) {
	var body RenameBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.manager.Rename(c.Request.Context(), c.Param("id"), body.NewIdentity); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": body.NewIdentity})
}

// SetExposure は既定の露出を設定する
func (h *Handler) SetExposure(c *gin.Context) {
	var body ExposureBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.manager.SetDefaultExposure(c.Request.Context(), c.Param("id"), *body.Exposure); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": c.Param("id"), "exposure_time": body.Exposure})
}

// SetRotation は回転角を設定する
func (h *Handler) SetRotation(c *gin.Context) {
	var body RotationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.manager.SetDefaultRotation(c.Request.Context(), c.Param("id"), *body.Rotation); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": c.Param("id"), "rotation": *body.Rotation})
}

// Capture は撮影する
func (h *Handler) Capture(c *gin.Context) {
	var body CaptureBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	count := 1
	if body.Count != nil {
		count = *body.Count
	}

	res, err := h.manager.Capture(c.Request.Context(), manager.CaptureRequest{
		Identities: body.Identities,
		Exposures:  body.Exposures,
		Count:      count,
	})
	if err != nil && res == nil {
		h.writeError(c, err)
		return
	}
	if err != nil {
		// 撮影はできたが保存に失敗した
		h.logger.Error("撮影結果の保存に失敗しました", "request_id", c.GetString(requestIDKey), "error", err)
		c.JSON(statusOf(apperr.KindOf(err)), CaptureResponse{Results: res, Error: newErrorResponse(c, err)})
		return
	}
	c.JSON(http.StatusOK, CaptureResponse{Results: res})
}

// GetLatest は最新の撮影結果を返す
func (h *Handler) GetLatest(c *gin.Context) {
	res, err := h.manager.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetLatestImage は最新の撮影画像を返す
func (h *Handler) GetLatestImage(c *gin.Context) {
	res, err := h.manager.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.ImagePath == nil {
		h.writeError(c, apperr.New(apperr.KindNotFound, "カメラ %s の最新の撮影は失敗しています", c.Param("id")))
		return
	}
	c.File(*res.ImagePath)
}

// GetHistory は撮影結果の履歴を返す
func (h *Handler) GetHistory(c *gin.Context) {
	history, err := h.manager.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": history})
}

// GetAllResults はすべてのカメラの撮影結果を返す
func (h *Handler) GetAllResults(c *gin.Context) {
	all, err := h.manager.AllResults(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AllResultsResponse{Results: all})
}

// RemoveResults は撮影結果をすべて削除する
func (h *Handler) RemoveResults(c *gin.Context) {
	if err := h.manager.RemoveAllResults(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DecodeQR はQRコードを読み取る
// multipart の image フィールドで画像を受け取るか、JSON でサーバー上のパスを受け取る
func (h *Handler) DecodeQR(c *gin.Context) {
	if file, err := c.FormFile("image"); err == nil {
		f, err := file.Open()
		if err != nil {
			h.badRequest(c, err)
			return
		}
		defer f.Close()

		img, err := imaging.Decode(f, imaging.AutoOrientation(true))
		if err != nil {
			h.writeError(c, apperr.Wrap(apperr.KindValidation, err, "画像を読み込めません"))
			return
		}
		codes, err := h.manager.QRDetector().Decode(img)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, QRCodeResponse{Codes: codes})
		return
	}

	var body QRCodeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badRequest(c, err)
		return
	}
	codes, err := h.manager.DecodeQR(c.Request.Context(), body.Path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, QRCodeResponse{Codes: codes})
}
