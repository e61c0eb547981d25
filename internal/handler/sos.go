package handlers

import (
	"path"
	"strconv"
	"strings"

	"WalkGuard/internal/sos"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/middleware"
	"WalkGuard/pkg/response"
	"WalkGuard/pkg/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxMediaBytes = 50 << 20

var mediaTypes = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".heic": true,
	".mp4": true, ".mov": true, ".m4a": true, ".aac": true, ".3gp": true,
}

type directChannel struct {
	EmergencyNumber string `json:"emergency_number"`
	Instruction     string `json:"instruction"`
}

func (h *Handlers) handleCreateSOS(c *gin.Context) {
	var req sos.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, err.Error(), nil)
		return
	}
	user := middleware.CurrentUser(c)
	res, err := h.events.Create(c.Request.Context(), user, req)
	if err != nil {
		if errors.IsCode(err, errors.CodeUnavailable) {
			// the caller must not be left believing help is on the way
			response.ErrorWithData(c, err, directChannel{
				EmergencyNumber: constant.EmergencyNumber,
				Instruction: response.T(c, "sos.direct_channel",
					"We could not record your SOS. Call "+constant.EmergencyNumber+" now.",
					map[string]interface{}{"Number": constant.EmergencyNumber}),
			})
			return
		}
		response.Error(c, err)
		return
	}

	msg := "sos created"
	if res.MediaRejected {
		msg = response.T(c, "sos.media_rejected", "media not attached: media capture consent is off", nil)
	}
	response.Created(c, msg, res)
}

func (h *Handlers) handleListOwnSOS(c *gin.Context) {
	list, err := h.events.ListByOwner(c.Request.Context(), middleware.CurrentUser(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", list)
}

// handleUploadMedia stores one file and returns the key to cite in POST /sos
func (h *Handlers) handleUploadMedia(c *gin.Context) {
	if h.media == nil {
		response.Error(c, errors.WithCode(errors.CodeUnavailable, "media storage is not configured"))
		return
	}
	ctx := c.Request.Context()
	user := middleware.CurrentUser(c)

	grants, err := h.consent.Get(ctx, user)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !grants.MediaCapture {
		response.Error(c, errors.PermissionDenied("media capture consent not granted"))
		return
	}
	if v := c.PostForm("media_permission"); v != "" {
		if ok, perr := strconv.ParseBool(v); perr == nil && !ok {
			response.Error(c, errors.PermissionDenied("device media permission denied"))
			return
		}
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.Fail(c, "file is required", nil)
		return
	}
	ext := strings.ToLower(path.Ext(file.Filename))
	if !mediaTypes[ext] {
		response.Fail(c, "unsupported media type "+ext, nil)
		return
	}
	if file.Size <= 0 || file.Size > maxMediaBytes {
		response.Fail(c, "media file must be between 1 byte and 50MB", nil)
		return
	}

	src, err := file.Open()
	if err != nil {
		response.Fail(c, "cannot read upload", nil)
		return
	}
	defer src.Close()

	key := storage.MediaKey(user, file.Filename)
	if err := h.media.Put(ctx, key, src, file.Size, file.Header.Get("Content-Type")); err != nil {
		response.Error(c, errors.Unavailable(err, "store media"))
		return
	}
	logger.Info("sos media stored", zap.String("user_id", user), zap.String("key", key), zap.Int64("size", file.Size))
	response.Created(c, "media stored", gin.H{"key": key, "url": h.media.URL(key)})
}
