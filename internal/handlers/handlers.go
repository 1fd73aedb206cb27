package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Brownie44l1/plant-doctor-api/internal/catalog"
	"github.com/Brownie44l1/plant-doctor-api/internal/classify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// multipartOverhead is the slack allowed on top of the file limit for
// boundaries and part headers.
const multipartOverhead = 1 << 20

// PredictionRequest carries a preprocessed NHWC tensor.
type PredictionRequest struct {
	Image []float32 `json:"image" binding:"required"`
}

type Handler struct {
	classifier     *classify.Service
	catalog        *catalog.Catalog
	logger         *zap.Logger
	maxUploadBytes int64
}

func NewHandler(classifier *classify.Service, cat *catalog.Catalog, logger *zap.Logger, maxUploadBytes int64) *Handler {
	return &Handler{
		classifier:     classifier,
		catalog:        cat,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// NewRouter wires the handler and middleware into a gin engine.
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(logger), CORS())
	r.MaxMultipartMemory = h.maxUploadBytes + multipartOverhead
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/labels", h.Labels)
	r.GET("/treatments/:label", h.Treatment)
	r.POST("/predict", h.Predict)
	r.POST("/predict/image", h.PredictFromImage)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Labels(c *gin.Context) {
	labels := h.catalog.Labels()
	c.JSON(http.StatusOK, gin.H{"labels": labels, "count": len(labels)})
}

func (h *Handler) Treatment(c *gin.Context) {
	label := c.Param("label")
	if _, ok := h.catalog.Index(label); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown label %q", label)})
		return
	}

	t, ok := h.catalog.Treatment(label)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"label": label, "message": classify.NoTreatmentMessage})
		return
	}
	c.JSON(http.StatusOK, gin.H{"label": label, "treatment": t})
}

// Predict classifies a tensor the caller has already preprocessed.
func (h *Handler) Predict(c *gin.Context) {
	var req PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	if expected := h.classifier.TensorSize(); len(req.Image) != expected {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Expected %d values, got %d", expected, len(req.Image)),
		})
		return
	}

	result, err := h.classifier.ClassifyTensor(req.Image, h.callOptions(c)...)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PredictFromImage classifies an image uploaded in the "image" form field.
func (h *Handler) PredictFromImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)

	header, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeTooLarge(c)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided. Use 'image' as the form field name"})
		return
	}
	if header.Size > h.maxUploadBytes {
		h.writeTooLarge(c)
		return
	}

	file, err := header.Open()
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded file"})
		return
	}

	h.logger.Debug("received upload",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size))

	result, err := h.classifier.Classify(data, h.callOptions(c)...)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) callOptions(c *gin.Context) []classify.Option {
	if scores, _ := strconv.ParseBool(c.Query("scores")); scores {
		return []classify.Option{classify.WithScores()}
	}
	return nil
}

func (h *Handler) writeTooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("Image exceeds the %d byte limit", h.maxUploadBytes),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, classify.ErrImageDecode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image format. Supported: JPEG, PNG, GIF"})
	case errors.Is(err, catalog.ErrIndexOutOfRange):
		h.logger.Error("label vocabulary is inconsistent with the model", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal configuration error"})
	default:
		h.logger.Error("prediction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Prediction failed"})
	}
}
