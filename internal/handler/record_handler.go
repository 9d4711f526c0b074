package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecordStore is a writable record store; only the in-memory source offers one.
type RecordStore interface {
	Create(entity, id string) error
	Update(entity, id string) error
	Delete(entity, id string) error
}

// RecordHandler 演示模式下的记录写入接口
type RecordHandler struct {
	store  RecordStore
	entity string
	logger *zap.Logger
}

func NewRecordHandler(store RecordStore, entity string, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{
		store:  store,
		entity: entity,
		logger: logger,
	}
}

func (h *RecordHandler) CreateRecord(c *gin.Context) {
	h.apply(c, h.store.Create, http.StatusCreated, http.StatusConflict)
}

func (h *RecordHandler) UpdateRecord(c *gin.Context) {
	h.apply(c, h.store.Update, http.StatusOK, http.StatusNotFound)
}

func (h *RecordHandler) DeleteRecord(c *gin.Context) {
	h.apply(c, h.store.Delete, http.StatusOK, http.StatusNotFound)
}

func (h *RecordHandler) apply(c *gin.Context, op func(entity, id string) error, okStatus, failStatus int) {
	id := c.Param("id")
	if err := op(h.entity, id); err != nil {
		h.logger.Warn("record write failed", zap.String("id", id), zap.Error(err))
		c.JSON(failStatus, gin.H{"error": err.Error()})
		return
	}
	c.JSON(okStatus, gin.H{"id": id, "entityName": h.entity})
}

func (h *RecordHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/records/:id", h.CreateRecord)
	r.PUT("/records/:id", h.UpdateRecord)
	r.DELETE("/records/:id", h.DeleteRecord)
}
