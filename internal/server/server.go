// Package server exposes the serving and administrative HTTP surface:
// chat, spec lifecycle, module lifecycle, grounding records, and the
// regression runner.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"twincore/internal/intent"
	"twincore/internal/logging"
	"twincore/internal/persona"
	"twincore/internal/pipeline"
	"twincore/internal/regression"
	"twincore/internal/render"
	"twincore/internal/retrieval"
	"twincore/internal/store"
)

// Responder is the chat pipeline surface the handler drives.
type Responder interface {
	Respond(ctx context.Context, twinID, query string, ictx intent.Context) (*pipeline.Response, error)
}

// Handler carries the dependencies of every route.
type Handler struct {
	Store    *store.LocalStore
	Pipeline Responder
	Runner   *regression.Runner
}

// Router builds the gin engine with all routes mounted.
func Router(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/twins/:twin/chat", h.Chat)

		v1.GET("/twins/:twin/specs", h.ListSpecs)
		v1.GET("/twins/:twin/specs/active", h.GetActiveSpec)
		v1.POST("/twins/:twin/specs", h.CreateSpec)
		v1.POST("/twins/:twin/specs/:version/publish", h.PublishSpec)

		v1.GET("/twins/:twin/modules", h.ListModules)
		v1.POST("/twins/:twin/modules", h.CreateModule)
		v1.POST("/twins/:twin/modules/:module/promote", h.PromoteModule)

		v1.PUT("/twins/:twin/variant", h.SetVariant)
		v1.POST("/twins/:twin/grounding", h.AddGrounding)

		v1.POST("/regression/run", h.RunRegression)
	}
	return r
}

// Chat runs the full response pipeline for one query.
func (h *Handler) Chat(c *gin.Context) {
	var input struct {
		Query     string `json:"query" binding:"required"`
		Channel   string `json:"channel"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.Pipeline.Respond(c.Request.Context(), c.Param("twin"), input.Query, intent.Context{
		Channel:   intent.Channel(input.Channel),
		SessionID: input.SessionID,
	})
	if err != nil {
		logging.Get(logging.CategoryServer).Error("chat failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListSpecs(c *gin.Context) {
	specs, err := h.Store.ListSpecs(c.Request.Context(), c.Param("twin"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, specs)
}

func (h *Handler) GetActiveSpec(c *gin.Context) {
	spec, err := h.Store.ActiveSpec(c.Request.Context(), c.Param("twin"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active spec"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, spec)
}

func (h *Handler) CreateSpec(c *gin.Context) {
	spec := &persona.Spec{}
	if err := c.ShouldBindJSON(spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec.TwinID = c.Param("twin")

	if err := h.Store.CreateSpec(c.Request.Context(), spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"twin_id": spec.TwinID, "version": spec.Version, "status": "draft"})
}

func (h *Handler) PublishSpec(c *gin.Context) {
	err := h.Store.PublishSpec(c.Request.Context(), c.Param("twin"), c.Param("version"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown spec version"})
	case errors.Is(err, store.ErrSpecPublished):
		c.JSON(http.StatusConflict, gin.H{"error": "version already published"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "published", "version": c.Param("version")})
	}
}

func (h *Handler) ListModules(c *gin.Context) {
	modules, err := h.Store.ListModules(c.Request.Context(), c.Param("twin"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, modules)
}

func (h *Handler) CreateModule(c *gin.Context) {
	var m persona.Module
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Store.CreateModule(c.Request.Context(), c.Param("twin"), m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"module_id": m.ModuleID, "status": "draft"})
}

func (h *Handler) PromoteModule(c *gin.Context) {
	err := h.Store.PromoteModule(c.Request.Context(), c.Param("twin"), c.Param("module"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown module"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"module_id": c.Param("module"), "status": "active"})
}

// SetVariant stores the active prompt variant for a twin. Unknown variants
// are rejected here rather than silently normalized at render time.
func (h *Handler) SetVariant(c *gin.Context) {
	var input struct {
		Variant string `json:"variant" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !render.Known(render.VariantID(input.Variant)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown variant", "known": render.Variants()})
		return
	}
	if err := h.Store.SetPromptVariant(c.Request.Context(), c.Param("twin"), input.Variant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"variant": input.Variant})
}

func (h *Handler) AddGrounding(c *gin.Context) {
	var rec retrieval.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.Store.AddGroundingRecord(c.Request.Context(), c.Param("twin"), rec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// RunRegression loads a dataset from disk and runs it through the pipeline.
func (h *Handler) RunRegression(c *gin.Context) {
	var input struct {
		DatasetPath string `json:"dataset_path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ds, err := regression.LoadDataset(input.DatasetPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := h.Runner.Run(c.Request.Context(), ds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
