package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docuroom/docuroom/internal/docs"
)

// RegisterDocumentRoutes wires the document engine onto the router. The
// routes are thin glue: bind input, resolve the acting user from the auth
// middleware, call the engine, map the error taxonomy onto statuses.
func RegisterDocumentRoutes(r gin.IRouter, engine *docs.Engine) {
	g := r.Group("/api/docs")

	g.POST("", func(c *gin.Context) {
		var in docs.RevisionInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		doc, err := engine.CreateDocument(c.Request.Context(), in, currentUser(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	})

	g.GET("/:id", func(c *gin.Context) {
		doc, err := engine.GetDocument(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	g.GET("/:id/revisions", func(c *gin.Context) {
		revs, err := engine.GetRevisions(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, revs)
	})

	g.GET("/:id/revisions/:revisionId", func(c *gin.Context) {
		rev, err := engine.GetRevision(c.Request.Context(), c.Param("id"), c.Param("revisionId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rev)
	})

	g.PATCH("/:id", func(c *gin.Context) {
		var in docs.RevisionInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		doc, err := engine.UpdateDocument(c.Request.Context(), c.Param("id"), in, currentUser(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	g.POST("/:id/restore", func(c *gin.Context) {
		var req struct {
			RevisionID string `json:"revisionId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.RevisionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "revisionId is required"})
			return
		}
		doc, err := engine.RestoreRevision(c.Request.Context(), c.Param("id"), req.RevisionID, currentUser(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	g.DELETE("/:id/sections", func(c *gin.Context) {
		var in docs.HardDeleteSectionInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		in.DocumentID = c.Param("id")
		if in.SectionKey == "" || in.Reason == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sectionKey and reason are required"})
			return
		}
		if err := engine.HardDeleteSection(c.Request.Context(), in, currentUser(c)); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.DELETE("/:id", func(c *gin.Context) {
		if err := engine.HardDeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.POST("/:id/regenerate", func(c *gin.Context) {
		doc, err := engine.RegenerateDocument(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	g.POST("/:id/consolidate", func(c *gin.Context) {
		if err := engine.ConsolidateCDNResources(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.GET("/:id/audit", func(c *gin.Context) {
		report, err := engine.ValidateDocument(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	})
}

// currentUser reads the identity the auth middleware stored. Anonymous
// requests fall back to an empty user id, which the policy layer rejects for
// anything that needs ownership.
func currentUser(c *gin.Context) docs.User {
	v, ok := c.Get("claims")
	if !ok {
		return docs.User{}
	}
	claims, ok := v.(map[string]interface{})
	if !ok {
		return docs.User{}
	}
	user := docs.User{}
	if sub, ok := claims["sub"].(string); ok {
		user.ID = sub
	}
	if name, ok := claims["name"].(string); ok {
		user.DisplayName = name
	}
	return user
}

func writeError(c *gin.Context, err error) {
	var verr *docs.ValidationError
	switch {
	case errors.Is(err, docs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, docs.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, docs.ErrConflict), errors.Is(err, docs.ErrNothingMatched):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "violations": verr.Violations})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
