package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"collabsync/backend/internal/room"
	"collabsync/backend/internal/store"
)

// Documents exposes document metadata and sharing over REST. The realtime
// path never goes through here; this is how documents come to exist and how
// access changes.
type Documents struct {
	store *store.DocumentStore
}

func NewDocuments(s *store.DocumentStore) *Documents {
	return &Documents{store: s}
}

func (h *Documents) Register(g *gin.RouterGroup) {
	g.POST("/documents", h.Create)
	g.GET("/documents", h.List)
	g.GET("/documents/:docId", h.Get)
	g.POST("/documents/:docId/share", h.Share)
	g.DELETE("/documents/:docId/share/:userId", h.Revoke)
}

type createDocumentRequest struct {
	Title string `json:"title" binding:"required"`
	// Access is the default for non-members: "none" (default), "read", "write".
	Access string `json:"access"`
}

func (h *Documents) Create(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	access := req.Access
	if access == "" {
		access = "none"
	}
	if room.ParsePermission(access) == room.PermissionNone && access != "none" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "access must be none, read or write"})
		return
	}

	doc := &store.Document{
		ID:      uuid.NewString(),
		OwnerID: c.GetUint64("userId"),
		Title:   req.Title,
		Access:  access,
	}
	if err := h.store.CreateDocument(c.Request.Context(), doc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "create document failed"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Documents) List(c *gin.Context) {
	docs, err := h.store.ListDocuments(c.Request.Context(), c.GetUint64("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "list documents failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *Documents) Get(c *gin.Context) {
	docID := c.Param("docId")
	perm, err := h.store.Permission(c.Request.Context(), docID, c.GetUint64("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "permission lookup failed"})
		return
	}
	if perm == room.PermissionNone {
		c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "no access to document"})
		return
	}
	doc, err := h.store.GetDocument(c.Request.Context(), docID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "document not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load document failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc, "permission": perm.String()})
}

type shareRequest struct {
	UserID uint64 `json:"userId" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

// Share grants or changes a member role. Only the owner may share. A revoke
// of write access bites on the member's next submit, not just their next
// join.
func (h *Documents) Share(c *gin.Context) {
	docID := c.Param("docId")
	doc, err := h.store.GetDocument(c.Request.Context(), docID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "document not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load document failed"})
		return
	}
	if doc.OwnerID != c.GetUint64("userId") {
		c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "only the owner can share"})
		return
	}

	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if room.ParsePermission(req.Role) == room.PermissionNone {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "role must be read or write"})
		return
	}
	if err := h.store.Share(c.Request.Context(), docID, req.UserID, req.Role); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "share failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "userId": req.UserID, "role": req.Role})
}

func (h *Documents) Revoke(c *gin.Context) {
	docID := c.Param("docId")
	doc, err := h.store.GetDocument(c.Request.Context(), docID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "document not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load document failed"})
		return
	}
	if doc.OwnerID != c.GetUint64("userId") {
		c.JSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "message": "only the owner can revoke"})
		return
	}

	target, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "userId must be numeric"})
		return
	}
	if err := h.store.Revoke(c.Request.Context(), docID, target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "revoke failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "userId": target})
}
