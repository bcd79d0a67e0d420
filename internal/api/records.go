package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rossigee/recordstore/internal/records"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
)

// AddRecord inserts the request body into a table
func (h *Handler) AddRecord(c *gin.Context) {
	rec, ok := bindRecord(c)
	if !ok {
		return
	}

	key, err := h.records.Add(c.Request.Context(), c.Param("table"), rec)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, types.AddResponse{Key: key})
}

// GetRecord returns the record under :key
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.records.GetByID(c.Request.Context(), c.Param("table"), storage.ParseKey(c.Param("key")))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// GetAll returns every record of a table in key order
func (h *Handler) GetAll(c *gin.Context) {
	all, err := h.records.GetAll(c.Request.Context(), c.Param("table"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, all)
}

// UpdateRecord replaces or creates the record under :key
func (h *Handler) UpdateRecord(c *gin.Context) {
	rec, ok := bindRecord(c)
	if !ok {
		return
	}

	key := storage.ParseKey(c.Param("key"))
	if err := h.records.UpdateByID(c.Request.Context(), c.Param("table"), key, rec); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.AddResponse{Key: key})
}

// DeleteRecord removes the record under :key. Missing records are not an
// error.
func (h *Handler) DeleteRecord(c *gin.Context) {
	if err := h.records.DeleteByID(c.Request.Context(), c.Param("table"), storage.ParseKey(c.Param("key"))); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// QueryRecords returns records whose top-level fields equal those of the
// request body
func (h *Handler) QueryRecords(c *gin.Context) {
	partial, ok := bindRecord(c)
	if !ok {
		return
	}

	found, err := h.records.GetByQuery(c.Request.Context(), c.Param("table"), partial)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, found)
}

// GetByIndex looks records up through an index. Composite indexes take one
// value parameter per field, in order.
func (h *Handler) GetByIndex(c *gin.Context) {
	values := c.QueryArray("value")
	if len(values) == 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: "value query parameter is required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	var value any = storage.ParseKey(values[0])
	if len(values) > 1 {
		parts := make([]any, len(values))
		for i, v := range values {
			parts[i] = storage.ParseKey(v)
		}
		value = parts
	}

	found, err := h.records.GetByIndex(c.Request.Context(), c.Param("table"), c.Param("index"), value)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, found)
}

// bindRecord decodes the request body as a JSON object, keeping numbers
// exact.
func bindRecord(c *gin.Context) (types.Record, bool) {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()

	var rec types.Record
	if err := dec.Decode(&rec); err != nil || rec == nil {
		message := "request body must be a JSON object"
		if err != nil {
			message = err.Error()
		}
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: message,
			Code:    http.StatusBadRequest,
		})
		return nil, false
	}
	return rec, true
}

// writeError maps record store errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	label := "internal error"

	switch {
	case errors.Is(err, records.ErrNotInitialized):
		code, label = http.StatusServiceUnavailable, "database not initialized"
	case errors.Is(err, records.ErrNotFound):
		code, label = http.StatusNotFound, "record not found"
	case errors.Is(err, records.ErrNoSuchTable):
		code, label = http.StatusNotFound, "no such table"
	case errors.Is(err, records.ErrNoSuchIndex):
		code, label = http.StatusNotFound, "no such index"
	case errors.Is(err, records.ErrKeyCollision):
		code, label = http.StatusConflict, "key collision"
	case errors.Is(err, records.ErrConstraint):
		code, label = http.StatusConflict, "constraint violation"
	case errors.Is(err, records.ErrMissingKey), errors.Is(err, records.ErrInvalidKey):
		code, label = http.StatusBadRequest, "invalid key"
	}

	c.JSON(code, types.ErrorResponse{
		Error:   label,
		Message: err.Error(),
		Code:    code,
	})
}
