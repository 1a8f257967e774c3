// Package remotetest serves the remote REST contract over any store.Store so
// the HTTP client can be exercised end to end.
package remotetest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store/remote"
	"github.com/gin-gonic/gin"
)

// RequestValidator authenticates incoming requests.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

const paramSkipToken = "$skiptoken"

// Option adjusts the served contract.
type Option func(*options)

type options struct {
	pageSize int
}

// WithPageSize splits list responses into pages of size records linked by next_link.
func WithPageSize(size int) Option {
	return func(o *options) {
		o.pageSize = size
	}
}

// NewHandler exposes the backing store using the remote REST contract.
// A nil validator accepts every request.
func NewHandler(backing store.Store, validator RequestValidator, opts ...Option) http.Handler {
	served := options{}
	for _, opt := range opts {
		opt(&served)
	}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}
		if _, err := validator.ValidateRequest(c.Request); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	})

	router.GET("/:collection", func(c *gin.Context) {
		query, err := remote.ParseQuery(c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		items, err := backing.Query(c.Request.Context(), c.Param("collection"), query)
		if err != nil {
			writeError(c, err)
			return
		}
		if served.pageSize <= 0 {
			c.JSON(http.StatusOK, gin.H{"items": items})
			return
		}
		offset, _ := strconv.Atoi(c.Query(paramSkipToken))
		if offset < 0 || offset > len(items) {
			offset = len(items)
		}
		end := min(offset+served.pageSize, len(items))
		response := gin.H{"items": items[offset:end]}
		if end < len(items) {
			values := c.Request.URL.Query()
			values.Set(paramSkipToken, strconv.Itoa(end))
			response["next_link"] = "?" + values.Encode()
		}
		c.JSON(http.StatusOK, response)
	})
	router.POST("/:collection", func(c *gin.Context) {
		payload := records.Record{}
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		created, err := backing.Create(c.Request.Context(), c.Param("collection"), payload)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	})
	router.GET("/:collection/:id", func(c *gin.Context) {
		item, err := backing.Read(c.Request.Context(), c.Param("collection"), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	})
	router.PATCH("/:collection/:id", func(c *gin.Context) {
		payload := records.Record{}
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := backing.Update(c.Request.Context(), c.Param("collection"), c.Param("id"), payload); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	router.DELETE("/:collection/:id", func(c *gin.Context) {
		if err := backing.Delete(c.Request.Context(), c.Param("collection"), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	return router
}

// NewServer starts an httptest server for the backing store. Callers close it.
func NewServer(backing store.Store, validator RequestValidator, opts ...Option) *httptest.Server {
	return httptest.NewServer(NewHandler(backing, validator, opts...))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidRecord), errors.Is(err, records.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}
