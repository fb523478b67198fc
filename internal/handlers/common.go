package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Pagination bounds shared by list endpoints.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

func contextBackground() context.Context {
	return context.Background()
}

// pagination reads limit/offset query params with sane bounds
func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
