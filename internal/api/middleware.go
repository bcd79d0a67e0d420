package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/recordstore/internal/metrics"
)

// Instrument counts requests by method, route template and status code.
func Instrument(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()))
	}
}
