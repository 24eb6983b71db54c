package httpmw

import (
	"github.com/gin-gonic/gin"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/version"
)

// OperatorHeaders stamps every response with the operator version and the
// active policy catalog identifier.
func OperatorHeaders(catalog string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Operator-Version", version.Version)
		c.Header("X-Operator-Catalog", catalog)
		c.Next()
	}
}
