package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// AbortFail is Fail for middleware: later handlers are skipped.
func AbortFail(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// WriteFail writes the failure envelope on a plain net/http writer, for
// handlers mounted outside gin.
func WriteFail(w http.ResponseWriter, httpStatus int, code int, msg string) {
	r := render.JSON{Data: gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	}}
	r.WriteContentType(w)
	w.WriteHeader(httpStatus)
	_ = r.Render(w)
}
