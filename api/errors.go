package api

import (
	"errors"
	"net/http"

	"github.com/KFCxMcDonalds/tieredtimer/retry"
	"github.com/KFCxMcDonalds/tieredtimer/tiered"
	"github.com/gin-gonic/gin"
)

type ErrorResponse struct {
	Detail string `json:"detail"`
}

func abortWithStatus(c *gin.Context, code int, detail string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Detail: detail})
}

func invalidRequest(c *gin.Context, detail string) {
	abortWithStatus(c, http.StatusBadRequest, detail)
}

func notFound(c *gin.Context, what string) {
	abortWithStatus(c, http.StatusNotFound, what+" not found")
}

// internalError maps collaborator failures onto a status code.
func internalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tiered.ErrStopped):
		abortWithStatus(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, retry.ErrNotFound):
		abortWithStatus(c, http.StatusNotFound, err.Error())
	default:
		abortWithStatus(c, http.StatusInternalServerError, err.Error())
	}
}
