package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
)

// StandardResponse 统一响应结构；失败时 Kind 为错误类型名
type StandardResponse struct {
	Code      int    `json:"code"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// statusFor 错误类型到 HTTP 状态码
func statusFor(kind magstim.Kind) int {
	switch kind {
	case magstim.KindParameterFloat, magstim.KindParameterPrecision, magstim.KindParameterRange:
		return http.StatusBadRequest
	case magstim.KindInvalidData, magstim.KindCommandConflict:
		return http.StatusUnprocessableEntity
	case magstim.KindNoRemoteControl, magstim.KindGetSystemStatus,
		magstim.KindSequenceValidation, magstim.KindMinWaitTime, magstim.KindMaxOnTime:
		return http.StatusConflict
	case magstim.KindNotSupported, magstim.KindVersionUnsupported:
		return http.StatusNotImplemented
	case magstim.KindTransportIO:
		return http.StatusServiceUnavailable
	}
	// 设备回执异常或联动参数失败
	return http.StatusBadGateway
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, StandardResponse{
		Code:      0,
		Message:   "ok",
		Data:      data,
		RequestID: c.GetString("request_id"),
		Timestamp: time.Now().Unix(),
	})
}

func fail(c *gin.Context, status int, code int, kind, message string) {
	c.AbortWithStatusJSON(status, StandardResponse{
		Code:      code,
		Kind:      kind,
		Message:   message,
		RequestID: c.GetString("request_id"),
		Timestamp: time.Now().Unix(),
	})
}

// respondError 按错误类型输出；设备错误的 code 为原有数字错误码
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	if kind, isDevice := magstim.KindOf(err); isDevice {
		fail(c, statusFor(kind), kind.Code(), kind.String(), err.Error())
		return
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, http.StatusGatewayTimeout, "Timeout", err.Error())
	case errors.Is(err, context.Canceled):
		fail(c, 499, 499, "Canceled", err.Error())
	default:
		fail(c, http.StatusInternalServerError, http.StatusInternalServerError, "Internal", err.Error())
	}
}

func badRequest(c *gin.Context, err error) {
	fail(c, http.StatusBadRequest, http.StatusBadRequest, "BadRequest", err.Error())
}
