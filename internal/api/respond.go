package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"PCGS-CoinDB/internal/coin"
	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/internal/task"
	"PCGS-CoinDB/pkg/logger"
)

// RequestIDHeader 是请求追踪标识所在的头。
const RequestIDHeader = "X-Request-ID"

type errorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeError 按错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("request_id", w.Header().Get(RequestIDHeader)),
			slog.String("code", string(code)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorResponse{Detail: xerrors.MessageOf(err), Code: string(code)})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation, coin.CodeCoinValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound, coin.CodeCoinNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// withRequestID 透传或生成请求标识并写回响应头。
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
