// Package auth 提供可选的静态令牌认证，并把写操作记录到审计日志。
package auth

import (
	"crypto/subtle"
	"log/slog"
	"strings"

	"PCGS-CoinDB/pkg/logger"
)

const bearerPrefix = "bearer "

// Service 负责校验 HTTP 请求携带的访问令牌。
type Service struct {
	mode  Mode
	token []byte
	audit *slog.Logger
}

func (s *Service) auditLogger() *slog.Logger {
	if s == nil || s.audit == nil {
		return logger.Audit()
	}
	return s.audit
}

// NewService 构造认证服务。token 为空时关闭认证。
func NewService(token string) *Service {
	token = strings.TrimSpace(token)
	svc := &Service{mode: ModeDisabled}
	if token != "" {
		svc.mode = ModeToken
		svc.token = []byte(token)
	}
	return svc
}

// WithAuditLogger 替换审计日志输出，默认使用 logger.Audit()。
func (s *Service) WithAuditLogger(l *slog.Logger) *Service {
	s.audit = l
	return s
}

// Mode 返回当前工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并以常量时间比较令牌。
func (s *Service) AuthenticateRequest(header string) (*Subject, error) {
	if s.Mode() == ModeDisabled {
		return &Subject{Name: AnonymousSubject, Method: string(ModeDisabled)}, nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return nil, ErrInvalidToken
	}
	presented := strings.TrimSpace(header[len(bearerPrefix):])
	if subtle.ConstantTimeCompare([]byte(presented), s.token) != 1 {
		return nil, ErrInvalidToken
	}
	return &Subject{Name: "token", Method: string(ModeToken)}, nil
}
