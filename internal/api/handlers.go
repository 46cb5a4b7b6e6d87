package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"PCGS-CoinDB/internal/coin"
	"PCGS-CoinDB/internal/task"
	"PCGS-CoinDB/pkg/logger"
)

type scrapeRequest struct {
	CertNumber string `json:"cert_number"`
}

type taskCreateRequest struct {
	CertNumber string `json:"cert_number"`
}

type taskBatchRequest struct {
	CertNumbers []string `json:"cert_numbers"`
}

func (s *Server) handleListCoins(w http.ResponseWriter, r *http.Request) {
	coins, err := s.coins.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coins": coins, "total": len(coins)})
}

func (s *Server) handleGetCoin(w http.ResponseWriter, r *http.Request) {
	record, err := s.coins.Get(r.Context(), r.PathValue("cert"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteCoin(w http.ResponseWriter, r *http.Request) {
	ok, err := s.coins.Delete(r.Context(), r.PathValue("cert"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, coin.ErrCoinNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "证书记录已删除"})
}

// handleScrape 同步抓取并保存单个证书号，绕过任务池。
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	cert := strings.TrimSpace(req.CertNumber)
	if cert == "" {
		writeDetail(w, http.StatusBadRequest, "证书号不能为空")
		return
	}
	if s.fetcher == nil {
		writeDetail(w, http.StatusServiceUnavailable, "抓取器未初始化")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.scrapeTimeout)
	defer cancel()
	payload, err := s.fetcher.Fetch(ctx, cert)
	if err != nil {
		logger.L().Error("同步抓取失败", slog.String("cert_number", cert), slog.Any("error", err))
		writeError(w, r, err)
		return
	}
	if payload.CertNumber() == "" {
		payload["cert_number"] = cert
	}
	if _, err := s.coins.SaveRecord(ctx, payload); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": payload})
}

// handleListTasks 支持 status（可重复或逗号分隔）、limit 与 offset 查询参数。
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "stats": stats})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	cert := strings.TrimSpace(req.CertNumber)
	id, err := s.tasks.Enqueue(r.Context(), cert)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task_id": id,
		"message": fmt.Sprintf("任务已添加: %s", cert),
	})
}

func (s *Server) handleCreateTasksBatch(w http.ResponseWriter, r *http.Request) {
	var req taskBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	ids, err := s.tasks.EnqueueBatch(r.Context(), req.CertNumbers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"task_ids": ids,
		"count":    len(ids),
		"message":  fmt.Sprintf("已添加 %d 个任务", len(ids)),
	})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	deleted, err := s.tasks.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, r, task.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "任务已删除"})
}

func (s *Server) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	n, err := s.tasks.ClearTerminal(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": n,
		"message": fmt.Sprintf("已清理 %d 个任务", n),
	})
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "任务 ID 无效")
		return 0, false
	}
	return id, true
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption

	var statuses []task.Status
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status := task.Status(strings.ToLower(part))
			if !task.IsValidStatus(status) {
				return nil, fmt.Errorf("未知的任务状态: %s", part)
			}
			statuses = append(statuses, status)
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, task.WithStatuses(statuses...))
	}

	for _, p := range []struct {
		name  string
		apply func(int) task.ListOption
	}{
		{"limit", task.WithLimit},
		{"offset", task.WithOffset},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("参数 %s 无效", p.name)
		}
		opts = append(opts, p.apply(n))
	}
	return opts, nil
}
