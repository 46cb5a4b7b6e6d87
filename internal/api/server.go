package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"PCGS-CoinDB/internal/auth"
	"PCGS-CoinDB/internal/coin"
	"PCGS-CoinDB/internal/observability/metrics"
	"PCGS-CoinDB/internal/scheduler"
	"PCGS-CoinDB/internal/task"
)

const defaultScrapeTimeout = 90 * time.Second

// TaskService 是 API 层调用的任务操作。
type TaskService interface {
	Enqueue(ctx context.Context, certNumber string) (int64, error)
	EnqueueBatch(ctx context.Context, certNumbers []string) ([]int64, error)
	Get(ctx context.Context, id int64) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context) (task.TaskStats, error)
	Delete(ctx context.Context, id int64) (bool, error)
	ClearTerminal(ctx context.Context) (int64, error)
}

// CoinService 是 API 层调用的证书记录操作。
type CoinService interface {
	SaveRecord(ctx context.Context, payload coin.Payload) (*coin.Record, error)
	Get(ctx context.Context, certNumber string) (*coin.Record, error)
	List(ctx context.Context) ([]*coin.Record, error)
	Delete(ctx context.Context, certNumber string) (bool, error)
}

// SchedulerState 报告后台调度器的状态，用于健康检查。
type SchedulerState interface {
	State() scheduler.State
}

// Server 负责暴露 REST 接口与前端静态页面。
type Server struct {
	addr    string
	tasks   TaskService
	coins   CoinService
	fetcher scheduler.Fetcher

	scheduler     SchedulerState
	auth          *auth.Service
	staticDir     string
	imagesDir     string
	scrapeTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithScheduler 让 /healthz 报告调度器状态。
func WithScheduler(s SchedulerState) Option {
	return func(srv *Server) { srv.scheduler = s }
}

// WithAuth 为写操作启用令牌认证与审计。
func WithAuth(a *auth.Service) Option {
	return func(srv *Server) { srv.auth = a }
}

// WithStaticDir 设置前端静态文件目录。
func WithStaticDir(dir string) Option {
	return func(srv *Server) { srv.staticDir = dir }
}

// WithImagesDir 设置已下载图片所在目录。
func WithImagesDir(dir string) Option {
	return func(srv *Server) { srv.imagesDir = dir }
}

// WithScrapeTimeout 设置同步抓取接口的超时时间。
func WithScrapeTimeout(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.scrapeTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks TaskService, coins CoinService, fetcher scheduler.Fetcher, opts ...Option) *Server {
	s := &Server{
		addr:          addr,
		tasks:         tasks,
		coins:         coins,
		fetcher:       fetcher,
		scrapeTimeout: defaultScrapeTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /api/coins", "coins.list", s.handleListCoins)
	s.route(mux, "GET /api/coins/{cert}", "coins.get", s.handleGetCoin)
	s.route(mux, "DELETE /api/coins/{cert}", "coins.delete", s.handleDeleteCoin)
	s.route(mux, "POST /api/scrape", "coins.scrape", s.handleScrape)

	s.route(mux, "GET /api/tasks", "tasks.list", s.handleListTasks)
	s.route(mux, "GET /api/tasks/stats", "tasks.stats", s.handleTaskStats)
	s.route(mux, "GET /api/tasks/{id}", "tasks.get", s.handleGetTask)
	s.route(mux, "POST /api/tasks", "tasks.create", s.handleCreateTask)
	s.route(mux, "POST /api/tasks/batch", "tasks.batch", s.handleCreateTasksBatch)
	s.route(mux, "DELETE /api/tasks/{id}", "tasks.delete", s.handleDeleteTask)
	s.route(mux, "DELETE /api/tasks", "tasks.clear", s.handleClearTasks)

	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	if s.staticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
		mux.HandleFunc("GET /{$}", s.servePage("index.html"))
		mux.HandleFunc("GET /tasks", s.servePage("tasks.html"))
	}
	if s.imagesDir != "" {
		mux.Handle("GET /data/images/", http.StripPrefix("/data/images/", http.FileServer(http.Dir(s.imagesDir))))
	}

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware(auth.MiddlewareConfig{})(handler)
	}
	return withRequestID(handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册处理器并记录请求指标，name 作为指标标签。
func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	}))
}

func (s *Server) servePage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(s.staticDir, name))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := "disabled"
	if s.scheduler != nil {
		state = s.scheduler.State().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scheduler": state})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
