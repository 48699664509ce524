package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"vibe-trader/internal/execution"
	"vibe-trader/internal/risk"
)

const maxListLimit = 1000

// AccountSource 提供只读的账户与统计视图。
type AccountSource interface {
	GetAccountState(ctx context.Context) execution.AccountState
	Statistics() (execution.Statistics, bool)
}

// Server 暴露监控事件与账户状态的 HTTP 接口。
type Server struct {
	svc            *Service
	account        AccountSource
	router         *mux.Router
	allowedOrigins []string
	logger         *zap.Logger
}

// NewServer 创建监控接口，account 可为空。
func NewServer(svc *Service, account AccountSource, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:            svc,
		account:        account,
		router:         mux.NewRouter(),
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/{type}", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/account", s.handleAccount).Methods(http.MethodGet)
	api.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)
}

// Handler 返回带 CORS 的路由。
func (s *Server) Handler() http.Handler {
	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start 在后台监听端口，ctx 结束时优雅关闭。
func (s *Server) Start(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("monitor: 端口非法: %d", port)
	}
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	s.logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := Query{Limit: 200, Symbol: strings.ToUpper(strings.TrimSpace(q.Get("symbol")))}

	if qs := q.Get("limit"); qs != "" {
		v, err := strconv.Atoi(qs)
		if err != nil || v <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit 必须为正整数")
			return
		}
		if v > maxListLimit {
			v = maxListLimit
		}
		query.Limit = v
	}

	typ := mux.Vars(r)["type"]
	if typ == "" {
		typ = q.Get("type")
	}
	query.Type = EventType(strings.ToLower(strings.TrimSpace(typ)))

	events, err := s.svc.ListEvents(r.Context(), query)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.account == nil {
		s.respondError(w, http.StatusNotFound, "账户信息不可用")
		return
	}
	state := s.account.GetAccountState(r.Context())
	metrics := risk.ComputeMetrics(state.Positions, state.TotalEquity.InexactFloat64())
	s.respondJSON(w, http.StatusOK, NewAccountPayload(state, metrics, risk.DailyStatus{}))
}

// StatisticsView 为统计信息的 JSON 视图。
type StatisticsView struct {
	InitialBalance   float64 `json:"initial_balance"`
	CurrentBalance   float64 `json:"current_balance"`
	TotalEquity      float64 `json:"total_equity"`
	TotalReturnPct   float64 `json:"total_return_pct"`
	TotalTrades      int     `json:"total_trades"`
	WinningTrades    int     `json:"winning_trades"`
	LosingTrades     int     `json:"losing_trades"`
	WinRatePct       float64 `json:"win_rate"`
	TotalRealizedPnL float64 `json:"total_realized_pnl"`
	TotalFees        float64 `json:"total_fees"`
	OpenPositions    int     `json:"open_positions"`
}

// NewStatisticsView 转换统计信息。
func NewStatisticsView(st execution.Statistics) StatisticsView {
	return StatisticsView{
		InitialBalance:   st.InitialBalance.InexactFloat64(),
		CurrentBalance:   st.CurrentBalance.InexactFloat64(),
		TotalEquity:      st.TotalEquity.InexactFloat64(),
		TotalReturnPct:   st.TotalReturnPct.InexactFloat64(),
		TotalTrades:      st.TotalTrades,
		WinningTrades:    st.WinningTrades,
		LosingTrades:     st.LosingTrades,
		WinRatePct:       st.WinRatePct.InexactFloat64(),
		TotalRealizedPnL: st.TotalRealizedPnL.InexactFloat64(),
		TotalFees:        st.TotalFees.InexactFloat64(),
		OpenPositions:    st.OpenPositions,
	}
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	if s.account == nil {
		s.respondError(w, http.StatusNotFound, "统计信息不可用")
		return
	}
	stats, ok := s.account.Statistics()
	if !ok {
		s.respondError(w, http.StatusNotFound, "当前执行后端不提供统计信息")
		return
	}
	s.respondJSON(w, http.StatusOK, NewStatisticsView(stats))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
