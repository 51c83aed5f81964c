package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/zap"
)

// NewHandler 组装 HTTP 路由：/ws 信令、健康检查和 prometheus 指标。
// gatherer 为 nil 时不暴露 /metrics。
func NewHandler(s *Server, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.engine.Ready() {
			http.Error(w, "media engine not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	// 令牌由上游认证服务校验，这里允许所有来源
	n.Use(cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool { return true },
		AllowedMethods:  []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:  []string{"*"},
		MaxAge:          86400,
	}))
	n.UseHandler(mux)
	return n
}

// StartHTTPServer 在当前进程内启动 HTTP 服务器。
// addr 形如 ":3000" 或 "127.0.0.1:0"（端口为 0 时由系统自动分配）。
// 返回实际监听地址、用于优雅关闭的 stop 函数，以及错误信息。
func StartHTTPServer(addr string, handler http.Handler, logger *zap.SugaredLogger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, errors.Wrapf(err, "listen %s", addr)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("signaling server error", "error", err)
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warnw("signaling server shutdown error", "error", err)
		}
	}

	return ln.Addr().String(), stop, nil
}
