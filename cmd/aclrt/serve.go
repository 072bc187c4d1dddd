package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/fxnlabs/aclrt/internal/config"
	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/fxnlabs/aclrt/internal/ipc"
	"github.com/fxnlabs/aclrt/internal/metrics"
	"github.com/fxnlabs/aclrt/pkg/acl"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func serveCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Own the platform and serve metrics and device status over HTTP",
		Action: func(c *cli.Context) error {
			app := fx.New(serveOptions(e.cfg, e.log))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func serveOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(newPlatform, newServeMux, newHTTPServer),
		fx.Invoke(func(*http.Server) {}),
	)
}

func newPlatform(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*acl.Platform, error) {
	p, err := acl.NewPlatform(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return p.Close()
		},
	})
	return p, nil
}

type statusResponse struct {
	Devices []device.DeviceInfo `json:"devices"`
	IPC     ipc.Stats           `json:"ipc"`
}

func newServeMux(p *acl.Platform, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Middleware(promhttp.Handler(), "/metrics"))
	mux.Handle("/status", metrics.Middleware(statusHandler(p, log), "/status"))
	return mux
}

func statusHandler(p *acl.Platform, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := statusResponse{IPC: p.IPCStats()}
		for id := 0; id < p.DeviceCount(); id++ {
			info, err := p.DeviceInfo(id)
			if err != nil {
				log.Error("failed to read device info", zap.Int("device", id), zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.Devices = append(resp.Devices, info)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error("failed to encode status", zap.Error(err))
		}
	})
}

func newHTTPServer(lc fx.Lifecycle, cfg *config.Config, mux *http.ServeMux, log *zap.Logger) *http.Server {
	srv := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("serving", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
