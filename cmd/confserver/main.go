// confserver демонстрационный запуск слоя конференций: ядро, микшер и
// локальная конференция с Prometheus метриками.
//
// Слой сигнализации здесь не поднимается: бинарник показывает сборку
// компонентов и служит стендом для наблюдения метрик.
package main

import (
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/sip_conference/pkg/conference"
	"github.com/arzzra/sip_conference/pkg/mixer"
)

func main() {
	var (
		metricsAddr = flag.String("metrics", "127.0.0.1:9091", "Metrics listen address")
		user        = flag.String("user", "conference", "Local user part")
		domain      = flag.String("domain", "example.com", "Local domain")
		subject     = flag.String("subject", "", "Conference subject")
		serverMode  = flag.Bool("server", false, "Run as a dedicated conference server")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	registry := prometheus.NewRegistry()
	core := conference.NewCore(conference.CoreConfig{
		Logger:     logger,
		ServerMode: *serverMode,
		Metrics:    conference.NewMetrics(registry),
	})

	params := conference.DefaultParams()
	params.Subject = *subject

	me := sip.Uri{Scheme: "sip", User: *user, Host: *domain}
	lc, err := conference.NewLocalConference(core, me, conference.LocalConferenceConfig{
		Params: params,
		Mixer:  mixer.NewSession(logger),
	})
	if err != nil {
		log.Fatalf("создание конференции: %v", err)
	}

	addr, _ := lc.ConferenceAddress()
	logger.Info("конференция готова к приему вызовов",
		slog.String("address", addr.String()),
		slog.Bool("server_mode", *serverMode))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("метрики доступны", slog.String("addr", *metricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("сервер метрик остановился", slog.Any("error", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("завершение по сигналу")
	core.Shutdown()
	if err := lc.Terminate(); err != nil {
		logger.Warn("завершение конференции", slog.Any("error", err))
	}
	_ = srv.Close()
}
