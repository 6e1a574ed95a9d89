// Command agentroomd runs the AgentRoom real-time chat service: a
// WebSocket transport multiplexed with the HTTP read-view side-channel on
// one port. Grounded on the teacher's main.go wiring (flag parsing, signal
// handling, ticker goroutines, graceful shutdown).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentroom/service/internal/api"
	"github.com/agentroom/service/internal/dispatcher"
	"github.com/agentroom/service/internal/metrics"
	"github.com/agentroom/service/internal/room"
	"github.com/agentroom/service/internal/session"
	"github.com/agentroom/service/internal/transport"
)

const (
	metricsInterval = 5 * time.Second
)

func main() {
	host := flag.String("host", envOr("HOST", "0.0.0.0"), "listen host")
	port := flag.String("port", envOr("PORT", "9000"), "listen port")
	idleTimeout := flag.Duration("idle-timeout", 60*time.Second, "HTTP idle timeout")
	flag.Parse()

	addr := *host + ":" + *port

	sessions := session.NewRegistry()
	rooms := room.NewRegistry(sessions)
	disp := dispatcher.New(sessions, rooms)
	collector := metrics.NewCollector(sessions, rooms)
	disp.SetEnvelopeHook(collector.RecordEnvelopeSent)
	rooms.SetLinkPreviewHook(collector.RecordLinkPreviewSent)
	apiSrv := api.NewServer(sessions, rooms, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[agentroomd] shutting down...")
		cancel()
	}()

	go collector.Run(ctx, metricsInterval)
	go runZombieSweep(ctx, disp)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[agentroomd] websocket upgrade failed: %v", err)
			return
		}
		go disp.Serve(transport.NewWSConn(conn))
	})
	mux.Handle("/", apiSrv.Handler())

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       *idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[agentroomd] shutdown: %v", err)
		}
	}()

	log.Printf("[agentroomd] listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("[agentroomd] %v", err)
	}
}

func runZombieSweep(ctx context.Context, disp *dispatcher.Dispatcher) {
	ticker := time.NewTicker(dispatcher.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			disp.SweepZombies()
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
