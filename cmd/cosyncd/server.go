package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"cosync/internal/node"
	"cosync/internal/peer"
	"cosync/internal/security"
)

// syncHandler accepts inbound WebSocket peers. They are served in the
// client role.
type syncHandler struct {
	node    *node.Node
	opts    peer.Options
	ws      peer.WSOptions
	limiter *security.ConnectionLimiter
	log     *slog.Logger
}

func (h *syncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	release, err := h.limiter.Acquire(ip)
	if err != nil {
		h.log.Warn("connection refused", "remote", ip, "open", h.limiter.Open(), "error", err)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := peer.Upgrade(w, r, h.ws)
	if err != nil {
		release()
		h.log.Debug("upgrade failed", "remote", ip, "error", err)
		return
	}

	name := r.URL.Query().Get("peer")
	if name == "" {
		name = uuid.NewString()
	}
	p := peer.New("client-"+name, peer.RoleClient, conn, h.opts)
	h.node.AddPeer(p)
	go func() {
		<-p.Done()
		release()
	}()
}

// serveHTTP runs srv until ctx ends, then shuts it down.
func serveHTTP(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}
