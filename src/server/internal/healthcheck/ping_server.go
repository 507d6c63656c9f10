package healthcheck

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/manager"
)

type pingServer struct {
	port    int
	clients manager.ClientManager
	mux     *http.ServeMux
	server  *http.Server
}

func NewPingServer(port int, clients manager.ClientManager) PingServer {
	p := &pingServer{
		port:    port,
		clients: clients,
		mux:     http.NewServeMux(),
	}
	p.mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	p.mux.HandleFunc("DELETE /clients/{id}", p.removeClient)

	// Built here so a Shutdown racing Run still has a server to stop.
	p.server = &http.Server{
		Addr:    ":" + strconv.Itoa(p.port),
		Handler: p.mux,
	}
	return p
}

func (p *pingServer) Run() {
	logger.Logger.Infof("Starting ping server on port %d", p.port)
	if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Logger.Errorf("Ping server failed: %v", err)
	}
}

func (p *pingServer) Handler() http.Handler {
	return p.mux
}

func (p *pingServer) Shutdown(ctx context.Context) {
	if err := p.server.Shutdown(ctx); err != nil {
		logger.Logger.Errorf("Failed to close ping server: %v", err)
	}
}

func (p *pingServer) removeClient(w http.ResponseWriter, r *http.Request) {
	id, err := protocol.ParseClientID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = p.clients.RemoveClient(id)
	switch {
	case errors.Is(err, manager.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		logger.Logger.Errorf("action: admin_remove_client | client: %s | result: fail | error: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
