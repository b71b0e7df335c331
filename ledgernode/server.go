package ledgernode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxRequestBytes = 1 << 20

	// how long a stream write may block before the subscriber is dropped
	streamWriteTimeout = 10 * time.Second
)

// Server holds the HTTP server and its dependencies
type Server struct {
	node     *Node
	addr     string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(node *Node, addr string, logger *slog.Logger) *Server {
	return &Server{
		node:   node,
		addr:   addr,
		logger: logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the node API, instrumented.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("POST /operations", s.handleSubmit)
	mux.HandleFunc("GET /operations/stream", s.handleStream)
	mux.HandleFunc("GET /operations/{id}", s.handleOperation)
	mux.HandleFunc("GET /dids/{did}/log", s.handleDIDLog)
	mux.HandleFunc("GET /dids/{did}/doc", s.handleDIDDoc)
	mux.HandleFunc("GET /dids/{did}", s.handleDID)
	mux.HandleFunc("GET /batches/{id}", s.handleBatch)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	return otelhttp.NewHandler(mux, "")
}

// Run starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleIndex serves the index page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "hello didwallet ledger node\n")
}

// handleHealth handles GET /_health - returns version information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": versioninfo.Short(),
	})
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
	}
}

// errorStatus maps node errors onto the status codes ledger.Client understands.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrHeadMismatch):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, didwallet.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleSubmit handles POST /operations - validates and queues a signed operation
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var enum ledger.OpEnum
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&enum); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid operation: %v", err), http.StatusBadRequest)
		return
	}
	op := enum.AsOperation()
	if op == nil {
		writeJSONError(w, "invalid operation: unknown type", http.StatusBadRequest)
		return
	}

	opID, err := s.node.Submit(r.Context(), op)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("failed to submit operation", "err", err)
		}
		writeJSONError(w, err.Error(), status)
		return
	}
	writeJSON(w, map[string]string{"operationId": opID})
}

// handleOperation handles GET /operations/{id} - returns the operation status
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	info, err := s.node.GetOperationInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, info)
}

// handleDID handles GET /dids/{did} - returns the applied DID state
func (s *Server) handleDID(w http.ResponseWriter, r *http.Request) {
	entry, err := s.node.ResolveDid(r.Context(), r.PathValue("did"))
	if err != nil {
		writeJSONError(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, entry)
}

// handleDIDDoc handles GET /dids/{did}/doc - returns the DID document
func (s *Server) handleDIDDoc(w http.ResponseWriter, r *http.Request) {
	entry, err := s.node.ResolveDid(r.Context(), r.PathValue("did"))
	if err != nil {
		writeJSONError(w, err.Error(), errorStatus(err))
		return
	}
	doc, err := entry.Doc()
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error generating DID document: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/did+json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
	}
}

// handleDIDLog handles GET /dids/{did}/log - returns every operation seen for the DID
func (s *Server) handleDIDLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.node.AuditLog(r.Context(), r.PathValue("did"))
	if err != nil {
		writeJSONError(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, entries)
}

// handleBatch handles GET /batches/{id} - returns an anchored batch
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.node.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, batch)
}

// handleVerify handles POST /verify - checks a credential against the anchored state
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req ledger.VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSONError(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	res, err := s.node.Verify(r.Context(), req.EncodedSignedCredential, req.Proof)
	if err != nil {
		s.logger.Error("failed to verify credential", "err", err)
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

// handleStream handles GET /operations/stream - pushes every operation status change
// over a websocket
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates, cancel := s.node.Subscribe()
	defer cancel()

	// the client never sends; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("stream subscriber connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case info, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(info); err != nil {
				s.logger.Debug("stream write failed", "err", err)
				return
			}
		}
	}
}
