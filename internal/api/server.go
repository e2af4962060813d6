// Package api serves the archiver's history and live feed over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Archiver/internal/archive"
	"Archiver/internal/crypto"
	"Archiver/internal/cycles"
	"Archiver/internal/logger"
	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// maxCycleCount caps the records returned by one cycle query.
	maxCycleCount = 100

	// encodingZstd is the content coding offered for archive downloads.
	encodingZstd = "zstd"
)

// CycleStore serves stored cycles.
type CycleStore interface {
	LatestCycles(count int) ([]cycles.Record, error)
	CyclesBetween(start, end uint64) ([]cycles.Record, error)
	AllArchivedCycles() ([]archive.ArchivedCycle, error)
}

// NodeSource lists the validators this archiver knows.
type NodeSource interface {
	ActiveList() []nodelist.NodeInfo
}

// Subscriber streams feed messages.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Config holds the server's collaborators. Feed and Gatherer are optional.
type Config struct {
	Addr     string
	Keys     *crypto.KeyPair
	Store    CycleStore
	Nodes    NodeSource
	Feed     Subscriber
	Gatherer prometheus.Gatherer
}

// Server is the HTTP API server.
type Server struct {
	addr     string              // addr is the HTTP listen address
	keys     *crypto.KeyPair     // keys sign the served node list
	store    CycleStore          // store holds the archived history
	nodes    NodeSource          // nodes is the membership view
	feed     Subscriber          // feed streams accepted data
	gatherer prometheus.Gatherer // gatherer exposes metrics
	server   *http.Server        // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	return &Server{
		addr:     cfg.Addr,
		keys:     cfg.Keys,
		store:    cfg.Store,
		nodes:    cfg.Nodes,
		feed:     cfg.Feed,
		gatherer: cfg.Gatherer,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/nodelist", s.handleNodeList).Methods(http.MethodGet)
	r.HandleFunc("/cycleinfo/{count:[0-9]+}", s.handleCycleInfo).Methods(http.MethodGet)
	r.HandleFunc("/cycleinfo", s.handleCycleRange).Methods(http.MethodGet)
	r.HandleFunc("/statehashes", s.handleStateHashes).Methods(http.MethodGet)
	r.HandleFunc("/full-archive", s.handleFullArchive).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/feed/{topic}", s.handleFeed).Methods(http.MethodGet)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	// No write timeout: feed streams stay open.
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleNodeList handles GET /nodelist with the active validators, signed.
func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	signed, err := protocol.Sign(s.keys, protocol.NodeList{NodeList: s.nodes.ActiveList()})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sign node list")
		return
	}

	writeJSON(w, http.StatusOK, signed)
}

// handleCycleInfo handles GET /cycleinfo/{count}, newest first.
func (s *Server) handleCycleInfo(w http.ResponseWriter, r *http.Request) {
	count, err := strconv.Atoi(mux.Vars(r)["count"])
	if err != nil || count < 1 {
		writeError(w, http.StatusBadRequest, "count must be a positive integer")
		return
	}

	records, err := s.store.LatestCycles(min(count, maxCycleCount))
	if err != nil {
		logger.Warn("read latest cycles", "error", err)
		writeError(w, http.StatusInternalServerError, "read cycles")
		return
	}

	writeJSON(w, http.StatusOK, protocol.CycleInfoResponse{CycleInfo: stamp(records)})
}

// handleCycleRange handles GET /cycleinfo?start=&end=. Ranges wider than
// maxCycleCount are cut at the start.
func (s *Server) handleCycleRange(w http.ResponseWriter, r *http.Request) {
	start, err1 := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	end, err2 := strconv.ParseUint(r.URL.Query().Get("end"), 10, 64)
	if err1 != nil || err2 != nil || start > end {
		writeError(w, http.StatusBadRequest, "start and end must be counters with start <= end")
		return
	}

	if end-start >= maxCycleCount {
		end = start + maxCycleCount - 1
	}

	records, err := s.store.CyclesBetween(start, end)
	if err != nil {
		logger.Warn("read cycle range", "start", start, "end", end, "error", err)
		writeError(w, http.StatusInternalServerError, "read cycles")
		return
	}

	writeJSON(w, http.StatusOK, protocol.CycleInfoResponse{CycleInfo: stamp(records)})
}

// handleStateHashes handles GET /statehashes from the stored state data.
func (s *Server) handleStateHashes(w http.ResponseWriter, r *http.Request) {
	archived, err := s.store.AllArchivedCycles()
	if err != nil {
		logger.Warn("read archived cycles", "error", err)
		writeError(w, http.StatusInternalServerError, "read archive")
		return
	}

	hashes := make([]protocol.StateHashes, 0, len(archived))
	for _, ac := range archived {
		if ac.Data == nil {
			continue
		}

		hashes = append(hashes, protocol.StateHashes{
			Counter:         ac.CycleRecord.Counter,
			PartitionHashes: ac.Data.PartitionHashes,
			NetworkHash:     ac.Data.NetworkHash,
		})
	}

	writeJSON(w, http.StatusOK, protocol.StateHashesResponse{StateHashes: hashes})
}

// handleFullArchive handles GET /full-archive, zstd coded when accepted.
func (s *Server) handleFullArchive(w http.ResponseWriter, r *http.Request) {
	archived, err := s.store.AllArchivedCycles()
	if err != nil {
		logger.Warn("read archived cycles", "error", err)
		writeError(w, http.StatusInternalServerError, "read archive")
		return
	}

	body := protocol.FullArchiveResponse{ArchivedCycles: archived}

	if !strings.Contains(r.Header.Get("Accept-Encoding"), encodingZstd) {
		writeJSON(w, http.StatusOK, body)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", encodingZstd)
	w.WriteHeader(http.StatusOK)

	enc, err := zstd.NewWriter(w)
	if err != nil {
		logger.Error("zstd writer", "error", err)
		return
	}
	defer enc.Close()

	if err := json.NewEncoder(enc).Encode(body); err != nil {
		logger.Debug("write full archive", "error", err)
	}
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleFeed handles GET /feed/{topic} as a server-sent event stream.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "feed not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	topic := mux.Vars(r)["topic"]

	messages, err := s.feed.Subscribe(r.Context(), topic)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			_, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", topic, msg.UUID, msg.Payload)
			msg.Ack()
			if err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// stamp sets the serving time on copies of records.
func stamp(records []cycles.Record) []cycles.Record {
	now := time.Now().Unix()

	out := make([]cycles.Record, len(records))
	for i, r := range records {
		r.CurrentTime = now
		out[i] = r
	}

	return out
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
