package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/nemt-dispatch/internal/billing"
	"github.com/example/nemt-dispatch/internal/config"
	"github.com/example/nemt-dispatch/internal/events"
	"github.com/example/nemt-dispatch/internal/geo"
	"github.com/example/nemt-dispatch/internal/ingest"
	"github.com/example/nemt-dispatch/internal/models"
	"github.com/example/nemt-dispatch/internal/notify"
	"github.com/example/nemt-dispatch/internal/scheduler"
	"github.com/example/nemt-dispatch/internal/storage"
)

type Server struct {
	Engine *scheduler.Engine
	Loop   *scheduler.Loop
	Trips  storage.TripRepository
	Geo    *geo.RedisIndex       // optional
	Kafka  *ingest.KafkaProducer // optional
	Change *events.Publisher     // optional
	WSReg  *notify.WSRegistry

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the full scheduler stack from config. Redis, Kafka,
// Postgres, and Stripe are each optional; the server degrades to
// in-memory equivalents so it can run locally without infrastructure.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var trips storage.TripRepository
	var drivers storage.DriverRepository
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		trips, drivers = ps, ps
	} else {
		mem := storage.NewMemoryStore()
		trips, drivers = mem, mem
	}

	wsreg := notify.NewWSRegistry()

	engine := scheduler.NewEngine(trips, drivers, logger)
	engine.ActorID = cfg.ActorID
	engine.UndoWindow = cfg.UndoWindow
	engine.Notifier = notify.NewDispatcher(wsreg, cfg.PushEndpoint)
	if cfg.StripeFares {
		engine.Fares = billing.NewStripeFares(cfg.FareCents, cfg.FareCurrency)
	}

	var changes <-chan struct{}
	var publisher *events.Publisher
	var geoIndex *geo.RedisIndex
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		geoIndex = geo.NewRedisIndexWithClient(rc, cfg.RedisGeoKey)
		engine.Locations = geoIndex
		publisher = events.NewPublisher(rc, cfg.RedisChannel)
		changes = events.NewSubscriber(rc, cfg.RedisChannel).Changes(context.Background())
	}

	loop := scheduler.NewLoop(engine, trips, changes, logger)
	loop.RefreshInterval = cfg.RefreshInterval
	loop.RunInterval = cfg.ScheduleInterval
	loop.BatchLimit = cfg.BatchLimit

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	s := &Server{
		Engine: engine,
		Loop:   loop,
		Trips:  trips,
		Geo:    geoIndex,
		Kafka:  kp,
		Change: publisher,
		WSReg:  wsreg,
		cfg:    cfg,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/assign", s.handleAssignTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/scheduler/run", s.handleRunBatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/scheduler/undo", s.handleUndo).Methods("POST")
	s.mux.HandleFunc("/api/v1/scheduler/status", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/scheduler/weights", s.handleGetWeights).Methods("GET")
	s.mux.HandleFunc("/api/v1/scheduler/weights", s.handlePutWeights).Methods("PUT")
	s.mux.HandleFunc("/api/v1/scheduler/auto", s.handleToggleAuto).Methods("POST")
	s.mux.HandleFunc("/api/v1/scheduler/ai", s.handleToggleAI).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleAssignTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.Trips.GetTrip(r.Context(), tripID)
	if err != nil {
		if errors.Is(err, storage.ErrTripNotFound) {
			http.Error(w, "trip not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !trip.Unscheduled() {
		http.Error(w, "trip is not assignable", http.StatusConflict)
		return
	}
	outcome, err := s.Engine.AssignTrip(r.Context(), trip)
	if err != nil {
		http.Error(w, outcome.Message, http.StatusBadGateway)
		return
	}
	s.publishChange(r.Context())
	writeJSON(w, outcome)
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	trips, err := s.Trips.ListUnscheduled(r.Context(), s.cfg.BatchLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	outcomes, batch, err := s.Engine.AutoScheduleAll(r.Context(), trips)
	if err != nil {
		if errors.Is(err, scheduler.ErrRunInFlight) {
			http.Error(w, "a batch run is already in progress", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := s.Engine.RefreshState(r.Context()); err != nil {
		s.logger.Warn("post-batch refresh failed", "error", err)
	}
	s.publishChange(r.Context())
	writeJSON(w, map[string]any{"batch": batch, "results": outcomes})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BatchTimestamp *time.Time `json:"batch_timestamp"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	var n int
	var err error
	if body.BatchTimestamp != nil {
		n, err = s.Engine.UndoBatch(r.Context(), *body.BatchTimestamp)
	} else {
		n, err = s.Engine.UndoLastBatch(r.Context())
	}
	if err != nil {
		if errors.Is(err, scheduler.ErrNothingToUndo) {
			http.Error(w, "nothing to undo", http.StatusConflict)
			return
		}
		// the batch stays undoable; the caller may retry
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.publishChange(r.Context())
	writeJSON(w, map[string]any{"reverted": n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last := s.Engine.LastBatch()
	canUndo := last != nil
	var recent *time.Time
	if !canUndo {
		if ts, err := s.Engine.RecentBatch(r.Context()); err == nil && ts != nil {
			canUndo = true
			recent = ts
		}
	}
	status := map[string]any{
		"auto_schedule_enabled": s.Loop.AutoScheduleEnabled(),
		"ai_enhanced":           s.Loop.AIEnhanced(),
		"weights":               s.Engine.Weights(),
		"last_batch":            last,
		"can_undo":              canUndo,
	}
	if recent != nil {
		status["recent_batch_timestamp"] = recent
	}
	writeJSON(w, status)
}

func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Engine.Weights())
}

func (s *Server) handlePutWeights(w http.ResponseWriter, r *http.Request) {
	var weights models.Weights
	if err := json.NewDecoder(r.Body).Decode(&weights); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if weights.Workload < 0 || weights.Distance < 0 || weights.Experience < 0 ||
		weights.Performance < 0 || weights.Availability < 0 {
		http.Error(w, "weights must be non-negative", http.StatusBadRequest)
		return
	}
	s.Engine.SetWeights(weights)
	writeJSON(w, weights)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleAuto(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Loop.SetAutoSchedule(req.Enabled)
	writeJSON(w, map[string]any{"auto_schedule_enabled": req.Enabled})
}

func (s *Server) handleToggleAI(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Loop.SetAIEnhanced(req.Enabled)
	writeJSON(w, map[string]any{"ai_enhanced": req.Enabled})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if loc.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = time.Now().UTC()
	}
	// prefer the pipeline; fall back to a direct index write
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.logger.Error("location publish failed", "driver", loc.DriverID, "error", err)
			http.Error(w, "publish failed", http.StatusBadGateway)
			return
		}
	} else if s.Geo != nil {
		if err := s.Geo.Upsert(r.Context(), loc); err != nil {
			s.logger.Error("location upsert failed", "driver", loc.DriverID, "error", err)
			http.Error(w, "upsert failed", http.StatusBadGateway)
			return
		}
		s.publishChange(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	// drain the connection so close frames are processed; once the
	// read fails the peer is gone and the session is dropped
	go func() {
		defer conn.Close()
		defer s.WSReg.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) publishChange(ctx context.Context) {
	if s.Change == nil {
		return
	}
	if err := s.Change.Notify(ctx); err != nil {
		s.logger.Warn("change publish failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
