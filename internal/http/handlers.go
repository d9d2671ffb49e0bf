package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/job-dispatch/internal/auth"
	"github.com/example/job-dispatch/internal/chat"
	"github.com/example/job-dispatch/internal/claim"
	"github.com/example/job-dispatch/internal/drivers"
	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/geo"
	"github.com/example/job-dispatch/internal/idempotency"
	"github.com/example/job-dispatch/internal/jobstore"
	"github.com/example/job-dispatch/internal/matcher"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/pricing"
	"github.com/example/job-dispatch/internal/stats"
)

const (
	defaultNearbyRadiusM = 5000
	defaultNearbyLimit   = 10
	maxNearbyLimit       = 100
	readyTimeout         = 2 * time.Second
)

// HeartbeatPublisher queues heartbeats for asynchronous application.
type HeartbeatPublisher interface {
	Publish(ctx context.Context, hb geo.Heartbeat) error
}

// Deps are the services behind the HTTP surface. Heartbeats and Idempotency
// are optional.
type Deps struct {
	Jobs        *jobstore.Store
	Claims      *claim.Coordinator
	Locations   *geo.Tracker
	Chat        *chat.Relay
	Stats       *stats.Aggregator
	Quotes      *pricing.Quoter
	Matcher     *matcher.Service
	Drivers     drivers.Registry
	Idempotency idempotency.Keys
	Heartbeats  HeartbeatPublisher
	Auth        auth.Authenticator
	Ready       map[string]func(context.Context) error
}

type Server struct {
	deps     Deps
	auth     auth.Authenticator
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
	now      func() time.Time

	// streams is the parent of every websocket stream context.
	streams    context.Context
	endStreams context.CancelFunc
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	a := deps.Auth
	if a == nil {
		a = auth.HeaderAuthenticator{}
	}
	s := &Server{
		deps:     deps,
		auth:     a,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		now:      time.Now,
	}
	s.streams, s.endStreams = context.WithCancel(context.Background())
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/quotes", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/drivers/register", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodGet)
	api.HandleFunc("/admin/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/admin/drivers/{id}/approve", s.handleApproveDriver).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/jobs", s.handleJobsWS)
	ws.HandleFunc("/jobs/{id}/chat", s.handleChatWS)
	ws.HandleFunc("/drivers/{id}/location", s.handleLocationWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// CloseStreams ends every open websocket stream. http.Server.Shutdown does
// not track hijacked connections, so callers invoke this alongside it.
func (s *Server) CloseStreams() { s.endStreams() }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("readiness check failed", "failing", failing)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type stopsRequest struct {
	Stops []models.Stop `json:"stops"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req stopsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.deps.Quotes.Quote(r.Context(), req.Stops)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type createJobRequest struct {
	Stops []models.Stop `json:"stops"`
	Price *models.Money `json:"price,omitempty"`
}

// handleCreateJob creates a job for the calling dealer. With an
// Idempotency-Key header a retried request returns the job made by the
// first one.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "create jobs", models.RoleDealer, models.RoleOperator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	price, err := s.priceFor(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" || s.deps.Idempotency == nil {
		job, err := s.deps.Jobs.Create(r.Context(), p.UserID, req.Stops, price)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
		return
	}

	if err := idempotency.ValidKey(key); err != nil {
		s.writeError(w, r, err)
		return
	}
	scoped := p.UserID + ":" + key
	jobID, reserved, err := s.deps.Idempotency.Reserve(r.Context(), scoped)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !reserved {
		if jobID == "" {
			writeErrorCode(w, http.StatusConflict, "request_in_progress", "a request with this idempotency key is still in progress")
			return
		}
		job, err := s.deps.Jobs.Get(r.Context(), jobID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	job, err := s.deps.Jobs.Create(r.Context(), p.UserID, req.Stops, price)
	if err != nil {
		if rerr := s.deps.Idempotency.Release(context.WithoutCancel(r.Context()), scoped); rerr != nil {
			s.logger.Warn("idempotency release failed", "key", scoped, "err", rerr)
		}
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Idempotency.Bind(context.WithoutCancel(r.Context()), scoped, job.ID); err != nil {
		s.logger.Warn("idempotency bind failed", "key", scoped, "job_id", job.ID, "err", err)
	}
	writeJSON(w, http.StatusCreated, job)
}

// priceFor returns the requested price, or a quote when none was given.
func (s *Server) priceFor(ctx context.Context, req createJobRequest) (models.Money, error) {
	if req.Price != nil {
		return *req.Price, nil
	}
	if s.deps.Quotes == nil {
		return 0, errs.NewValidationError("price", "is required")
	}
	q, err := s.deps.Quotes.Quote(ctx, req.Stops)
	if err != nil {
		return 0, err
	}
	return q.Price, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "list jobs")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := jobFilter(r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.deps.Jobs.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// jobFilter reads ?status=a,b and restricts dealers to their own jobs.
func jobFilter(r *http.Request, p auth.Principal) (jobstore.Filter, error) {
	var f jobstore.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := models.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return f, errs.NewValidationError("status", err.Error())
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if p.Role == models.RoleDealer {
		f.RequesterID = p.UserID
	}
	return f, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "read jobs")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.visibleJob(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// visibleJob loads a job the caller may see. Dealers only see their own.
func (s *Server) visibleJob(ctx context.Context, p auth.Principal, id string) (models.Job, error) {
	job, err := s.deps.Jobs.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if p.Role == models.RoleDealer && job.RequesterID != p.UserID {
		return models.Job{}, errs.NewPermissionError(p.UserID, "read job "+id, "job belongs to another dealer")
	}
	return job, nil
}

// chatJob loads a job whose chat the caller may use: the dealer that posted
// it, the driver that claimed it, or an operator.
func (s *Server) chatJob(ctx context.Context, p auth.Principal, id string) (models.Job, error) {
	job, err := s.deps.Jobs.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	switch p.Role {
	case models.RoleOperator:
		return job, nil
	case models.RoleDealer:
		if job.RequesterID == p.UserID {
			return job, nil
		}
	case models.RoleDriver:
		if job.DriverID != "" && job.DriverID == p.UserID {
			return job, nil
		}
	}
	return models.Job{}, errs.NewPermissionError(p.UserID, "use chat of job "+id, "not a participant of this job")
}

// handleCandidates suggests nearby drivers for a searching job.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "rank drivers", models.RoleDealer, models.RoleOperator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.visibleJob(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	radius, err := floatParam(q.Get("radius_m"), "radius_m", new(float64))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxNearbyLimit {
			s.writeError(w, r, errs.NewValidationError("limit", "must be between 1 and "+strconv.Itoa(maxNearbyLimit)))
			return
		}
	}
	cands, err := s.deps.Matcher.Candidates(r.Context(), job, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "claim jobs", models.RoleDriver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Claims.Claim(r.Context(), mux.Vars(r)["id"], p.UserID, p.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, res)
}

type completeRequest struct {
	ProofRef string `json:"proof_ref"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "complete jobs", models.RoleDriver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req completeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Claims.Complete(r.Context(), mux.Vars(r)["id"], p.UserID, req.ProofRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, res)
}

// writeResult answers 200 for an accepted attempt and 409 for a lost race,
// with the result in the data field either way.
func writeResult(w http.ResponseWriter, res claim.Result) {
	status := http.StatusOK
	if !res.Accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "read messages")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.chatJob(r.Context(), p, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.deps.Chat.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "send messages")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	// Unknown jobs fall through so Send reports them as invalid input.
	if _, err := s.chatJob(r.Context(), p, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.deps.Chat.Send(r.Context(), id, p.UserID, p.Role, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type heartbeatRequest struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// handleHeartbeat records the calling driver's position. With a Kafka
// producer configured the heartbeat is queued and applied by the consumer.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "report positions", models.RoleDriver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.writeError(w, r, errs.NewValidationError("position", "lat and lng are required"))
		return
	}
	hb := geo.Heartbeat{DriverID: p.UserID, Lat: *req.Lat, Lng: *req.Lng, Timestamp: s.now().UTC()}
	if req.Timestamp != nil {
		hb.Timestamp = req.Timestamp.UTC()
	}
	if geo.FromFuture(hb.Timestamp, s.now()) {
		s.writeError(w, r, errs.NewValidationError("timestamp", "is ahead of the server clock"))
		return
	}
	if !geo.ValidCoord(hb.Lat, hb.Lng) {
		s.writeError(w, r, errs.NewValidationError("position", "lat/lng out of range"))
		return
	}

	if s.deps.Drivers != nil {
		if _, err := s.deps.Drivers.Register(r.Context(), p.UserID, p.Name, ""); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if s.deps.Heartbeats != nil {
		if err := s.deps.Heartbeats.Publish(r.Context(), hb); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
		return
	}
	accepted, err := s.deps.Locations.ReportHeartbeat(r.Context(), hb)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r, "read positions"); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := s.deps.Locations.CurrentPosition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r, "search drivers", models.RoleDealer, models.RoleOperator); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	lat, err := floatParam(q.Get("lat"), "lat", nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, err := floatParam(q.Get("lng"), "lng", nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := float64(defaultNearbyRadiusM)
	radius, err = floatParam(q.Get("radius_m"), "radius_m", &radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := defaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxNearbyLimit {
			s.writeError(w, r, errs.NewValidationError("limit", "must be between 1 and "+strconv.Itoa(maxNearbyLimit)))
			return
		}
	}
	found, err := s.deps.Locations.Nearby(r.Context(), lat, lng, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found == nil {
		found = []geo.NearbyDriver{}
	}
	writeJSON(w, http.StatusOK, found)
}

// floatParam parses v, falling back to def when v is empty. A nil def makes
// the parameter required.
func floatParam(v, name string, def *float64) (float64, error) {
	if v == "" {
		if def == nil {
			return 0, errs.NewValidationError(name, "is required")
		}
		return *def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errs.NewValidationError(name, "must be a number")
	}
	return f, nil
}

type registerDriverRequest struct {
	Name       string `json:"name"`
	LicenseRef string `json:"license_ref"`
}

// handleRegisterDriver records the calling driver and, when given, the
// reference to their uploaded license image.
func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r, "register", models.RoleDriver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req registerDriverRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = p.Name
	}
	drv, err := s.deps.Drivers.Register(r.Context(), p.UserID, name, req.LicenseRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drv)
}

// handleListDrivers lists drivers for the approval queue, optionally
// filtered by ?approval=pending_approval|active.
func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r, "list drivers", models.RoleOperator); err != nil {
		s.writeError(w, r, err)
		return
	}
	var approval models.ApprovalState
	if v := r.URL.Query().Get("approval"); v != "" {
		a, err := models.ParseApproval(v)
		if err != nil {
			s.writeError(w, r, errs.NewValidationError("approval", err.Error()))
			return
		}
		approval = a
	}
	list, err := s.deps.Drivers.List(r.Context(), approval)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Driver{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleApproveDriver(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r, "approve drivers", models.RoleOperator); err != nil {
		s.writeError(w, r, err)
		return
	}
	drv, err := s.deps.Drivers.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("driver approved", "driver_id", drv.ID)
	writeJSON(w, http.StatusOK, drv)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r, "read stats", models.RoleOperator); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Snapshot())
}
