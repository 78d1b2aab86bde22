package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"classbeacon/internal/auth"
	"classbeacon/internal/metrics"
	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

// Registry is the slice of the connection registry the API reports on
type Registry interface {
	GetStats() map[string]int
}

// Announcer pushes REST-side changes onto the live channel
type Announcer interface {
	AnnouncePresence(liveID string, record *types.AttendanceRecord) int
	AnnounceEnded(session *types.AttendanceSession) int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer is a pure interface between clients and
// the session manager; no attendance rule is decided here
type Server struct {
	sessionManager interfaces.SessionManager
	dbManager      interfaces.DatabaseManager
	registry       Registry
	announcer      Announcer
	issuer         *auth.Issuer
	metrics        *metrics.Metrics
	router         *mux.Router
	startedAt      time.Time
}

// NewServer wires routes; m may be nil
func NewServer(sessionManager interfaces.SessionManager, dbManager interfaces.DatabaseManager, registry Registry, announcer Announcer, issuer *auth.Issuer, m *metrics.Metrics) *Server {
	s := &Server{
		sessionManager: sessionManager,
		dbManager:      dbManager,
		registry:       registry,
		announcer:      announcer,
		issuer:         issuer,
		metrics:        m,
		router:         mux.NewRouter(),
		startedAt:      time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)
	// Preflight requests carry no token; corsMiddleware answers them
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonMiddleware, s.authMiddleware)

	teacher := api.NewRoute().Subrouter()
	teacher.Use(requireRole(types.RoleTeacher))
	teacher.HandleFunc("/start-attendance", s.startAttendance).Methods(http.MethodPost)
	teacher.HandleFunc("/end-attendance", s.endAttendance).Methods(http.MethodPost)
	teacher.HandleFunc("/attendance/{id:[0-9]+}/manual-mark", s.manualMark).Methods(http.MethodPost)
	teacher.HandleFunc("/attendance/{id:[0-9]+}/records", s.listRecords).Methods(http.MethodGet)

	student := api.NewRoute().Subrouter()
	student.Use(requireRole(types.RoleStudent))
	student.HandleFunc("/live-attendance", s.liveAttendance).Methods(http.MethodGet)
}

// HandleChannel mounts the live channel endpoint next to the REST routes
func (s *Server) HandleChannel(path string, handler http.HandlerFunc) {
	s.router.HandleFunc(path, handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type StartAttendanceRequest struct {
	ClassID int64 `json:"class_id" validate:"required,gt=0"`
}

type StartAttendanceResponse struct {
	ID        int64       `json:"id"`
	LiveID    string      `json:"live_id"`
	StartTime time.Time   `json:"start_time"`
	Class     types.Class `json:"class"`
}

type EndAttendanceRequest struct {
	AttendanceID int64 `json:"attendance_id" validate:"required,gt=0"`
}

type EndAttendanceResponse struct {
	Success bool `json:"success"`
}

// ManualMarkRequest carries a teacher's toggle; Present is a pointer so a
// missing field is distinguishable from false
type ManualMarkRequest struct {
	StudentID string `json:"student_id" validate:"required,max=50"`
	Present   *bool  `json:"present" validate:"required"`
}

type ManualMarkResponse struct {
	Record  *types.AttendanceRecord `json:"record"`
	Created bool                    `json:"created"`
}

type RecordsResponse struct {
	AttendanceID int64                     `json:"attendance_id"`
	Records      []*types.AttendanceRecord `json:"records"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/start-attendance
func (s *Server) startAttendance(w http.ResponseWriter, r *http.Request) {
	var req StartAttendanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	identity, _ := auth.FromContext(r.Context())

	session, class, err := s.sessionManager.StartAttendance(r.Context(), identity.UserID, req.ClassID)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	s.metrics.SessionStarted()
	log.Printf("Attendance started: teacher=%s class=%d id=%d live_id=%s", identity.UserID, class.ID, session.ID, session.LiveID)

	s.sendJSON(w, http.StatusCreated, StartAttendanceResponse{
		ID:        session.ID,
		LiveID:    session.LiveID,
		StartTime: session.StartTime,
		Class:     *class,
	})
}

// POST /api/end-attendance
func (s *Server) endAttendance(w http.ResponseWriter, r *http.Request) {
	var req EndAttendanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	identity, _ := auth.FromContext(r.Context())

	session, err := s.sessionManager.EndAttendance(r.Context(), identity.UserID, req.AttendanceID)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	s.metrics.SessionEnded()

	delivered := s.announcer.AnnounceEnded(session)
	log.Printf("Attendance ended: id=%d live_id=%s notified=%d", session.ID, session.LiveID, delivered)

	s.sendJSON(w, http.StatusOK, EndAttendanceResponse{Success: true})
}

// GET /api/live-attendance
func (s *Server) liveAttendance(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())

	live, err := s.sessionManager.GetLiveAttendance(r.Context(), identity.UserID)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, live)
}

// POST /api/attendance/{id}/manual-mark
// FUNCTIONAL DISCOVERY: A manual mark reaches the student's channel as the same
// presence_marked event a device mark produces
func (s *Server) manualMark(w http.ResponseWriter, r *http.Request) {
	attendanceID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req ManualMarkRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !*req.Present {
		s.sendError(w, "Attendance records cannot be unmarked", http.StatusBadRequest)
		return
	}
	identity, _ := auth.FromContext(r.Context())

	session, record, created, err := s.sessionManager.ManualMark(r.Context(), identity.UserID, attendanceID, req.StudentID)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	s.metrics.PresenceMarked(metrics.SourceManual, created)

	if created {
		delivered := s.announcer.AnnouncePresence(session.LiveID, record)
		log.Printf("Manual mark: student=%s id=%d notified=%d", req.StudentID, attendanceID, delivered)
	}

	s.sendJSON(w, http.StatusOK, ManualMarkResponse{Record: record, Created: created})
}

// GET /api/attendance/{id}/records
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	attendanceID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	identity, _ := auth.FromContext(r.Context())

	records, err := s.sessionManager.ListRecords(r.Context(), identity.UserID, attendanceID)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	if records == nil {
		records = []*types.AttendanceRecord{}
	}
	s.sendJSON(w, http.StatusOK, RecordsResponse{AttendanceID: attendanceID, Records: records})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.dbManager.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	s.sendJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, "Invalid attendance id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decode reads and validates a JSON body, answering 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	if err := types.Validate(dst); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// sendErr maps a domain error onto a status and its user message
func (s *Server) sendErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("API error: %v", err)
	}
	s.sendError(w, types.UserMessage(err), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, types.ErrSessionNotFound),
		errors.Is(err, types.ErrNotEnrolled),
		errors.Is(err, interfaces.ErrClassNotFound),
		errors.Is(err, interfaces.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrSessionEnded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// authMiddleware attaches the bearer token's identity to the request
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			s.sendError(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}
		identity, err := s.issuer.Parse(token)
		if err != nil {
			s.sendError(w, types.UserMessage(types.ErrChannelAuth), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func requireRole(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.FromContext(r.Context())
			if !ok || identity.Role != role {
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Error:   http.StatusText(http.StatusForbidden),
					Code:    http.StatusForbidden,
					Message: types.UserMessage(types.ErrForbidden),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables the web dashboard
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
