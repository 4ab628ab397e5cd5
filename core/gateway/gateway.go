package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/engine"
	"github.com/coffer-io/coffer/core/infra/buildinfo"
	"github.com/coffer-io/coffer/core/infra/bus"
	"github.com/coffer-io/coffer/core/infra/config"
	"github.com/coffer-io/coffer/core/infra/logging"
	infraMetrics "github.com/coffer-io/coffer/core/infra/metrics"
	"github.com/coffer-io/coffer/core/manifest"
	"github.com/coffer-io/coffer/core/retention"
)

const (
	maxRequestBytes       = 1 << 20 // 1 MiB limit for incoming request bodies
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	// #nosec G101 -- protocol label, not a credential.
	wsTokenProtocol = "coffer-api-key"
)

type server struct {
	engine   *engine.Engine
	registry *backend.Registry
	store    manifest.Store
	sweeper  *retention.Sweeper
	bus      *bus.NatsBus
	hub      *Hub

	metrics infraMetrics.GatewayMetrics
	token   string
	started time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsTokenProtocol},
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	rps := defaultRateLimitRPS
	burst := defaultRateLimitBurst
	if val := os.Getenv("COFFER_API_RATE_LIMIT_RPS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	if val := os.Getenv("COFFER_API_RATE_LIMIT_BURST"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newTokenBucket(rps, burst)
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

var apiLimiter = newTokenBucketFromEnv()

// Options carries the components the HTTP surface exposes. Engine is
// required; a nil Sweeper turns the sweep endpoint into a 503 and a nil Bus
// reports as disabled in the status payload.
type Options struct {
	Engine   *engine.Engine
	Registry *backend.Registry
	Store    manifest.Store
	Sweeper  *retention.Sweeper
	Bus      *bus.NatsBus
	Hub      *Hub
	Metrics  infraMetrics.GatewayMetrics
	APIToken string
}

// Run serves the HTTP API on cfg.HTTPAddr and Prometheus metrics on
// cfg.MetricsAddr until the listener fails. An empty API token disables
// authentication.
func Run(cfg *config.Config, opts Options) error {
	if cfg == nil {
		cfg = config.Load()
	}
	if opts.Engine == nil {
		return errors.New("gateway requires an engine")
	}
	if opts.Registry == nil {
		opts.Registry = backend.NewRegistry()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Metrics == nil {
		opts.Metrics = infraMetrics.NewGatewayProm("coffer_gateway")
	}
	token := normalizeToken(opts.APIToken)
	if token == "" {
		token = normalizeToken(cfg.APIToken)
	}

	s := &server{
		engine:   opts.Engine,
		registry: opts.Registry,
		store:    opts.Store,
		sweeper:  opts.Sweeper,
		bus:      opts.Bus,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		token:    token,
		started:  time.Now().UTC(),
	}
	return startHTTPServer(s, cfg.HTTPAddr, cfg.MetricsAddr)
}

func startHTTPServer(s *server, httpAddr, metricsAddr string) error {
	mux := http.NewServeMux()
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info("gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	// 1. Health
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// 2. Status snapshot (build/NATS/manifest/operations)
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	// 3. Backup submission
	mux.HandleFunc("POST /api/v1/backups", s.instrumented("/api/v1/backups", s.handleSubmitBackup))

	// 4. Operations
	mux.HandleFunc("GET /api/v1/operations", s.instrumented("/api/v1/operations", s.handleListOperations))
	mux.HandleFunc("GET /api/v1/operations/{id}", s.instrumented("/api/v1/operations/{id}", s.handleGetOperation))

	// 5. Manifest
	mux.HandleFunc("GET /api/v1/manifest", s.instrumented("/api/v1/manifest", s.handleListManifest))

	// 6. Retention
	mux.HandleFunc("POST /api/v1/sweep", s.instrumented("/api/v1/sweep", s.handleSweep))

	// 7. Backends
	mux.HandleFunc("GET /api/v1/backends", s.instrumented("/api/v1/backends", s.handleListBackends))

	// 8. Events (WebSocket)
	mux.HandleFunc("/api/v1/events/ws", s.instrumented("/api/v1/events/ws", s.handleEvents))

	handler := corsMiddleware(rateLimitMiddleware(authMiddleware(s.token, mux)))

	logging.Info("gateway", "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("gateway", "http server error", "error", err)
		return err
	}
	return nil
}

// --- Handlers ---

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"time":           time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"build":          buildinfo.Map(),
	}

	natsInfo := map[string]any{"connected": false, "status": "disabled"}
	if s.bus != nil {
		natsInfo["connected"] = s.bus.IsConnected()
		natsInfo["status"] = s.bus.Status()
		if u := s.bus.ConnectedURL(); u != "" {
			natsInfo["url"] = u
		}
	}
	resp["nats"] = natsInfo

	manifestInfo := map[string]any{"ok": false, "error": "no store configured"}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		if err := storeHealth(ctx, s.store); err != nil {
			manifestInfo = map[string]any{"ok": false, "error": err.Error()}
		} else {
			manifestInfo = map[string]any{"ok": true}
		}
		cancel()
	}
	resp["manifest"] = manifestInfo

	counts := s.engine.CountByState()
	tracked := 0
	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		tracked += n
		byState[string(state)] = n
	}
	resp["operations"] = map[string]any{"tracked": tracked, "by_state": byState}
	names := s.registry.Names()
	resp["backends"] = map[string]any{"count": len(names), "names": names}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// storeHealth prefers a store's own Ping; a bare List covers the rest.
func storeHealth(ctx context.Context, store manifest.Store) error {
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := store.List(ctx, manifest.Filter{})
	return err
}

type submitBackupRequest struct {
	SourceID   string `json:"source_id"`
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind"`
	Backend    string `json:"backend"`
}

func (s *server) handleSubmitBackup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req submitBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ref := manifest.ArtifactRef{
		SourceID:   strings.TrimSpace(req.SourceID),
		ArtifactID: strings.TrimSpace(req.ArtifactID),
		Kind:       manifest.Kind(strings.TrimSpace(req.Kind)),
		Backend:    strings.TrimSpace(req.Backend),
	}
	check := ref
	if check.ArtifactID == "" {
		// Submit fills a timestamped default; validate everything else here
		// so malformed requests come back as 400s.
		check.ArtifactID = "pending"
	}
	if err := check.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.engine.Submit(r.Context(), ref)
	if err != nil {
		http.Error(w, err.Error(), submitStatus(err))
		return
	}

	op, _ := s.engine.Get(id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"operation_id": id,
		"artifact_id":  op.Ref.ArtifactID,
	})
}

// submitStatus maps submission failures: naming an unconfigured backend or an
// unsupported kind is the caller's fault, anything else is the backend's.
func submitStatus(err error) int {
	if errors.Is(err, engine.ErrUnknownBackend) || errors.Is(err, backend.ErrUnsupportedKind) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.engine.List()
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		want := engine.OperationState(raw)
		filtered := make([]engine.Operation, 0, len(ops))
		for _, op := range ops {
			if op.State == want {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	if ops == nil {
		ops = []engine.Operation{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": ops, "count": len(ops)})
}

func (s *server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, ok := s.engine.Get(id)
	if !ok {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(op)
}

func (s *server) handleListManifest(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "manifest store unavailable", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	filter := manifest.Filter{
		Backend:  strings.TrimSpace(q.Get("backend")),
		SourceID: strings.TrimSpace(q.Get("source")),
		Kind:     manifest.Kind(strings.TrimSpace(q.Get("kind"))),
	}
	if raw := strings.TrimSpace(q.Get("older_than")); raw != "" {
		cutoff, err := parseCutoff(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.OlderThan = cutoff
	}

	entries, err := s.store.List(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []manifest.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": entries, "count": len(entries)})
}

// parseCutoff accepts either an RFC3339 timestamp or a duration back from
// now ("72h" means created more than 72 hours ago).
func parseCutoff(raw string) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("older_than duration must be positive, got %s", raw)
		}
		return time.Now().UTC().Add(-d), nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("older_than must be a duration or RFC3339 timestamp, got %q", raw)
}

func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		http.Error(w, "sweeper unavailable", http.StatusServiceUnavailable)
		return
	}
	result, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result.Deleted == nil {
		result.Deleted = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.BuildSnapshot())
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	logging.Info("gateway", "ws connection attempt", "remote", r.RemoteAddr)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	ch := s.hub.add(ws)
	defer s.hub.remove(ws)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error("gateway", "event marshal failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		if reqHost != "" && host == reqHost {
			return true
		}
		return false
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	for _, key := range []string{
		"COFFER_ALLOWED_ORIGINS",
		"CORS_ALLOW_ORIGINS",
	} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			return nil, true
		}
		set := make(map[string]struct{})
		for _, part := range strings.Split(raw, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			set[p] = struct{}{}
		}
		return set, false
	}
	return nil, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

func rateLimitMiddleware(next http.Handler) http.Handler {
	if apiLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !apiLimiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the shared API token on /api/ routes. An empty
// token disables the check entirely.
func authMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		if tokenFromRequest(r) != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenFromRequest pulls the API token from the Authorization header, the
// X-API-Key header, or a WebSocket subprotocol for browser clients that
// cannot set headers.
func tokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return normalizeToken(strings.TrimPrefix(header, "Bearer "))
	}
	if key := normalizeToken(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if websocket.IsWebSocketUpgrade(r) {
		return normalizeToken(tokenFromWebSocket(r))
	}
	return ""
}

func normalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-token").
	token = strings.Trim(token, "\"'")
	return strings.TrimSpace(token)
}

func tokenFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsTokenProtocol) && i+1 < len(protocols) {
			return decodeWSToken(protocols[i+1])
		}
		prefix := strings.ToLower(wsTokenProtocol) + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSToken(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
