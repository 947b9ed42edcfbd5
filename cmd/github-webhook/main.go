// Package main provides a GitHub webhook server that forwards failed
// workflow runs to the cifixd ingestion API.
//
// The server validates webhook signatures, extracts failed workflow_run
// events, summarizes the failing jobs via the GitHub API, and posts the
// failure to cifixd. Delivery to cifixd is at-least-once; cifixd
// deduplicates on the run key.
//
// Usage:
//
//	CIFIXD_URL=http://localhost:8700 \
//	GITHUB_WEBHOOK_SECRET=your_secret \
//	GITHUB_TOKEN=ghp_xxx \
//	PORT=3000 \
//	./github-webhook
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/cifixd/internal/config"
	"github.com/fyrsmithlabs/cifixd/internal/ingest"
	"github.com/fyrsmithlabs/cifixd/internal/logging"
)

// Validation regex compiled once at package initialization
var validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Config holds webhook server configuration.
type Config struct {
	CifixdURL     string
	WebhookSecret config.Secret
	GitHubToken   config.Secret
	Port          string
}

type WebhookServer struct {
	githubClient  *github.Client
	httpClient    *http.Client
	cifixdURL     string
	webhookSecret config.Secret
	logger        *logging.Logger
	rateLimiters  map[string]*rate.Limiter
	mu            sync.RWMutex
	lastCleanup   time.Time
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Create root context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logCfg := logging.NewDefaultConfig()
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig()

	logger.Info(ctx, "github webhook server starting",
		zap.String("port", cfg.Port),
		zap.String("cifixd_url", cfg.CifixdURL),
	)

	if !cfg.WebhookSecret.IsSet() {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET not set")
	}
	if !cfg.GitHubToken.IsSet() {
		return fmt.Errorf("GITHUB_TOKEN not set")
	}

	server := &WebhookServer{
		githubClient:  github.NewClient(nil).WithAuthToken(cfg.GitHubToken.Value()),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		cifixdURL:     strings.TrimRight(cfg.CifixdURL, "/"),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", server.handleWebhook)
	mux.HandleFunc("/health", handleHealth)

	// Timeouts prevent slowloris attacks
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info(ctx, "HTTP server listening", zap.String("addr", httpServer.Addr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "server shutdown error", zap.Error(err))
		return err
	}

	logger.Info(ctx, "server stopped gracefully")
	return nil
}

func loadConfig() *Config {
	cifixdURL := os.Getenv("CIFIXD_URL")
	if cifixdURL == "" {
		cifixdURL = "http://localhost:8700"
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	return &Config{
		CifixdURL:     cifixdURL,
		WebhookSecret: config.Secret(os.Getenv("GITHUB_WEBHOOK_SECRET")),
		GitHubToken:   config.Secret(os.Getenv("GITHUB_TOKEN")),
		Port:          port,
	}
}

// getRateLimiter returns a rate limiter for the given IP address.
// Rate limit: 60 requests per minute per IP address.
func (s *WebhookServer) getRateLimiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rateLimiters == nil {
		s.rateLimiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	// Clean up old limiters every hour to prevent memory leaks
	if time.Since(s.lastCleanup) > time.Hour {
		s.rateLimiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	limiter, exists := s.rateLimiters[ip]
	if !exists {
		// 60 requests per minute = 1 per second with burst of 10
		limiter = rate.NewLimiter(rate.Limit(1), 10)
		s.rateLimiters[ip] = limiter
	}

	return limiter
}

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func (s *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientIP := getClientIP(r)
	limiter := s.getRateLimiter(clientIP)
	if !limiter.Allow() {
		s.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", clientIP))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	// Limit request body size to prevent DoS attacks (1MB max)
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	payload, err := github.ValidatePayload(r, []byte(s.webhookSecret.Value()))
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		s.logger.Warn(ctx, "failed to parse webhook", zap.Error(err))
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	switch e := event.(type) {
	case *github.WorkflowRunEvent:
		if err := s.handleWorkflowRunEvent(ctx, e); err != nil {
			s.logger.Error(ctx, "error handling workflow_run event", zap.Error(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}

	default:
		s.logger.Debug(ctx, "ignoring event type", zap.String("type", fmt.Sprintf("%T", event)))
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// failedConclusions are workflow_run conclusions worth analyzing.
var failedConclusions = map[string]bool{
	"failure":   true,
	"timed_out": true,
}

// validateRunEvent validates event data to prevent injection attacks.
func validateRunEvent(e *github.WorkflowRunEvent) error {
	if e.WorkflowRun == nil || e.WorkflowRun.ID == nil || *e.WorkflowRun.ID <= 0 {
		return fmt.Errorf("invalid workflow run id")
	}
	if e.Repo == nil || e.Repo.Owner == nil || e.Repo.Owner.Login == nil {
		return fmt.Errorf("invalid repository owner")
	}
	if !validNameRegex.MatchString(*e.Repo.Owner.Login) {
		return fmt.Errorf("invalid repository owner format")
	}
	if e.Repo.Name == nil {
		return fmt.Errorf("invalid repository name")
	}
	if !validNameRegex.MatchString(*e.Repo.Name) {
		return fmt.Errorf("invalid repository name format")
	}
	return nil
}

func (s *WebhookServer) handleWorkflowRunEvent(ctx context.Context, event *github.WorkflowRunEvent) error {
	if err := validateRunEvent(event); err != nil {
		s.logger.Warn(ctx, "invalid workflow_run event data", zap.Error(err))
		return fmt.Errorf("invalid workflow_run event: %w", err)
	}

	run := event.GetWorkflowRun()
	if event.GetAction() != "completed" || !failedConclusions[run.GetConclusion()] {
		s.logger.Debug(ctx, "ignoring workflow run",
			zap.String("action", event.GetAction()),
			zap.String("conclusion", run.GetConclusion()),
		)
		return nil
	}

	owner := event.GetRepo().GetOwner().GetLogin()
	repo := event.GetRepo().GetName()

	s.logger.Info(ctx, "processing failed workflow run",
		zap.String("owner", owner),
		zap.String("repo", repo),
		zap.Int64("run_id", run.GetID()),
		zap.String("workflow", run.GetName()),
	)

	errorLog := s.collectErrorLog(ctx, owner, repo, run.GetID())

	req := ingest.Request{
		Owner:        owner,
		Repo:         repo,
		RunID:        run.GetID(),
		WorkflowName: run.GetName(),
		Conclusion:   run.GetConclusion(),
		ErrorLog:     errorLog,
	}
	return s.forward(ctx, req)
}

// collectErrorLog summarizes the run's failed jobs and steps from the
// GitHub API. Best-effort: API failures yield an empty log and cifixd
// degrades to an empty feature vector.
func (s *WebhookServer) collectErrorLog(ctx context.Context, owner, repo string, runID int64) string {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	jobs, _, err := s.githubClient.Actions.ListWorkflowJobs(ctx, owner, repo, runID,
		&github.ListWorkflowJobsOptions{Filter: "latest"})
	if err != nil {
		s.logger.Warn(ctx, "failed to list workflow jobs",
			zap.Int64("run_id", runID),
			zap.Error(err),
		)
		return ""
	}

	var b strings.Builder
	for _, job := range jobs.Jobs {
		if job.GetConclusion() != "failure" && job.GetConclusion() != "timed_out" {
			continue
		}
		fmt.Fprintf(&b, "job %q concluded %s\n", job.GetName(), job.GetConclusion())
		for _, step := range job.Steps {
			if step.GetConclusion() == "failure" {
				fmt.Fprintf(&b, "  step %q failed\n", step.GetName())
			}
		}
	}
	return b.String()
}

// forward posts the failure to the cifixd ingestion endpoint.
func (s *WebhookServer) forward(ctx context.Context, req ingest.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode ingest request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cifixdURL+"/api/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ingest request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach cifixd: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cifixd rejected ingest with status %d", resp.StatusCode)
	}

	s.logger.Info(ctx, "failure forwarded",
		zap.String("run", fmt.Sprintf("%s/%s#%d", req.Owner, req.Repo, req.RunID)),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
