// Package simulator drives a running forum over HTTP with concurrent
// anonymous users that post, reply, upvote and vote on polls.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"anon-forum/internal/api"
)

type SimConfig struct {
	NumUsers       int
	SimulationTime time.Duration
	// Frequencies are actions per user per hour.
	PostFrequency  float64
	ReplyFrequency float64
	VoteFrequency  float64
	PollPercentage float64 // share of new posts that carry a poll
	DisconnectRate float64 // per-second chance a user signs out
	ReconnectRate  float64 // per-second chance a signed-out user signs in again
	ZipfS          float64
	TickInterval   time.Duration
	EngineURL      string
	Logger         *slog.Logger
}

type SimulationStats struct {
	mu              sync.RWMutex
	StartTime       time.Time
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	Conflicts       int64 // ALREADY_VOTED answers, expected under load
	AverageLatency  time.Duration
	ActiveUsers     int
	TotalPosts      int
	TotalReplies    int
	TotalVotes      int
	TotalUpvotes    int
}

// SimulatedUser is one anonymous identity. Signing out and back in yields a
// new identity, as it would for a real client.
type SimulatedUser struct {
	Name        string
	UserID      string
	Token       string
	IsConnected bool
	Posts       []string
	VotedPolls  map[string]bool
}

// StatusError is returned for HTTP answers of 400 and above.
type StatusError struct {
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d (%s)", e.Status, e.Code)
}

type Simulator struct {
	config SimConfig
	stats  *SimulationStats
	users  []*SimulatedUser
	client *http.Client
	logger *slog.Logger

	mu      sync.RWMutex
	postIDs []string // newest last
	polls   map[string][]string
	rng     *rand.Rand
	rngMu   sync.Mutex
}

func NewSimulator(config SimConfig) *Simulator {
	if config.TickInterval <= 0 {
		config.TickInterval = 500 * time.Millisecond
	}
	if config.ZipfS <= 1 {
		config.ZipfS = 1.07
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Simulator{
		config: config,
		stats:  &SimulationStats{StartTime: time.Now()},
		client: &http.Client{Timeout: 10 * time.Second},
		logger: config.Logger.With("component", "simulator"),
		polls:  make(map[string][]string),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("starting simulation", "users", s.config.NumUsers, "duration", s.config.SimulationTime)
	if s.config.SimulationTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SimulationTime)
		defer cancel()
	}

	if err := s.createInitialUsers(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.SimulateActivities(ctx)
	}()
	go func() {
		defer wg.Done()
		s.simulateConnectivity(ctx)
	}()
	go func() {
		defer wg.Done()
		s.collectMetrics(ctx)
	}()
	wg.Wait()
	return nil
}

func (s *Simulator) createInitialUsers(ctx context.Context) error {
	users := make([]*SimulatedUser, 0, s.config.NumUsers)
	for i := 0; i < s.config.NumUsers; i++ {
		user := &SimulatedUser{Name: fmt.Sprintf("user_%d", i), VotedPolls: make(map[string]bool)}
		if err := s.signIn(ctx, user); err != nil {
			return fmt.Errorf("failed to sign in %s: %w", user.Name, err)
		}
		users = append(users, user)
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	s.stats.mu.Lock()
	s.stats.ActiveUsers = len(users)
	s.stats.mu.Unlock()
	return nil
}

func (s *Simulator) signIn(ctx context.Context, user *SimulatedUser) error {
	var login api.LoginResponse
	if err := s.makeRequest(ctx, http.MethodPost, "/auth/anonymous", "", nil, &login); err != nil {
		return err
	}
	if !login.Success {
		return errors.New(login.Error)
	}
	user.UserID = login.UserID
	user.Token = login.Token
	user.IsConnected = true
	user.VotedPolls = make(map[string]bool)
	return nil
}

// makeRequest sends data as JSON and decodes the answer into out when set.
func (s *Simulator) makeRequest(ctx context.Context, method, endpoint, token string, data, out any) error {
	var body io.Reader
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.EngineURL+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.recordRequestMetrics(start, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&apiErr)
		err = &StatusError{Status: resp.StatusCode, Code: apiErr.Code}
		s.recordRequestMetrics(start, err)
		return err
	}
	s.recordRequestMetrics(start, nil)
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Simulator) chance(p float64) bool {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < p
}

func (s *Simulator) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// pickPost favours recent posts following a Zipf distribution.
func (s *Simulator) pickPost() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.postIDs) == 0 {
		return "", false
	}
	s.rngMu.Lock()
	zipf := rand.NewZipf(s.rng, s.config.ZipfS, 1, uint64(len(s.postIDs)-1))
	rank := int(zipf.Uint64())
	s.rngMu.Unlock()
	return s.postIDs[len(s.postIDs)-1-rank], true
}

func (s *Simulator) simulateConnectivity(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			users := append([]*SimulatedUser(nil), s.users...)
			s.mu.Unlock()
			for _, user := range users {
				s.mu.RLock()
				connected := user.IsConnected
				token := user.Token
				s.mu.RUnlock()

				switch {
				case connected && s.chance(s.config.DisconnectRate):
					if err := s.makeRequest(ctx, http.MethodPost, "/auth/signout", token, nil, nil); err != nil {
						s.logger.Debug("sign out failed", "user", user.Name, "error", err)
						continue
					}
					s.mu.Lock()
					user.IsConnected = false
					s.mu.Unlock()
					s.stats.mu.Lock()
					s.stats.ActiveUsers--
					s.stats.mu.Unlock()

				case !connected && s.chance(s.config.ReconnectRate):
					fresh := &SimulatedUser{Name: user.Name}
					if err := s.signIn(ctx, fresh); err != nil {
						s.logger.Debug("sign in failed", "user", user.Name, "error", err)
						continue
					}
					s.mu.Lock()
					*user = *fresh
					s.mu.Unlock()
					s.stats.mu.Lock()
					s.stats.ActiveUsers++
					s.stats.mu.Unlock()
				}
			}
		}
	}
}

func (s *Simulator) recordRequestMetrics(start time.Time, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	latency := time.Since(start)
	s.stats.TotalRequests++

	var statusErr *StatusError
	switch {
	case err == nil:
		s.stats.SuccessRequests++
	case errors.As(err, &statusErr) && statusErr.Code == "ALREADY_VOTED":
		s.stats.Conflicts++
	default:
		s.stats.FailedRequests++
	}

	totalLatency := s.stats.AverageLatency * time.Duration(s.stats.TotalRequests-1)
	s.stats.AverageLatency = (totalLatency + latency) / time.Duration(s.stats.TotalRequests)
}

func (s *Simulator) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := s.GetMetrics()
			s.logger.Info("simulation metrics",
				"elapsed", time.Since(s.stats.StartTime).Round(time.Second),
				"req_per_sec", fmt.Sprintf("%.2f", m.RequestsPerSecond),
				"avg_latency", m.AverageLatency,
				"active_users", m.ActiveUsers,
				"posts", m.TotalPosts,
				"replies", m.TotalReplies,
				"votes", m.TotalVotes,
				"upvotes", m.TotalUpvotes,
				"conflicts", m.Conflicts,
				"errors", m.ErrorCount,
			)
		}
	}
}

// SimulationMetrics holds the metrics of the simulation
type SimulationMetrics struct {
	TotalUsers        int
	ActiveUsers       int
	TotalPosts        int
	TotalReplies      int
	TotalVotes        int
	TotalUpvotes      int
	Conflicts         int
	AverageLatency    time.Duration
	ErrorCount        int
	RequestsPerSecond float64
}

// GetMetrics returns the current simulation metrics
func (s *Simulator) GetMetrics() SimulationMetrics {
	s.mu.RLock()
	totalUsers := len(s.users)
	s.mu.RUnlock()

	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()
	elapsed := time.Since(s.stats.StartTime)

	return SimulationMetrics{
		TotalUsers:        totalUsers,
		ActiveUsers:       s.stats.ActiveUsers,
		TotalPosts:        s.stats.TotalPosts,
		TotalReplies:      s.stats.TotalReplies,
		TotalVotes:        s.stats.TotalVotes,
		TotalUpvotes:      s.stats.TotalUpvotes,
		Conflicts:         int(s.stats.Conflicts),
		AverageLatency:    s.stats.AverageLatency,
		ErrorCount:        int(s.stats.FailedRequests),
		RequestsPerSecond: float64(s.stats.TotalRequests) / elapsed.Seconds(),
	}
}
