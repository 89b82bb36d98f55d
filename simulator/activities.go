package simulator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"anon-forum/internal/api"
	"anon-forum/internal/models"
)

var pollChoices = [][]string{
	{"Yes", "No"},
	{"Tabs", "Spaces"},
	{"Morning", "Afternoon", "Evening"},
	{"Never", "Sometimes", "Often", "Always"},
}

type createPostRequest struct {
	Text string       `json:"text"`
	Poll *pollRequest `json:"poll,omitempty"`
}

type pollRequest struct {
	Options []string `json:"options"`
}

type textRequest struct {
	Text string `json:"text"`
}

type voteRequest struct {
	Option string `json:"option"`
}

// SimulateActivities runs one worker per user until ctx ends or the
// configured simulation time elapses.
func (s *Simulator) SimulateActivities(ctx context.Context) {
	if s.config.SimulationTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SimulationTime)
		defer cancel()
	}

	s.mu.RLock()
	users := append([]*SimulatedUser(nil), s.users...)
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(u *SimulatedUser) {
			defer wg.Done()
			s.runUserActivity(ctx, u)
		}(user)
	}
	wg.Wait()
}

// probability turns an hourly frequency into a per-tick chance.
func (s *Simulator) probability(perHour float64) float64 {
	return perHour / 3600 * s.config.TickInterval.Seconds()
}

func (s *Simulator) runUserActivity(ctx context.Context, user *SimulatedUser) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			connected := user.IsConnected
			token := user.Token
			s.mu.RUnlock()
			if !connected {
				continue
			}

			if s.chance(s.probability(s.config.PostFrequency)) {
				s.simulatePost(ctx, user, token)
			}
			if s.chance(s.probability(s.config.ReplyFrequency)) {
				s.simulateReply(ctx, user, token)
			}
			if s.chance(s.probability(s.config.VoteFrequency)) {
				s.simulateVote(ctx, user, token)
			}
		}
	}
}

func (s *Simulator) simulatePost(ctx context.Context, user *SimulatedUser, token string) {
	req := createPostRequest{Text: fmt.Sprintf("Question from %s at %s", user.Name, time.Now().Format(time.TimeOnly))}
	if s.chance(s.config.PollPercentage) {
		choices := pollChoices[s.intn(len(pollChoices))]
		req.Poll = &pollRequest{Options: choices}
	}

	var post models.Post
	if err := s.makeRequest(ctx, http.MethodPost, "/posts", token, req, &post); err != nil {
		s.logError("create post", user, err)
		return
	}

	s.mu.Lock()
	s.postIDs = append(s.postIDs, post.ID)
	if post.Poll != nil {
		options := make([]string, 0, len(post.Poll.Options))
		for _, o := range post.Poll.Options {
			options = append(options, o.Text)
		}
		s.polls[post.ID] = options
	}
	user.Posts = append(user.Posts, post.ID)
	s.mu.Unlock()

	s.stats.mu.Lock()
	s.stats.TotalPosts++
	s.stats.mu.Unlock()
}

func (s *Simulator) simulateReply(ctx context.Context, user *SimulatedUser, token string) {
	postID, ok := s.pickPost()
	if !ok {
		return
	}
	req := textRequest{Text: fmt.Sprintf("Reply from %s", user.Name)}
	var created api.IDResponse
	if err := s.makeRequest(ctx, http.MethodPost, "/posts/"+postID+"/replies", token, req, &created); err != nil {
		s.logError("reply", user, err)
		return
	}
	s.stats.mu.Lock()
	s.stats.TotalReplies++
	s.stats.mu.Unlock()
}

// simulateVote answers a poll the user has not voted in yet, or upvotes.
func (s *Simulator) simulateVote(ctx context.Context, user *SimulatedUser, token string) {
	postID, ok := s.pickPost()
	if !ok {
		return
	}

	s.mu.RLock()
	options, isPoll := s.polls[postID]
	voted := user.VotedPolls[postID]
	s.mu.RUnlock()

	if isPoll && !voted {
		req := voteRequest{Option: options[s.intn(len(options))]}
		err := s.makeRequest(ctx, http.MethodPost, "/posts/"+postID+"/vote", token, req, nil)
		var statusErr *StatusError
		if err != nil && !(errors.As(err, &statusErr) && statusErr.Code == "ALREADY_VOTED") {
			s.logError("vote", user, err)
			return
		}
		s.mu.Lock()
		user.VotedPolls[postID] = true
		s.mu.Unlock()
		if err == nil {
			s.stats.mu.Lock()
			s.stats.TotalVotes++
			s.stats.mu.Unlock()
		}
		return
	}

	if err := s.makeRequest(ctx, http.MethodPost, "/posts/"+postID+"/upvote", token, nil, nil); err != nil {
		s.logError("upvote", user, err)
		return
	}
	s.stats.mu.Lock()
	s.stats.TotalUpvotes++
	s.stats.mu.Unlock()
}

// FetchFeed reads the feed the way a client opening the app would.
func (s *Simulator) FetchFeed(ctx context.Context, sort string) (*api.FeedResponse, error) {
	var feed api.FeedResponse
	if err := s.makeRequest(ctx, http.MethodGet, "/posts?sort="+sort, "", nil, &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

func (s *Simulator) logError(action string, user *SimulatedUser, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	s.logger.Debug("simulated action failed", "action", action, "user", user.Name, "error", err)
}
