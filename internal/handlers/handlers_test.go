package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"anon-forum/internal/api"
	"anon-forum/internal/feed"
	"anon-forum/internal/identity"
	"anon-forum/internal/media"
	"anon-forum/internal/middleware"
	"anon-forum/internal/models"
	"anon-forum/internal/posts"
	"anon-forum/internal/store/memstore"
	"anon-forum/internal/threads"
	"anon-forum/internal/utils"
	"anon-forum/internal/voting"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	provider *identity.Provider
}

func newTestServer(t *testing.T, limit int) *testServer {
	t.Helper()
	st := memstore.New()
	metrics := utils.NewMetricsCollector()
	provider, err := identity.NewProvider([]byte("handler-secret"), time.Hour)
	require.NoError(t, err)
	fm := feed.NewManager(st, nil, metrics)
	dir := t.TempDir()
	uploader, err := media.NewLocal(dir, "/media", nil)
	require.NoError(t, err)

	srv := NewServer(&Server{
		Posts:    posts.NewService(st, posts.Options{Metrics: metrics}),
		Feed:     fm,
		Voting:   voting.NewEngine(st, voting.Options{Metrics: metrics}),
		Threads:  threads.New(st, fm, threads.Options{Policy: threads.PolicyNone, Metrics: metrics}),
		Identity: provider,
		Media:    uploader,
		Metrics:  metrics,
		Limiter:  middleware.NewRateLimiter(limit, time.Minute),
		MediaDir: dir,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, provider: provider}
}

func (ts *testServer) signIn(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/auth/anonymous", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login api.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.True(t, login.Success)
	require.NotEmpty(t, login.UserID)
	return login.Token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestPostLifecycle(t *testing.T) {
	ts := newTestServer(t, 100)
	author := ts.signIn(t)
	other := ts.signIn(t)

	var post models.Post
	status := ts.do(t, http.MethodPost, "/posts", author, CreatePostRequest{Text: "where is room 204?"}, &post)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, post.AuthorAlias)

	var got models.Post
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/posts/"+post.ID, "", nil, &got))
	assert.Equal(t, post.Text, got.Text)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/posts/"+post.ID+"/upvote", other, nil, nil))
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/posts/"+post.ID+"/upvote", other, nil, nil))

	var reply api.IDResponse
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/posts/"+post.ID+"/replies", other, CreateReplyRequest{Text: "second floor"}, &reply))
	assert.NotEmpty(t, reply.ID)

	var replies api.RepliesResponse
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/posts/"+post.ID+"/replies", "", nil, &replies))
	require.Len(t, replies.Replies, 1)
	assert.Equal(t, "second floor", replies.Replies[0].Text)

	ts.do(t, http.MethodGet, "/posts/"+post.ID, "", nil, &got)
	assert.Equal(t, 2, got.Upvotes)
	assert.Equal(t, 1, got.ReplyCount)

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, "/posts/"+post.ID, other, nil, &errResp))
	assert.Equal(t, utils.ErrForbidden, errResp.Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/posts/"+post.ID, author, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/posts/"+post.ID, "", nil, &errResp))
}

func TestPollVoting(t *testing.T) {
	ts := newTestServer(t, 100)
	author := ts.signIn(t)
	voter := ts.signIn(t)

	var post models.Post
	req := CreatePostRequest{Text: "lunch?", Poll: &PollRequest{Options: []string{"pizza", "salad"}}}
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/posts", author, req, &post))

	var voted models.Post
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/posts/"+post.ID+"/vote", voter, VoteRequest{Option: "salad"}, &voted))
	assert.Equal(t, 1, voted.Poll.TotalVotes)
	assert.Equal(t, 1, voted.Poll.Options[1].Votes)

	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/posts/"+post.ID+"/vote", voter, VoteRequest{Option: "pizza"}, &errResp))
	assert.Equal(t, utils.ErrAlreadyVoted, errResp.Code)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/posts/"+post.ID+"/vote", author, VoteRequest{Option: "soup"}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/posts/"+post.ID+"/vote", author, VoteRequest{}, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/posts/missing/vote", author, VoteRequest{Option: "pizza"}, nil))
}

func TestFeedSortingAndAuthorFilter(t *testing.T) {
	ts := newTestServer(t, 100)
	alice := ts.signIn(t)
	bob := ts.signIn(t)

	ids := make([]string, 0, 3)
	for _, c := range []struct{ token, text string }{{alice, "a1"}, {bob, "b1"}, {alice, "a2"}} {
		var p models.Post
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/posts", c.token, CreatePostRequest{Text: c.text}, &p))
		ids = append(ids, p.ID)
	}
	ts.do(t, http.MethodPost, "/posts/"+ids[1]+"/upvote", alice, nil, nil)

	texts := func(resp api.FeedResponse) []string {
		out := make([]string, 0, len(resp.Posts))
		for _, p := range resp.Posts {
			out = append(out, p.Text)
		}
		return out
	}

	var resp api.FeedResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/posts", "", nil, &resp))
	assert.Equal(t, []string{"a2", "b1", "a1"}, texts(resp))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/posts?sort=upvotes&dir=desc", "", nil, &resp))
	assert.Equal(t, "b1", resp.Posts[0].Text)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/posts?author=me&dir=asc", alice, nil, &resp))
	assert.Equal(t, []string{"a1", "a2"}, texts(resp))

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/posts?author=me", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/posts?sort=hot", "", nil, nil))
}

func TestRequestValidation(t *testing.T) {
	ts := newTestServer(t, 100)
	token := ts.signIn(t)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/posts", "", CreatePostRequest{Text: "hi"}, nil))

	var errResp api.ErrorResponse
	bad := CreatePostRequest{Poll: &PollRequest{Options: []string{"only"}}}
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/posts", token, bad, &errResp))
	assert.Contains(t, errResp.Message, "options")

	bad = CreatePostRequest{Media: &MediaRequest{URL: "https://cdn.example/a.gif", Kind: "gif"}}
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/posts", token, bad, nil))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/posts", token, map[string]any{"title": "x"}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/posts/whatever/replies", token, CreateReplyRequest{}, nil))
}

func TestSignOutRevokesToken(t *testing.T) {
	ts := newTestServer(t, 100)
	token := ts.signIn(t)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/auth/signout", token, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/posts", token, CreatePostRequest{Text: "hi"}, nil))
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/auth/signout", token, nil, nil))
}

func TestWritesAreRateLimited(t *testing.T) {
	ts := newTestServer(t, 3)
	token, _, err := ts.provider.SignInAnonymously(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/posts", token, CreatePostRequest{Text: "spam"}, nil))
	}
	var errResp api.ErrorResponse
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/posts", token, CreatePostRequest{Text: "spam"}, &errResp))
	assert.Equal(t, utils.ErrTooManyRequests, errResp.Code)
}

func TestMediaUploadAndServe(t *testing.T) {
	ts := newTestServer(t, 100)
	token := ts.signIn(t)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 8, 8))))
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "pixel.png")
	require.NoError(t, err)
	_, err = fw.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/media", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var uploaded api.MediaResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
	assert.Equal(t, models.MediaImage, uploaded.Kind)
	require.True(t, strings.HasPrefix(uploaded.URL, "/media/"))

	served, err := http.Get(ts.URL + uploaded.URL)
	require.NoError(t, err)
	defer served.Body.Close()
	assert.Equal(t, http.StatusOK, served.StatusCode)

	var post models.Post
	create := CreatePostRequest{Media: &MediaRequest{URL: uploaded.URL, Kind: string(uploaded.Kind)}}
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/posts", token, create, &post))
	assert.Equal(t, uploaded.URL, post.Media.URL)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, 100)

	var health HealthResponse
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "", nil, &health))
	assert.Equal(t, "healthy", health.Status)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestTimeoutBoundsStoreCalls(t *testing.T) {
	st := memstore.New()
	srv := NewServer(&Server{
		Posts:          posts.NewService(st, posts.Options{}),
		Feed:           feed.NewManager(st, nil, nil),
		RequestTimeout: time.Nanosecond,
	})
	h := srv.Routes()

	for _, path := range []string{"/posts/abc", "/posts"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)

		var body api.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, utils.ErrUnavailable, body.Code)
	}
}
