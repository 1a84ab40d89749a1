package handler_test

import (
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
)

func TestTestMatchHandlerDetailModes(t *testing.T) {
	gate := make(chan struct{})
	e := newAPIEnv(t, gate)

	resp := e.upload(e.alice, "solution", map[string]string{"lists.py": "def head(x): return x[0]"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var uploaded dto.UploadResponse
	decode(t, resp, &uploaded)
	target := "/api/v1/test-matches/" + uploaded.SelfTestID

	resp = e.do(e.alice, http.MethodGet, target, nil, "")
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	var pending dto.TestMatchResponse
	decode(t, resp, &pending)
	require.Equal(t, dto.OutcomePending, pending.Outcome)
	require.False(t, pending.Resolved)

	resp = e.do(e.carol, http.MethodGet, target, nil, "")
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = e.do(e.teacher, http.MethodGet, target, nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "write", resp.Header.Get("X-Feedback-Mode"))

	close(gate)
	e.waitResolved(uploaded.SelfTestID)

	resp = e.do(e.alice, http.MethodGet, target, nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "read", resp.Header.Get("X-Feedback-Mode"))
	var resolved dto.TestMatchResponse
	decode(t, resp, &resolved)
	require.True(t, resolved.Resolved)
	require.Equal(t, dto.OutcomePassed, resolved.Outcome)
	require.Equal(t, string(models.TestMatchSelf), resolved.Mode)
	require.NotNil(t, resolved.Result)

	resp = e.do(e.alice, http.MethodGet, "/api/v1/test-matches/zzzzzzzz", nil, "")
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestTestMatchHandlerCreatePeer(t *testing.T) {
	e := newAPIEnv(t, nil)

	resp := e.upload(e.alice, "solution", map[string]string{"lists.py": "def head(x): return x[0]"})
	var solution dto.UploadResponse
	decode(t, resp, &solution)
	e.waitResolved(solution.SelfTestID)

	resp = e.upload(e.bob, "test_case", map[string]string{"test_head.py": "import lists"})
	var test dto.UploadResponse
	decode(t, resp, &test)

	request := dto.TestMatchCreateRequest{
		Mode:       string(models.TestMatchPeer),
		SolutionID: solution.Submission.ID,
		TestID:     test.Submission.ID,
	}
	target := "/api/v1/courseworks/" + e.coursework.ID + "/test-matches"

	resp = e.doJSON(e.bob, http.MethodPost, target, request)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "group is required for peer tests")

	e.setState(models.CourseworkFeedback)
	group, err := e.groups.Create(e.ctx, e.teacher, e.coursework.ID, dto.FeedbackGroupRequest{Usernames: []string{"alice", "bob"}})
	require.NoError(t, err)
	request.GroupID = group.ID

	resp = e.doJSON(e.carol, http.MethodPost, target, request)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = e.doJSON(e.bob, http.MethodPost, target, dto.TestMatchCreateRequest{Mode: "bogus", SolutionID: request.SolutionID, TestID: request.TestID})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = e.doJSON(e.bob, http.MethodPost, target, request)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var created dto.TestMatchStatus
	payload := decode(t, resp, &created)
	require.Equal(t, "test match queued", payload.Message)
	require.Equal(t, string(models.TestMatchPeer), created.Type)

	e.waitResolved(created.ID)

	resp = e.do(e.bob, http.MethodGet, "/api/v1/test-matches/"+created.ID, nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "write", resp.Header.Get("X-Feedback-Mode"))

	resp = e.do(e.carol, http.MethodGet, "/api/v1/test-matches/"+created.ID, nil, "")
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestTestMatchHandlerDefersWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	e := newAPIEnvWith(t, envOptions{gate: gate, workers: 1, queueSize: 1})

	resp := e.upload(e.alice, "test_case", map[string]string{"test_head.py": "import lists"})
	var test dto.UploadResponse
	decode(t, resp, &test)

	var solution dto.UploadResponse
	for _, user := range []models.User{e.bob, e.carol, e.alice} {
		resp = e.upload(user, "solution", map[string]string{"lists.py": "def head(x): return x[0]"})
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
		decode(t, resp, &solution)
	}

	resp = e.doJSON(e.alice, http.MethodPost, "/api/v1/courseworks/"+e.coursework.ID+"/test-matches", dto.TestMatchCreateRequest{
		Mode:       string(models.TestMatchSelf),
		SolutionID: solution.Submission.ID,
		TestID:     test.Submission.ID,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var created dto.TestMatchStatus
	payload := decode(t, resp, &created)
	require.Equal(t, "test match created, execution deferred until the queue drains", payload.Message)
	require.False(t, created.Resolved)

	match, err := e.store.TestMatches.GetByID(e.ctx, created.ID)
	require.NoError(t, err)
	require.False(t, match.HasBeenRun())
}

func TestTestMatchHandlerWatch(t *testing.T) {
	gate := make(chan struct{})
	e := newAPIEnv(t, gate)

	resp := e.upload(e.alice, "solution", map[string]string{"lists.py": "def head(x): return x[0]"})
	var uploaded dto.UploadResponse
	decode(t, resp, &uploaded)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = e.app.Listener(ln) }()
	t.Cleanup(func() { _ = e.app.Shutdown() })

	url := "ws://" + ln.Addr().String() + "/api/v1/test-matches/" + uploaded.SelfTestID + "/watch"
	as := func(user models.User) http.Header {
		return http.Header{testUserHeader: []string{strconv.FormatUint(uint64(user.ID), 10)}}
	}

	_, denied, err := websocket.DefaultDialer.Dial(url, as(e.carol))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, fiber.StatusForbidden, denied.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, as(e.alice))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var status dto.TestMatchStatus
	require.NoError(t, conn.ReadJSON(&status))
	require.Equal(t, uploaded.SelfTestID, status.ID)
	require.False(t, status.Resolved)

	close(gate)

	require.NoError(t, conn.ReadJSON(&status))
	require.True(t, status.Resolved)
	require.Equal(t, dto.OutcomePassed, status.Outcome)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestTestMatchHandlerWatchResolvedMatch(t *testing.T) {
	e := newAPIEnv(t, nil)

	resp := e.upload(e.alice, "solution", map[string]string{"lists.py": "def head(x): return x[0]"})
	var uploaded dto.UploadResponse
	decode(t, resp, &uploaded)
	e.waitResolved(uploaded.SelfTestID)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = e.app.Listener(ln) }()
	t.Cleanup(func() { _ = e.app.Shutdown() })

	header := http.Header{testUserHeader: []string{strconv.FormatUint(uint64(e.alice.ID), 10)}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/v1/test-matches/"+uploaded.SelfTestID+"/watch", header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var status dto.TestMatchStatus
	require.NoError(t, conn.ReadJSON(&status))
	require.True(t, status.Resolved)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestTestMatchHandlerWatchRequiresUpgrade(t *testing.T) {
	e := newAPIEnv(t, nil)

	resp := e.do(e.alice, http.MethodGet, "/api/v1/test-matches/abcdefgh/watch", nil, "")
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
