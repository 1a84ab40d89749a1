package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/peergramming/peer-testing/internal/config"
	"github.com/peergramming/peer-testing/internal/database"
	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/handler"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
	"github.com/peergramming/peer-testing/internal/router"
	"github.com/peergramming/peer-testing/internal/runner"
	"github.com/peergramming/peer-testing/internal/service"
	"github.com/peergramming/peer-testing/pkg/filestore"
)

const testUserHeader = "X-Test-User"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// gatedExecutor passes every test once its gate opens. A nil gate is open.
type gatedExecutor struct {
	gate <-chan struct{}
}

func (e gatedExecutor) Execute(ctx context.Context, _ runner.Request) (runner.Outcome, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return runner.Outcome{}, ctx.Err()
		}
	}
	return runner.Outcome{ExitCode: 0, Output: "1 passed"}, nil
}

type apiEnv struct {
	t   *testing.T
	ctx context.Context
	app *fiber.App

	store         *repository.Store
	courses       service.CourseService
	groups        service.FeedbackGroupService
	notifications service.NotificationService

	teacher, alice, bob, carol models.User
	coursework                 models.Coursework
}

func openTestStore(t *testing.T) *repository.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:handler_%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return repository.NewStore(db)
}

type envOptions struct {
	gate      <-chan struct{}
	workers   int
	queueSize int
}

// newAPIEnv wires the full HTTP stack over sqlite with running execution
// workers. Requests authenticate through the X-Test-User header.
func newAPIEnv(t *testing.T, gate <-chan struct{}) *apiEnv {
	t.Helper()
	return newAPIEnvWith(t, envOptions{gate: gate, workers: 2, queueSize: 16})
}

func newAPIEnvWith(t *testing.T, opts envOptions) *apiEnv {
	t.Helper()

	store := openTestStore(t)
	files, err := filestore.New(t.TempDir(), nil, zerolog.Nop())
	require.NoError(t, err)

	validate := validator.New(validator.WithRequiredStructEnabled())
	log := zerolog.New(io.Discard)

	permissions := service.NewPermissionService(store)
	matches := service.NewTestMatchService(store, permissions, log)
	notifications := service.NewNotificationService(store, nil, "", nil, validate, log)
	dispatcher := service.NewExecutionDispatcher(store, files, runner.Registry{
		models.RuntimePython3: gatedExecutor{gate: opts.gate},
	}, notifications, service.DispatcherConfig{
		Workers:       opts.workers,
		QueueSize:     opts.queueSize,
		Timeout:       10 * time.Second,
		WorkspaceRoot: t.TempDir(),
	}, log)
	groups := service.NewFeedbackGroupService(store, permissions, validate, log)
	access := service.NewFeedbackAccessService(store, permissions)
	courses := service.NewCourseService(store, files, permissions, dispatcher, nil, time.Minute, validate, log)
	submissions := service.NewSubmissionService(store, files, permissions, matches, dispatcher, log)
	views := service.NewTestMatchViewService(matches, access, groups, files)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "peer-testing", AppEnv: "test", ExecutionBackend: config.BackendProcess}, router.Dependencies{
		CourseHandler:        handler.NewCourseHandler(courses, log),
		SubmissionHandler:    handler.NewSubmissionHandler(submissions, validate, log),
		TestMatchHandler:     handler.NewTestMatchHandler(matches, dispatcher, views, notifications, validate, log),
		FeedbackGroupHandler: handler.NewFeedbackGroupHandler(groups, log),
		NotificationHandler:  handler.NewNotificationHandler(notifications, log, time.Second),
		JWTMiddleware: func(c *fiber.Ctx) error {
			if id, err := strconv.ParseUint(c.Get(testUserHeader), 10, 64); err == nil {
				c.Locals("user_id", uint(id))
			}
			return c.Next()
		},
		Users: store.Users,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = dispatcher.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	e := &apiEnv{
		t:             t,
		ctx:           context.Background(),
		app:           app,
		store:         store,
		courses:       courses,
		groups:        groups,
		notifications: notifications,
		teacher:       models.User{Username: "lecturer", Role: models.RoleTeacher},
		alice:         models.User{Username: "alice", Role: models.RoleStudent},
		bob:           models.User{Username: "bob", Role: models.RoleStudent},
		carol:         models.User{Username: "carol", Role: models.RoleStudent},
	}
	for _, user := range []*models.User{&e.teacher, &e.alice, &e.bob, &e.carol} {
		require.NoError(t, store.Users.Create(e.ctx, user))
	}

	_, err = courses.CreateCourse(e.ctx, e.teacher, dto.CourseCreateRequest{Code: "F29", Name: "Software Engineering"})
	require.NoError(t, err)
	_, err = courses.Enrol(e.ctx, e.teacher, "F29", dto.EnrolRequest{Usernames: []string{"alice", "bob", "carol"}})
	require.NoError(t, err)

	e.coursework, err = courses.CreateCoursework(e.ctx, e.teacher, "F29", dto.CourseworkCreateRequest{
		Name:            "Linked Lists",
		State:           string(models.CourseworkUpload),
		Runtime:         string(models.RuntimePython3),
		SolutionPattern: "*.py",
		TestPattern:     "test_*.py",
	}, map[models.SubmissionType][]service.UploadedFile{
		models.SubmissionDescriptor:       {{Name: "spec.md", Content: strings.NewReader("# Lists")}},
		models.SubmissionOracleExecutable: {{Name: "lists.py", Content: strings.NewReader("def head(x): return x[0]")}},
		models.SubmissionSignatureTest:    {{Name: "test_signature.py", Content: strings.NewReader("import lists")}},
	})
	require.NoError(t, err)
	return e
}

func (e *apiEnv) do(user models.User, method, target string, body io.Reader, contentType string) *http.Response {
	e.t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set(fiber.HeaderContentType, contentType)
	}
	if user.ID != 0 {
		req.Header.Set(testUserHeader, strconv.FormatUint(uint64(user.ID), 10))
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(e.t, err)
	return resp
}

func (e *apiEnv) doJSON(user models.User, method, target string, payload interface{}) *http.Response {
	e.t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(e.t, err)
		body = bytes.NewReader(raw)
	}
	return e.do(user, method, target, body, fiber.MIMEApplicationJSON)
}

// upload posts files as a multipart submission upload.
func (e *apiEnv) upload(user models.User, submissionType string, files map[string]string) *http.Response {
	e.t.Helper()
	body, contentType := multipartBody(e.t, map[string]string{"type": submissionType}, files)
	return e.do(user, http.MethodPost, "/api/v1/courseworks/"+e.coursework.ID+"/submissions", body, contentType)
}

// waitResolved blocks until the execution workers have stored an outcome.
func (e *apiEnv) waitResolved(matchID string) models.TestMatch {
	e.t.Helper()
	var match models.TestMatch
	require.Eventually(e.t, func() bool {
		loaded, err := e.store.TestMatches.GetByID(e.ctx, matchID)
		if err != nil {
			return false
		}
		match = loaded
		return loaded.HasBeenRun()
	}, 5*time.Second, 10*time.Millisecond)
	return match
}

func (e *apiEnv) setState(state models.CourseworkState) {
	e.t.Helper()
	value := string(state)
	_, err := e.courses.UpdateCoursework(e.ctx, e.teacher, e.coursework.ID, dto.CourseworkUpdateRequest{State: &value})
	require.NoError(e.t, err)
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (io.Reader, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func decode(t *testing.T, resp *http.Response, out interface{}) envelope {
	t.Helper()
	defer resp.Body.Close()

	var payload envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	if out != nil && len(payload.Data) > 0 {
		require.NoError(t, json.Unmarshal(payload.Data, out))
	}
	return payload
}
