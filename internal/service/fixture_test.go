package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/peergramming/peer-testing/internal/database"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
	"github.com/peergramming/peer-testing/internal/runner"
	"github.com/peergramming/peer-testing/pkg/filestore"
)

// peerEnv is a course with one coursework, a teacher and three enrolled students.
type peerEnv struct {
	t           *testing.T
	ctx         context.Context
	store       *repository.Store
	files       *filestore.Store
	permissions PermissionService
	matches     TestMatchService
	validate    *validator.Validate

	teacher models.User
	alice   models.User
	bob     models.User
	carol   models.User

	coursework models.Coursework
	descriptor models.Submission
	oracle     models.Submission
	signature  models.Submission
}

func openTestStore(t *testing.T) *repository.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return repository.NewStore(db)
}

func newPeerEnv(t *testing.T, state models.CourseworkState) *peerEnv {
	t.Helper()

	store := openTestStore(t)
	files, err := filestore.New(t.TempDir(), nil, zerolog.Nop())
	require.NoError(t, err)

	permissions := NewPermissionService(store)
	e := &peerEnv{
		t:           t,
		ctx:         context.Background(),
		store:       store,
		files:       files,
		permissions: permissions,
		matches:     NewTestMatchService(store, permissions, zerolog.Nop()),
		validate:    validator.New(),
		teacher:     models.User{Username: "lecturer", Role: models.RoleTeacher},
		alice:       models.User{Username: "alice", Role: models.RoleStudent},
		bob:         models.User{Username: "bob", Role: models.RoleStudent},
		carol:       models.User{Username: "carol", Role: models.RoleStudent},
	}

	for _, user := range []*models.User{&e.teacher, &e.alice, &e.bob, &e.carol} {
		require.NoError(t, store.Users.Create(e.ctx, user))
	}
	require.NoError(t, store.Courses.Create(e.ctx, &models.Course{Code: "F29", Name: "Software Engineering"}))
	for _, user := range []models.User{e.teacher, e.alice, e.bob, e.carol} {
		require.NoError(t, store.Courses.Enrol(e.ctx, user.ID, "F29"))
	}

	e.coursework = models.Coursework{CourseCode: "F29", Name: "Linked Lists", State: state, Runtime: models.RuntimePython3}
	require.NoError(t, store.Courseworks.Create(e.ctx, &e.coursework))
	e.coursework.Course = models.Course{Code: "F29", Name: "Software Engineering"}

	e.descriptor = e.submit(e.teacher, models.SubmissionDescriptor, map[string]string{"spec.md": "# Lists"})
	e.oracle = e.submit(e.teacher, models.SubmissionOracleExecutable, map[string]string{"lists.py": "def head(x): return x[0]"})
	e.signature = e.submit(e.teacher, models.SubmissionSignatureTest, map[string]string{"test_signature.py": "import lists"})
	return e
}

// submit stores a submission with version 1 files.
func (e *peerEnv) submit(owner models.User, submissionType models.SubmissionType, content map[string]string) models.Submission {
	e.t.Helper()
	submission := models.Submission{
		CourseworkID: e.coursework.ID,
		CreatorID:    owner.ID,
		Type:         submissionType,
		DisplayName:  string(submissionType),
	}
	require.NoError(e.t, e.store.Submissions.Create(e.ctx, &submission))
	for name, body := range content {
		require.NoError(e.t, e.files.SaveContent(e.ctx, fileKey(e.coursework.CourseCode, submission), 1, name, body))
	}
	stored, err := e.store.Submissions.GetByID(e.ctx, submission.ID)
	require.NoError(e.t, err)
	return stored
}

// group creates a feedback group with members nicknamed in order.
func (e *peerEnv) group(members ...models.User) models.FeedbackGroup {
	e.t.Helper()
	group := models.FeedbackGroup{CourseworkID: e.coursework.ID, Name: "Group"}
	for i, member := range members {
		group.Members = append(group.Members, models.FeedbackMembership{UserID: member.ID, Nickname: fmt.Sprintf("%s%d", NicknamePrefix, i+1)})
	}
	require.NoError(e.t, e.store.Feedback.CreateGroup(e.ctx, &group))
	loaded, err := e.store.Feedback.GetGroup(e.ctx, group.ID)
	require.NoError(e.t, err)
	return loaded
}

func (e *peerEnv) setState(state models.CourseworkState) {
	e.t.Helper()
	e.coursework.State = state
	require.NoError(e.t, e.store.Courseworks.Update(e.ctx, &e.coursework))
}

func (e *peerEnv) reloadMatch(id string) models.TestMatch {
	e.t.Helper()
	match, err := e.store.TestMatches.GetByID(e.ctx, id)
	require.NoError(e.t, err)
	return match
}

func (e *peerEnv) resolve(match models.TestMatch, level int) {
	e.t.Helper()
	require.NoError(e.t, e.store.TestMatches.SetErrorLevel(e.ctx, match.ID, level, nil))
}

type executorFunc func(ctx context.Context, req runner.Request) (runner.Outcome, error)

func (f executorFunc) Execute(ctx context.Context, req runner.Request) (runner.Outcome, error) {
	return f(ctx, req)
}

type fixedRegistry struct {
	executor runner.Executor
	err      error
}

func (r fixedRegistry) For(models.Runtime) (runner.Executor, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.executor, nil
}

type recordingListener struct {
	mu       sync.Mutex
	resolved []models.TestMatch
	notify   chan models.TestMatch
}

func newRecordingListener() *recordingListener {
	return &recordingListener{notify: make(chan models.TestMatch, 16)}
}

func (l *recordingListener) TestMatchResolved(_ context.Context, match models.TestMatch) {
	l.mu.Lock()
	l.resolved = append(l.resolved, match)
	l.mu.Unlock()
	l.notify <- match
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.resolved)
}

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	err        error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, match models.TestMatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.dispatched = append(d.dispatched, match.ID)
	return nil
}

func (d *recordingDispatcher) Run(context.Context, string) (models.TestMatch, error) {
	return models.TestMatch{}, nil
}

func (d *recordingDispatcher) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (d *recordingDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dispatched...)
}
