package service

import (
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
)

func newTestCourseService(t *testing.T, e *peerEnv, dispatcher ExecutionDispatcher, cache *redis.Client) CourseService {
	t.Helper()
	return NewCourseService(e.store, e.files, e.permissions, dispatcher, cache, time.Minute, e.validate, zerolog.Nop())
}

func TestCreateCourseEnrolsTeacher(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	svc := newTestCourseService(t, e, &recordingDispatcher{}, nil)

	_, err := svc.CreateCourse(e.ctx, e.alice, dto.CourseCreateRequest{Code: "F30", Name: "Compilers"})
	require.ErrorIs(t, err, ErrForbidden)

	course, err := svc.CreateCourse(e.ctx, e.teacher, dto.CourseCreateRequest{Code: "f30", Name: "<b>Compilers</b>"})
	require.NoError(t, err)
	require.Equal(t, "F30", course.Code)
	require.Equal(t, "Compilers", course.Name)

	enrolled, err := e.store.Courses.IsEnrolled(e.ctx, e.teacher.ID, "F30")
	require.NoError(t, err)
	require.True(t, enrolled)

	_, err = svc.CreateCourse(e.ctx, e.teacher, dto.CourseCreateRequest{Code: "F30", Name: "Again"})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestEnrolResolvesUsernames(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	svc := newTestCourseService(t, e, &recordingDispatcher{}, nil)
	_, err := svc.CreateCourse(e.ctx, e.teacher, dto.CourseCreateRequest{Code: "F30", Name: "Compilers"})
	require.NoError(t, err)

	_, err = svc.Enrol(e.ctx, e.teacher, "F30", dto.EnrolRequest{Usernames: []string{"alice", "nobody"}})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Contains(t, err.Error(), "nobody")

	enrolled, err := e.store.Courses.IsEnrolled(e.ctx, e.alice.ID, "F30")
	require.NoError(t, err)
	require.False(t, enrolled, "a failed enrolment changes nothing")

	users, err := svc.Enrol(e.ctx, e.teacher, "F30", dto.EnrolRequest{Usernames: []string{"bob", " alice "}})
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "bob", users[0].Username)

	courses, err := svc.ListCourses(e.ctx, e.alice)
	require.NoError(t, err)
	require.Equal(t, []dto.CourseResponse{{Code: "F29", Name: "Software Engineering"}, {Code: "F30", Name: "Compilers"}}, courses)

	_, err = svc.Enrol(e.ctx, e.alice, "F30", dto.EnrolRequest{Usernames: []string{"carol"}})
	require.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Enrol(e.ctx, e.teacher, "NOPE", dto.EnrolRequest{Usernames: []string{"carol"}})
	require.ErrorIs(t, err, ErrCourseNotFound)
}

func TestCreateCourseworkCreatesSingletons(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	svc := newTestCourseService(t, e, &recordingDispatcher{}, nil)

	coursework, err := svc.CreateCoursework(e.ctx, e.teacher, "F29", dto.CourseworkCreateRequest{
		Name:            "Sorting",
		Runtime:         "python3",
		SolutionPattern: "*.py",
		TestPattern:     "test_*.py",
	}, map[models.SubmissionType][]UploadedFile{
		models.SubmissionSignatureTest: {{Name: "test_sort.py", Content: strings.NewReader("import sort")}},
	})
	require.NoError(t, err)
	require.Equal(t, models.CourseworkInvisible, coursework.State)
	require.Equal(t, models.RuntimePython3, coursework.Runtime)

	for submissionType, name := range singletonNames {
		singleton, err := e.store.Submissions.FindSingleton(e.ctx, coursework.ID, submissionType)
		require.NoError(t, err, submissionType)
		require.Equal(t, name, singleton.DisplayName)
		require.Equal(t, e.teacher.ID, singleton.CreatorID)
		require.Equal(t, 1, singleton.LatestVersion)
	}

	signature, err := e.store.Submissions.FindSingleton(e.ctx, coursework.ID, models.SubmissionSignatureTest)
	require.NoError(t, err)
	names, err := e.files.Files(fileKey("F29", signature), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"test_sort.py"}, names)
}

func TestCreateCourseworkValidation(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	svc := newTestCourseService(t, e, &recordingDispatcher{}, nil)

	_, err := svc.CreateCoursework(e.ctx, e.alice, "F29", dto.CourseworkCreateRequest{Name: "Sorting"}, nil)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CreateCoursework(e.ctx, e.teacher, "F29", dto.CourseworkCreateRequest{Name: "Sorting", Runtime: "cobol"}, nil)
	require.Error(t, err)

	_, err = svc.CreateCoursework(e.ctx, e.teacher, "F29", dto.CourseworkCreateRequest{Name: "Sorting", TestPattern: "[test"}, nil)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	_, err = svc.CreateCoursework(e.ctx, e.teacher, "F29", dto.CourseworkCreateRequest{Name: "Sorting"}, map[models.SubmissionType][]UploadedFile{
		models.SubmissionSolution: {{Name: "sort.py", Content: strings.NewReader("x")}},
	})
	require.ErrorAs(t, err, &validationErr)
}

func TestGetCourseworkHidesInvisibleFromStudents(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkInvisible)
	svc := newTestCourseService(t, e, &recordingDispatcher{}, nil)

	_, err := svc.GetCoursework(e.ctx, e.alice, e.coursework.ID)
	require.ErrorIs(t, err, ErrCourseworkNotFound)

	coursework, err := svc.GetCoursework(e.ctx, e.teacher, e.coursework.ID)
	require.NoError(t, err)
	require.Equal(t, e.coursework.ID, coursework.ID)

	state := "feedback"
	updated, err := svc.UpdateCoursework(e.ctx, e.teacher, e.coursework.ID, dto.CourseworkUpdateRequest{State: &state})
	require.NoError(t, err)
	require.Equal(t, models.CourseworkFeedback, updated.State)

	_, err = svc.GetCoursework(e.ctx, e.alice, e.coursework.ID)
	require.NoError(t, err)

	_, err = svc.UpdateCoursework(e.ctx, e.alice, e.coursework.ID, dto.CourseworkUpdateRequest{State: &state})
	require.ErrorIs(t, err, ErrForbidden)
}

func TestListCourseworksUsesCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e := newPeerEnv(t, models.CourseworkUpload)
	svc := newTestCourseService(t, e, &recordingDispatcher{}, redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	list, hit, err := svc.ListCourseworks(e.ctx, e.alice)
	require.NoError(t, err)
	require.False(t, hit)
	require.Len(t, list, 1)
	require.Equal(t, "Linked Lists", list[0].Name)

	list, hit, err = svc.ListCourseworks(e.ctx, e.alice)
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, list, 1)

	state := "invisible"
	_, err = svc.UpdateCoursework(e.ctx, e.teacher, e.coursework.ID, dto.CourseworkUpdateRequest{State: &state})
	require.NoError(t, err)

	list, hit, err = svc.ListCourseworks(e.ctx, e.alice)
	require.NoError(t, err)
	require.False(t, hit, "updates invalidate cached lists")
	require.Empty(t, list)

	list, _, err = svc.ListCourseworks(e.ctx, e.teacher)
	require.NoError(t, err)
	require.Len(t, list, 1, "teachers still see invisible courseworks")
}

func TestRequeuePendingDispatchesUnresolvedMatches(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	first := selfMatch(t, e, map[string]string{"lists.py": "1"}, map[string]string{"test_a.py": "t"})
	second := selfMatch(t, e, map[string]string{"lists.py": "2"}, map[string]string{"test_b.py": "t"})
	done := selfMatch(t, e, map[string]string{"lists.py": "3"}, map[string]string{"test_c.py": "t"})
	e.resolve(done, 0)

	dispatcher := &recordingDispatcher{}
	svc := newTestCourseService(t, e, dispatcher, nil)

	_, err := svc.RequeuePending(e.ctx, e.bob, e.coursework.ID)
	require.ErrorIs(t, err, ErrForbidden)

	result, err := svc.RequeuePending(e.ctx, e.teacher, e.coursework.ID)
	require.NoError(t, err)
	require.Equal(t, dto.RequeueResponse{Queued: 2}, result)
	require.ElementsMatch(t, []string{first.ID, second.ID}, dispatcher.ids())

	full := &recordingDispatcher{err: ErrQueueFull}
	result, err = newTestCourseService(t, e, full, nil).RequeuePending(e.ctx, e.teacher, e.coursework.ID)
	require.NoError(t, err)
	require.Equal(t, dto.RequeueResponse{Skipped: 2}, result)
}

func TestSingletonsHideOracleFromStudents(t *testing.T) {
	e := newPeerEnv(t, models.CourseworkUpload)
	svc := newTestCourseService(t, e, &recordingDispatcher{}, nil)

	student, err := svc.Singletons(e.ctx, e.alice, e.coursework.ID)
	require.NoError(t, err)
	require.Len(t, student, 2)
	require.Equal(t, e.descriptor.ID, student[0].ID)
	require.Equal(t, []string{"spec.md"}, student[0].Files)
	require.Equal(t, e.signature.ID, student[1].ID)

	teacher, err := svc.Singletons(e.ctx, e.teacher, e.coursework.ID)
	require.NoError(t, err)
	require.Len(t, teacher, 3)
	require.Equal(t, e.oracle.ID, teacher[1].ID)
}
