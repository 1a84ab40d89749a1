package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/peergramming/peer-testing/internal/dto"
	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
	"github.com/peergramming/peer-testing/pkg/filestore"
)

const (
	solutionDisplayName = "Solution"
	testNamePrefix      = "Test Case #"
)

// UploadInput describes one upload request.
type UploadInput struct {
	CourseworkID string
	Type         models.SubmissionType
	SubmissionID string
	Files        []UploadedFile
}

// FileDownload is an opened submission file.
type FileDownload struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.ReadCloser
}

// SubmissionService handles uploads, re-versioning, deletion and file access.
type SubmissionService interface {
	Upload(ctx context.Context, user models.User, input UploadInput) (dto.UploadResponse, error)
	UpdateContent(ctx context.Context, teacher models.User, submissionID string, files []UploadedFile) (dto.SubmissionResponse, error)
	Delete(ctx context.Context, user models.User, submissionID string) error
	Get(ctx context.Context, user models.User, submissionID string, testCtx *TestContext) (dto.SubmissionResponse, error)
	ListOwn(ctx context.Context, user models.User, courseworkID string) ([]dto.SubmissionResponse, error)
	OpenFile(ctx context.Context, user models.User, submissionID string, version int, name string, testCtx *TestContext) (FileDownload, error)
}

type submissionService struct {
	store       *repository.Store
	files       SubmissionFiles
	permissions PermissionService
	matches     TestMatchService
	dispatcher  ExecutionDispatcher
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewSubmissionService constructs a submission service.
func NewSubmissionService(store *repository.Store, files SubmissionFiles, permissions PermissionService, matches TestMatchService, dispatcher ExecutionDispatcher, logger zerolog.Logger) SubmissionService {
	return &submissionService{
		store:       store,
		files:       files,
		permissions: permissions,
		matches:     matches,
		dispatcher:  dispatcher,
		logger:      logger.With().Str("component", "submission_service").Logger(),
		tracer:      otel.Tracer("github.com/peergramming/peer-testing/internal/service/submission"),
	}
}

// Upload stores a solution or test case. A user has at most one solution per
// coursework, so uploading another re-versions it. Every solution upload is
// self-tested against the coursework's signature test.
func (s *submissionService) Upload(ctx context.Context, user models.User, input UploadInput) (dto.UploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "submissions.upload", trace.WithAttributes(
		attribute.String("submission.type", string(input.Type)),
		attribute.Int("submission.files", len(input.Files)),
	))
	defer span.End()

	if input.Type != models.SubmissionSolution && input.Type != models.SubmissionTestCase {
		return dto.UploadResponse{}, invalid("only solutions and test cases can be uploaded")
	}
	if len(input.Files) == 0 {
		return dto.UploadResponse{}, invalid("at least one file is required")
	}

	coursework, err := s.visibleCoursework(ctx, user, input.CourseworkID)
	if err != nil {
		return dto.UploadResponse{}, err
	}
	if !user.IsTeacher() && !coursework.AcceptsUploads() {
		return dto.UploadResponse{}, invalid("this coursework is not accepting uploads")
	}

	pattern := coursework.SolutionPattern
	if input.Type == models.SubmissionTestCase {
		pattern = coursework.TestPattern
	}
	if name, ok := matchesPattern(pattern, input.Files); !ok {
		return dto.UploadResponse{}, invalid("file %s does not match the required pattern %s", name, pattern)
	}

	var (
		submission models.Submission
		version    int
	)
	write := func(tx *repository.Store) error {
		existing, err := s.uploadTarget(ctx, tx, user, coursework, input)
		if err != nil {
			return err
		}

		if existing == nil {
			submission = models.Submission{
				CourseworkID:  coursework.ID,
				CreatorID:     user.ID,
				Type:          input.Type,
				DisplayName:   solutionDisplayName,
				LatestVersion: 1,
			}
			if input.Type == models.SubmissionTestCase {
				next, err := nextTestNumber(ctx, tx, coursework.ID, user.ID)
				if err != nil {
					return err
				}
				submission.DisplayName = testNamePrefix + strconv.Itoa(next)
			}
			if err := tx.Submissions.Create(ctx, &submission); err != nil {
				return err
			}
			version = 1
		} else {
			submission = *existing
			version, err = tx.Submissions.IncrementVersion(ctx, submission.ID)
			if err != nil {
				return err
			}
			submission.LatestVersion = version
		}

		key := fileKey(coursework.CourseCode, submission)
		if err := saveFiles(ctx, s.files, key, version, input.Files); err != nil {
			if rmErr := s.files.DeleteVersion(ctx, key, version); rmErr != nil {
				s.logger.Warn().Err(rmErr).Str("submission_id", submission.ID).Msg("failed to remove partial upload")
			}
			return err
		}
		return nil
	}
	err = s.store.Transaction(ctx, write)
	if errors.Is(err, repository.ErrDuplicate) && input.Type == models.SubmissionSolution && input.SubmissionID == "" {
		// A concurrent first upload inserted the solution; this one re-versions it.
		err = s.store.Transaction(ctx, write)
	}
	if err != nil {
		span.RecordError(err)
		return dto.UploadResponse{}, err
	}

	s.logger.Info().
		Str("submission_id", submission.ID).
		Str("type", string(submission.Type)).
		Int("version", version).
		Uint("user_id", user.ID).
		Msg("submission uploaded")

	names, err := s.files.Files(fileKey(coursework.CourseCode, submission), version)
	if err != nil {
		return dto.UploadResponse{}, err
	}
	response := dto.UploadResponse{Submission: dto.NewSubmissionResponse(submission, names)}

	if submission.Type == models.SubmissionSolution {
		response.SelfTestID = s.selfTest(ctx, submission)
	}
	return response, nil
}

// uploadTarget returns the submission to re-version, or nil for a new one.
func (s *submissionService) uploadTarget(ctx context.Context, tx *repository.Store, user models.User, coursework models.Coursework, input UploadInput) (*models.Submission, error) {
	if input.Type == models.SubmissionSolution {
		solutions, err := tx.Submissions.ListByCreator(ctx, coursework.ID, user.ID, models.SubmissionSolution)
		if err != nil {
			return nil, err
		}
		if len(solutions) == 0 {
			if input.SubmissionID != "" {
				return nil, ErrSubmissionNotFound
			}
			return nil, nil
		}
		if input.SubmissionID != "" && input.SubmissionID != solutions[0].ID {
			return nil, invalid("you already have a solution for this coursework")
		}
		return &solutions[0], nil
	}

	if input.SubmissionID == "" {
		return nil, nil
	}
	existing, err := tx.Submissions.GetByID(ctx, input.SubmissionID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && existing.CourseworkID != coursework.ID) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	if existing.CreatorID != user.ID {
		return nil, ErrForbidden
	}
	if existing.Type != input.Type {
		return nil, invalid("submission %s is not a %s", existing.ID, input.Type)
	}
	return &existing, nil
}

// selfTest creates and queues the signature self-test of a solution. The
// upload itself has succeeded either way, so failures are only logged.
func (s *submissionService) selfTest(ctx context.Context, solution models.Submission) string {
	match, err := s.matches.CreateSelfTestForSolution(ctx, solution)
	if errors.Is(err, ErrNoSignatureTest) {
		return ""
	}
	if err != nil {
		s.logger.Error().Err(err).Str("submission_id", solution.ID).Msg("failed to create signature self-test")
		return ""
	}
	if err := s.dispatcher.Dispatch(ctx, match); err != nil {
		s.logger.Warn().Err(err).Str("test_match_id", match.ID).Msg("signature self-test left pending")
	}
	return match.ID
}

// UpdateContent uploads a new version of a coursework singleton.
func (s *submissionService) UpdateContent(ctx context.Context, teacher models.User, submissionID string, files []UploadedFile) (dto.SubmissionResponse, error) {
	if !teacher.IsTeacher() {
		return dto.SubmissionResponse{}, ErrForbidden
	}
	if len(files) == 0 {
		return dto.SubmissionResponse{}, invalid("at least one file is required")
	}

	submission, err := s.loadSubmission(ctx, s.store, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if !submission.Type.IsSingleton() {
		return dto.SubmissionResponse{}, invalid("only coursework files can be replaced")
	}
	if ok, err := s.permissions.CanViewCoursework(ctx, teacher, submission.Coursework); err != nil {
		return dto.SubmissionResponse{}, err
	} else if !ok {
		return dto.SubmissionResponse{}, ErrSubmissionNotFound
	}

	key := fileKey(submission.Coursework.CourseCode, submission)
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		version, err := tx.Submissions.IncrementVersion(ctx, submission.ID)
		if err != nil {
			return err
		}
		submission.LatestVersion = version
		if err := saveFiles(ctx, s.files, key, version, files); err != nil {
			if rmErr := s.files.DeleteVersion(ctx, key, version); rmErr != nil {
				s.logger.Warn().Err(rmErr).Str("submission_id", submission.ID).Msg("failed to remove partial upload")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	names, err := s.files.Files(key, submission.LatestVersion)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	s.logger.Info().Str("submission_id", submission.ID).Int("version", submission.LatestVersion).Msg("coursework file updated")
	return dto.NewSubmissionResponse(submission, names), nil
}

// Delete removes a test case that no match has used yet.
func (s *submissionService) Delete(ctx context.Context, user models.User, submissionID string) error {
	submission, err := s.loadSubmission(ctx, s.store, submissionID)
	if err != nil {
		return err
	}
	if submission.CreatorID != user.ID {
		return ErrForbidden
	}
	if submission.Type != models.SubmissionTestCase {
		return invalid("only test cases can be deleted")
	}
	if !submission.Coursework.AcceptsUploads() {
		return invalid("this coursework is not accepting changes")
	}

	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		referenced, err := tx.Submissions.IsReferenced(ctx, submission.ID)
		if err != nil {
			return err
		}
		if referenced {
			return invalid("this test has already been run and cannot be deleted")
		}
		return tx.Submissions.Delete(ctx, submission.ID)
	})
	if err != nil {
		return err
	}

	if err := s.files.Delete(ctx, fileKey(submission.Coursework.CourseCode, submission)); err != nil {
		s.logger.Warn().Err(err).Str("submission_id", submission.ID).Msg("failed to remove deleted submission files")
	}
	s.logger.Info().Str("submission_id", submission.ID).Uint("user_id", user.ID).Msg("submission deleted")
	return nil
}

func (s *submissionService) Get(ctx context.Context, user models.User, submissionID string, testCtx *TestContext) (dto.SubmissionResponse, error) {
	submission, err := s.viewableSubmission(ctx, user, submissionID, testCtx)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	version := submission.LatestVersion
	if testCtx != nil && testCtx.Version > 0 && testCtx.Version <= submission.LatestVersion {
		version = testCtx.Version
	}
	names, err := s.files.Files(fileKey(submission.Coursework.CourseCode, submission), version)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	return dto.NewSubmissionResponse(submission, names), nil
}

func (s *submissionService) ListOwn(ctx context.Context, user models.User, courseworkID string) ([]dto.SubmissionResponse, error) {
	coursework, err := s.visibleCoursework(ctx, user, courseworkID)
	if err != nil {
		return nil, err
	}

	var out []dto.SubmissionResponse
	for _, submissionType := range []models.SubmissionType{models.SubmissionSolution, models.SubmissionTestCase} {
		submissions, err := s.store.Submissions.ListByCreator(ctx, coursework.ID, user.ID, submissionType)
		if err != nil {
			return nil, err
		}
		for _, submission := range submissions {
			names, err := s.files.Files(fileKey(coursework.CourseCode, submission), submission.LatestVersion)
			if err != nil {
				return nil, err
			}
			out = append(out, dto.NewSubmissionResponse(submission, names))
		}
	}
	return out, nil
}

// OpenFile opens one file of a submission version. Callers must close Content.
func (s *submissionService) OpenFile(ctx context.Context, user models.User, submissionID string, version int, name string, testCtx *TestContext) (FileDownload, error) {
	ctx, span := s.tracer.Start(ctx, "submissions.open_file", trace.WithAttributes(
		attribute.String("submission.id", submissionID),
		attribute.Int("submission.version", version),
	))
	defer span.End()

	if testCtx != nil {
		pinned := *testCtx
		pinned.Version = version
		testCtx = &pinned
	}
	submission, err := s.viewableSubmission(ctx, user, submissionID, testCtx)
	if err != nil {
		return FileDownload{}, err
	}
	if version < 1 || version > submission.LatestVersion {
		return FileDownload{}, ErrFileNotFound
	}

	file, err := s.files.Open(fileKey(submission.Coursework.CourseCode, submission), version, name)
	if errors.Is(err, filestore.ErrNotFound) || errors.Is(err, filestore.ErrInvalidName) {
		return FileDownload{}, ErrFileNotFound
	}
	if err != nil {
		span.RecordError(err)
		return FileDownload{}, err
	}

	download, err := describeFile(file, name)
	if err != nil {
		file.Close()
		return FileDownload{}, err
	}
	span.SetAttributes(attribute.String("submission.content_type", download.ContentType))
	return download, nil
}

func describeFile(file *os.File, name string) (FileDownload, error) {
	info, err := file.Stat()
	if err != nil {
		return FileDownload{}, err
	}
	mime, err := mimetype.DetectReader(file)
	if err != nil {
		return FileDownload{}, fmt.Errorf("detect content type: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return FileDownload{}, err
	}
	return FileDownload{
		Name:        name,
		ContentType: mime.String(),
		Size:        info.Size(),
		Content:     file,
	}, nil
}

func (s *submissionService) viewableSubmission(ctx context.Context, user models.User, submissionID string, testCtx *TestContext) (models.Submission, error) {
	submission, err := s.loadSubmission(ctx, s.store, submissionID)
	if err != nil {
		return models.Submission{}, err
	}
	ok, err := s.permissions.CanViewSubmission(ctx, user, submission, testCtx)
	if err != nil {
		return models.Submission{}, err
	}
	if !ok {
		return models.Submission{}, ErrSubmissionNotFound
	}
	return submission, nil
}

func (s *submissionService) visibleCoursework(ctx context.Context, user models.User, courseworkID string) (models.Coursework, error) {
	coursework, err := s.store.Courseworks.GetByID(ctx, courseworkID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Coursework{}, ErrCourseworkNotFound
	}
	if err != nil {
		return models.Coursework{}, err
	}
	ok, err := s.permissions.CanViewCoursework(ctx, user, coursework)
	if err != nil {
		return models.Coursework{}, err
	}
	if !ok {
		return models.Coursework{}, ErrCourseworkNotFound
	}
	return coursework, nil
}

func (s *submissionService) loadSubmission(ctx context.Context, store *repository.Store, id string) (models.Submission, error) {
	submission, err := store.Submissions.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Submission{}, ErrSubmissionNotFound
	}
	return submission, err
}

// nextTestNumber is one past the highest "Test Case #N" of the user. Deleted
// tests leave gaps, so counting is not enough.
func nextTestNumber(ctx context.Context, store *repository.Store, courseworkID string, userID uint) (int, error) {
	tests, err := store.Submissions.ListByCreator(ctx, courseworkID, userID, models.SubmissionTestCase)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, test := range tests {
		n, err := strconv.Atoi(strings.TrimPrefix(test.DisplayName, testNamePrefix))
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}
