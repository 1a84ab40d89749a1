package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/repository"
	"github.com/peergramming/peer-testing/pkg/filestore"
)

// ResultFileName is the name of the output file stored in every test result.
const ResultFileName = "output.txt"

// SubmissionFiles is the versioned file store backing submissions.
type SubmissionFiles interface {
	Files(key filestore.Key, version int) ([]string, error)
	OriginalsPath(key filestore.Key, version int) (string, error)
	Save(ctx context.Context, key filestore.Key, version int, name string, r io.Reader) error
	SaveContent(ctx context.Context, key filestore.Key, version int, name, content string) error
	Open(key filestore.Key, version int, name string) (*os.File, error)
	Delete(ctx context.Context, key filestore.Key) error
	DeleteVersion(ctx context.Context, key filestore.Key, version int) error
}

// fileKey addresses a submission's files. Student and result files are
// grouped per creator; coursework singletons are not.
func fileKey(courseCode string, submission models.Submission) filestore.Key {
	key := filestore.Key{
		Course:     courseCode,
		Coursework: submission.CourseworkID,
		Bucket:     submission.Type.Bucket(),
		Submission: submission.ID,
	}
	if key.Bucket != models.BucketDescriptors {
		key.Owner = strconv.FormatUint(uint64(submission.CreatorID), 10)
	}
	return key
}

// UploadedFile is one file of an upload request.
type UploadedFile struct {
	Name    string
	Content io.Reader
}

func saveFiles(ctx context.Context, store SubmissionFiles, key filestore.Key, version int, files []UploadedFile) error {
	for _, file := range files {
		err := store.Save(ctx, key, version, file.Name, file.Content)
		switch {
		case errors.Is(err, filestore.ErrExists):
			return invalid("file %s was uploaded twice", file.Name)
		case errors.Is(err, filestore.ErrInvalidName):
			return invalid("%q is not a valid file name", file.Name)
		case err != nil:
			return err
		}
	}
	return nil
}

// validPattern checks a coursework file name glob.
func validPattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return invalid("invalid file pattern %q", pattern)
	}
	return nil
}

// matchesPattern reports whether every file name matches pattern. An empty pattern matches anything.
func matchesPattern(pattern string, files []UploadedFile) (string, bool) {
	if pattern == "" {
		return "", true
	}
	for _, file := range files {
		if ok, _ := path.Match(pattern, file.Name); !ok {
			return file.Name, false
		}
	}
	return "", true
}

// resolveUsernames loads users by name, rejecting unknown or duplicate names.
func resolveUsernames(ctx context.Context, store *repository.Store, usernames []string) ([]models.User, error) {
	names := make([]string, 0, len(usernames))
	seen := make(map[string]struct{}, len(usernames))
	for _, raw := range usernames {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			return nil, invalid("user %s is listed more than once", name)
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, invalid("at least one username is required")
	}

	users, err := store.Users.ListByUsernames(ctx, names)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]models.User, len(users))
	for _, user := range users {
		byName[user.Username] = user
	}

	ordered := make([]models.User, 0, len(names))
	var missing []string
	for _, name := range names {
		user, ok := byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		ordered = append(ordered, user)
	}
	if len(missing) > 0 {
		return nil, invalid("unknown users: %s", strings.Join(missing, ", "))
	}
	return ordered, nil
}
