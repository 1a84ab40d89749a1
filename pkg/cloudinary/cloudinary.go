package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service mirrors stored submission files to Cloudinary as raw assets.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Upload stores the file under a public id derived from its relative path and returns a secure URL.
func (s *Service) Upload(ctx context.Context, relPath string, reader io.Reader) (string, error) {
	overwrite := true
	params := uploader.UploadParams{
		PublicID:     s.publicID(relPath),
		ResourceType: "raw",
		Overwrite:    &overwrite,
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload asset: %w", err)
	}

	s.logger.Debug().Str("public_id", result.PublicID).Msg("file mirrored to cloudinary")

	return result.SecureURL, nil
}

// Remove deletes the mirrored copy of a stored file.
func (s *Service) Remove(ctx context.Context, relPath string) error {
	_, err := s.client.Upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     s.publicID(relPath),
		ResourceType: "raw",
	})
	if err != nil {
		return fmt.Errorf("failed to remove asset: %w", err)
	}
	return nil
}

func (s *Service) publicID(relPath string) string {
	clean := strings.Trim(path.Clean("/"+strings.ReplaceAll(relPath, "\\", "/")), "/")
	if s.folder == "" {
		return clean
	}
	return s.folder + "/" + clean
}
