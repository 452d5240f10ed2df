package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

type Storage struct {
	basePath      string
	publicBaseURL string
}

// New stores files under basePath. Returned URLs use publicBaseURL when set,
// otherwise a file:// URL of the stored path.
func New(basePath, publicBaseURL string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: abs, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *Storage) Save(_ context.Context, key string, data io.Reader, _ int64, _ string) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, data); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return s.url(key, path), nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "open file", err)
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// resolve keeps keys inside basePath.
func (s *Storage) resolve(key string) (string, error) {
	path := filepath.Join(s.basePath, filepath.FromSlash(key))
	if path != s.basePath && !strings.HasPrefix(path, s.basePath+string(filepath.Separator)) {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve storage key", fmt.Errorf("key %q escapes storage root", key))
	}
	return path, nil
}

func (s *Storage) url(key, path string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
