// Package artifact implements the C1 artifact store: every attachment or
// rendered page SIFEN ingestion touches is sanitized, given a unique name,
// written to a local scratch directory, and optionally mirrored to an
// S3-compatible bucket. Filename handling and the scratch-dir-with-fallback
// idiom follow the teacher's saveAttachment/sanitizeFilename functions
// (internal/services/email_monitor.go).
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const maxFilenameLength = 100

// Store writes artifacts to a local scratch directory and, when configured,
// mirrors them to an S3-compatible bucket.
type Store struct {
	root        string
	fallbackDir string
	useFallback bool
	minio       *minio.Client
	bucket      string
	log         *zap.Logger
}

// New builds a store rooted at scratchDir. minioClient may be nil when the
// deployment has no object storage configured (internal/config.MinioConfigured).
func New(scratchDir string, minioClient *minio.Client, bucket string, log *zap.Logger) *Store {
	return &Store{root: scratchDir, fallbackDir: os.TempDir(), minio: minioClient, bucket: bucket, log: log}
}

// NewMinioClient builds the client from config, returning (nil, nil) when
// endpoint is empty so callers can treat object storage as optional.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	if endpoint == "" {
		return nil, nil
	}
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
}

// SaveOptions configures a single SaveBinary call.
type SaveOptions struct {
	ForcePDF   bool
	OwnerEmail string
	Date       time.Time
}

// SaveBinary implements C1's save_binary: sanitize filename, assign a
// unique name, write it to the scratch directory (falling back to the
// system temp dir on permission/IO failure, remembered for subsequent
// calls), normalize non-force_pdf images, and mirror to object storage
// under the owner/date key layout when configured. The local path is
// always returned; remoteKey is empty when object storage is unconfigured
// or the upload failed.
func (s *Store) SaveBinary(ctx context.Context, content []byte, filename string, opts SaveOptions) (localPath, remoteKey string, err error) {
	base, ext := sanitizeFilename(filename, opts.ForcePDF)

	if !opts.ForcePDF && isImageExt(ext) {
		if normalized, nerr := NormalizeImage(content); nerr == nil {
			content = normalized
			ext = ".jpg"
		} else {
			s.log.Warn("image normalization failed, storing original bytes", zap.String("filename", filename), zap.Error(nerr))
		}
	}
	unique := uniqueName(base, ext)

	localPath, err = s.writeScratch(unique, content)
	if err != nil {
		return "", "", err
	}

	if s.minio != nil {
		remoteKey = objectKey(opts.OwnerEmail, opts.Date, unique)
		if _, uerr := s.minio.PutObject(ctx, s.bucket, remoteKey, bytes.NewReader(content), int64(len(content)),
			minio.PutObjectOptions{ContentType: contentTypeForExt(ext)}); uerr != nil {
			s.log.Warn("remote artifact upload failed, keeping local copy only", zap.String("remote_key", remoteKey), zap.Error(uerr))
			remoteKey = ""
		}
	}

	return localPath, remoteKey, nil
}

// writeScratch writes data under name in the scratch directory, switching
// permanently to the system temp dir the first time the scratch directory
// proves unwritable so later calls don't re-attempt and re-log the same
// failure.
func (s *Store) writeScratch(name string, data []byte) (string, error) {
	if s.useFallback {
		path := filepath.Join(s.fallbackDir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", fmt.Errorf("write artifact to fallback scratch dir: %w", err)
		}
		return path, nil
	}

	if err := os.MkdirAll(s.root, 0755); err == nil {
		path := filepath.Join(s.root, name)
		if err := os.WriteFile(path, data, 0644); err == nil {
			return path, nil
		}
	}

	s.log.Warn("scratch dir unavailable, falling back to system temp dir", zap.String("scratch_dir", s.root))
	s.useFallback = true
	path := filepath.Join(s.fallbackDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write artifact to fallback scratch dir: %w", err)
	}
	return path, nil
}

// Get reads an artifact back, trying the local scratch path (or fallback
// dir) first and the object store second.
func (s *Store) Get(ctx context.Context, localPath, remoteKey string) ([]byte, error) {
	if localPath != "" {
		if data, err := os.ReadFile(localPath); err == nil {
			return data, nil
		}
	}
	if s.minio == nil || remoteKey == "" {
		return nil, fmt.Errorf("artifact not found locally and no object storage key available")
	}
	obj, err := s.minio.GetObject(ctx, s.bucket, remoteKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch artifact from object storage: %w", err)
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// CleanupTemp implements C1's cleanup_temp: remove scratch-dir entries
// older than olderThanHours, returning how many were removed. A missed
// remote upload would otherwise leave local copies accumulating forever.
func (s *Store) CleanupTemp(olderThanHours int) (int, error) {
	dir := s.root
	if s.useFallback {
		dir = s.fallbackDir
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	cutoff := time.Now().Add(-time.Duration(olderThanHours) * time.Hour)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

var invalidFilenameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// sanitizeFilename strips path-traversal components and control characters,
// collapses whitespace, caps the base at maxFilenameLength, and coerces the
// extension to .pdf when forcePDF is set.
func sanitizeFilename(filename string, forcePDF bool) (base string, ext string) {
	name := filepath.Base(strings.TrimSpace(filename))
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	name = strings.Join(strings.Fields(name), "_")

	ext = strings.ToLower(filepath.Ext(name))
	base = strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "artifact"
	}
	if len(base) > maxFilenameLength {
		base = base[:maxFilenameLength]
	}
	if forcePDF {
		ext = ".pdf"
	}
	return base, ext
}

const uniqueTokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// uniqueName implements the <ts>_<random8>_<base>.<ext> naming rule.
func uniqueName(base, ext string) string {
	return fmt.Sprintf("%d_%s_%s%s", time.Now().Unix(), randomToken(8), base, ext)
}

func randomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = uniqueTokenAlphabet[rand.Intn(len(uniqueTokenAlphabet))]
	}
	return string(b)
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp":
		return true
	default:
		return false
	}
}

// objectKey implements C1's remote key layout: <YYYY>/<sanitized owner>/<MM>/<HHMM>_<filename>.
func objectKey(ownerEmail string, date time.Time, filename string) string {
	if date.IsZero() {
		date = time.Now()
	}
	return fmt.Sprintf("%04d/%s/%02d/%02d%02d_%s", date.Year(), sanitizeOwner(ownerEmail), int(date.Month()), date.Hour(), date.Minute(), filename)
}

func sanitizeOwner(owner string) string {
	s := strings.ToLower(strings.TrimSpace(owner))
	s = strings.ReplaceAll(s, "@", "_at_")
	return invalidFilenameChars.ReplaceAllString(s, "_")
}

func contentTypeForExt(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".xml":
		return "application/xml"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// FilenameFromURL implements C1's filename_from_url: derive a save-able
// name from a download URL's path, falling back to a generated name with
// ext when the URL carries none.
func FilenameFromURL(rawURL, ext string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return uniqueName("download", ext)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return uniqueName("download", ext)
	}
	if filepath.Ext(name) == "" && ext != "" {
		name += ext
	}
	return name
}
