// Package workspace manages the private directory every job runs in:
//
//	<root>/workspace/<uuid>/upload          uploaded input, zips extracted to upload/unzipped/<name>
//	<root>/workspace/<uuid>/output          result.txt, system-out.log, system-error.log
package workspace

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"pds/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/ianaindex"
)

const (
	folderWorkspace = "workspace"
	folderUpload    = "upload"
	folderOutput    = "output"
	folderUnzipped  = "unzipped"

	fileResult    = "result.txt"
	fileSystemOut = "system-out.log"
	fileSystemErr = "system-error.log"
	fileSource    = "sourcecode.zip"
	folderSource  = "sourcecode"
)

// ErrIllegalArchiveEntry is returned for zip entries that would escape the target folder.
var ErrIllegalArchiveEntry = errors.New("illegal archive entry")

// Config configures the workspace service.
type Config struct {
	RootFolder        string
	AutoCleanDisabled bool
	Encoding          string
}

// Service implements domain.WorkspaceService on the local file system.
type Service struct {
	root              string
	autoCleanDisabled bool
	encoding          string
	logger            *slog.Logger
}

var _ domain.WorkspaceService = (*Service)(nil)

// New creates the service. The root folder is resolved to an absolute path
// and the encoding must be a known IANA name.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	root := cfg.RootFolder
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %q: %w", root, err)
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = "UTF-8"
	}
	if _, err := ianaindex.IANA.Encoding(enc); err != nil {
		return nil, fmt.Errorf("workspace encoding %q: %w", enc, err)
	}
	return &Service{
		root:              abs,
		autoCleanDisabled: cfg.AutoCleanDisabled,
		encoding:          enc,
		logger:            logger.With("component", "workspace"),
	}, nil
}

func (s *Service) folder(jobUUID uuid.UUID) string {
	return filepath.Join(s.root, folderWorkspace, jobUUID.String())
}

// Location returns the paths of the job workspace without touching the disk.
func (s *Service) Location(jobUUID uuid.UUID) domain.Location {
	ws := s.folder(jobUUID)
	upload := filepath.Join(ws, folderUpload)
	output := filepath.Join(ws, folderOutput)
	return domain.Location{
		Workspace:      ws,
		Upload:         upload,
		Output:         output,
		ResultFile:     filepath.Join(output, fileResult),
		SystemOutFile:  filepath.Join(output, fileSystemOut),
		SystemErrFile:  filepath.Join(output, fileSystemErr),
		ZippedSource:   filepath.Join(upload, fileSource),
		UnzippedSource: filepath.Join(upload, folderUnzipped, folderSource),
	}
}

// Prepare creates the upload and output folders.
func (s *Service) Prepare(jobUUID uuid.UUID) (domain.Location, error) {
	loc := s.Location(jobUUID)
	for _, dir := range []string{loc.Upload, loc.Output} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return domain.Location{}, fmt.Errorf("create workspace folder %s: %w", dir, err)
		}
	}
	s.logger.Debug("workspace prepared", "job_uuid", jobUUID.String(), "location", loc.Workspace)
	return loc, nil
}

// UnzipUploads extracts every zip in the upload folder when the product asks
// for it. The archives are removed afterwards.
func (s *Service) UnzipUploads(ctx context.Context, jobUUID uuid.UUID, product *domain.ProductSetup) error {
	if product == nil || !product.UnzipUploads {
		return nil
	}
	loc := s.Location(jobUUID)
	zips, err := filepath.Glob(filepath.Join(loc.Upload, "*.zip"))
	if err != nil {
		return err
	}
	logger := s.logger.With("job_uuid", jobUUID.String())
	logger.Debug("zip files found", "count", len(zips))

	for _, archive := range zips {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(archive), ".zip")
		dest := filepath.Join(loc.Upload, folderUnzipped, name)
		n, err := unzip(archive, dest)
		if err != nil {
			return fmt.Errorf("unzip %s: %w", archive, err)
		}
		logger.Info("unzipped upload", "files", n, "target", dest)
		if err := os.Remove(archive); err != nil {
			return fmt.Errorf("remove %s: %w", archive, err)
		}
	}
	return nil
}

func unzip(archive, dest string) (int, error) {
	zr, err := zip.OpenReader(archive)
	if errors.Is(err, zip.ErrInsecurePath) {
		if zr != nil {
			zr.Close()
		}
		return 0, fmt.Errorf("%w: %w", ErrIllegalArchiveEntry, err)
	}
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	count := 0
	for _, f := range zr.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		rel, err := filepath.Rel(dest, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(f.Name) {
			return count, fmt.Errorf("%w: %s", ErrIllegalArchiveEntry, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return count, err
			}
			continue
		}
		if err := extract(f, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func extract(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// AutoCleanDisabled reports whether workspaces are kept after execution.
func (s *Service) AutoCleanDisabled() bool { return s.autoCleanDisabled }

// Encoding returns the IANA name used to decode product output.
func (s *Service) Encoding() string { return s.encoding }

// Cleanup removes the job workspace.
func (s *Service) Cleanup(jobUUID uuid.UUID) error {
	dir := s.folder(jobUUID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", dir, err)
	}
	s.logger.Info("removed workspace folder", "job_uuid", jobUUID.String())
	return nil
}
