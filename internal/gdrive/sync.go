package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DefaultInterval is how often the journal is pushed to Drive.
const DefaultInterval = 5 * time.Minute

type files interface {
	Create(ctx context.Context, name, folderID string, media io.Reader) (string, error)
	Update(ctx context.Context, fileID string, media io.Reader) error
}

// Syncer uploads the daily markdown journal to a Drive folder, creating one
// Google Doc per date and updating it afterwards.
type Syncer struct {
	files    files
	folderID string
	fileIDs  map[string]string
	mu       sync.Mutex
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(driveFiles{svc: svc}, folderID), nil
}

func newSyncer(f files, folderID string) *Syncer {
	return &Syncer{
		files:    f,
		folderID: folderID,
		fileIDs:  make(map[string]string),
	}
}

// Sync uploads localPath as the journal for date. A missing file is not an
// error; nothing has been journaled that day yet.
func (s *Syncer) Sync(ctx context.Context, localPath, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	if fileID, ok := s.fileIDs[date]; ok {
		if err := s.files.Update(ctx, fileID, f); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		return nil
	}

	id, err := s.files.Create(ctx, fmt.Sprintf("mentus-%s", date), s.folderID, f)
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	s.fileIDs[date] = id
	return nil
}

// Run calls Sync for the current journal every interval until ctx is done,
// and once more on the way out.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, current func() (path, date string), logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	syncNow := func(ctx context.Context) {
		path, date := current()
		if err := s.Sync(ctx, path, date); err != nil {
			logger.Warn("gdrive sync error", "path", path, "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			syncNow(finalCtx)
			cancel()
			return
		case <-ticker.C:
			syncNow(ctx)
		}
	}
}

type driveFiles struct {
	svc *drive.Service
}

func (d driveFiles) Create(ctx context.Context, name, folderID string, media io.Reader) (string, error) {
	doc, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.document",
		Parents:  []string{folderID},
	}).Media(media).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return doc.Id, nil
}

func (d driveFiles) Update(ctx context.Context, fileID string, media io.Reader) error {
	_, err := d.svc.Files.Update(fileID, &drive.File{}).Media(media).Context(ctx).Do()
	return err
}
