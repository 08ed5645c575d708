package media

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-sync/internal/fetcher"
)

// DownloadTask mirrors one stored media row into object storage.
type DownloadTask struct {
	MediaID   int64
	ListingID int64
	Position  int
	URL       string
}

// ObjectStore stores files and returns their stored location.
type ObjectStore interface {
	Put(ctx context.Context, key string, f *os.File, contentType string) (string, error)
}

// Downloader fetches media files into a temp dir, uploads them and records
// the stored path. Each task is attempted once.
type Downloader struct {
	fetch   fetcher.Fetcher
	objects ObjectStore
	store   Store
	tasks   chan DownloadTask
	workers int
	tempDir string
	log     *zap.Logger
}

// NewDownloader creates a downloader with a bounded task buffer.
func NewDownloader(f fetcher.Fetcher, objects ObjectStore, store Store, size, workers int, tempDir string) *Downloader {
	if size <= 0 {
		size = 1000
	}
	if workers <= 0 {
		workers = 2
	}
	return &Downloader{
		fetch:   f,
		objects: objects,
		store:   store,
		tasks:   make(chan DownloadTask, size),
		workers: workers,
		tempDir: tempDir,
		log:     zap.L().With(zap.String("component", "media.download")),
	}
}

// Enqueue implements Enqueuer.
func (d *Downloader) Enqueue(t DownloadTask) bool {
	select {
	case d.tasks <- t:
		return true
	default:
		return false
	}
}

// Run processes tasks with a fixed worker pool until ctx is done.
func (d *Downloader) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case t := <-d.tasks:
					if err := d.Process(gctx, t); err != nil {
						d.log.Warn("media download failed",
							zap.Int64("media_id", t.MediaID),
							zap.String("url", t.URL),
							zap.Error(err),
						)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Process downloads, uploads and records one task.
func (d *Downloader) Process(ctx context.Context, t DownloadTask) error {
	tmp, err := os.CreateTemp(d.tempDir, "media-*")
	if err != nil {
		return eris.Wrap(err, "media: create temp file")
	}
	name := tmp.Name()
	tmp.Close()           //nolint:errcheck
	defer os.Remove(name) //nolint:errcheck

	if _, err := d.fetch.DownloadToFile(ctx, t.URL, name); err != nil {
		return eris.Wrapf(err, "media: download %d", t.MediaID)
	}

	f, err := os.Open(name)
	if err != nil {
		return eris.Wrap(err, "media: reopen temp file")
	}
	defer f.Close() //nolint:errcheck

	key, ext := ObjectKey(t)
	location, err := d.objects.Put(ctx, key, f, mime.TypeByExtension(ext))
	if err != nil {
		return eris.Wrapf(err, "media: upload %d", t.MediaID)
	}
	return d.store.SetStoredPath(ctx, t.MediaID, location)
}

// ObjectKey derives the storage key "<listing>/<position>-<media>.<ext>".
func ObjectKey(t DownloadTask) (key, ext string) {
	ext = ".jpg"
	if u, err := url.Parse(t.URL); err == nil {
		if e := strings.ToLower(filepath.Ext(u.Path)); e != "" && len(e) <= 5 {
			ext = e
		}
	}
	return path.Join(fmt.Sprint(t.ListingID), fmt.Sprintf("%02d-%d%s", t.Position, t.MediaID, ext)), ext
}
