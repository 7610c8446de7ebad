package infra

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/disintegration/imaging"
)

// ThumbnailCache downloads course thumbnails and keeps resized copies on disk.
type ThumbnailCache struct {
	basePath string
	width    int
	height   int
	client   *http.Client
}

// NewThumbnailCache creates a cache rooted at dir (per-user cache dir when empty).
func NewThumbnailCache(dir string, width, height int) (*ThumbnailCache, error) {
	if dir == "" {
		p, err := getAssetsPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve assets path: %w", err)
		}
		dir = p
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	// Optimize HTTP Transport to prevent connection leaks
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	return &ThumbnailCache{
		basePath: dir,
		width:    width,
		height:   height,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}, nil
}

// Fetch returns the local path of the thumbnail for itemID, downloading and
// resizing it from url on a cache miss.
func (d *ThumbnailCache) Fetch(ctx context.Context, itemID, url string) (string, error) {
	// Security: Sanitize id to prevent path traversal
	safeID := sanitizeID(itemID)
	if safeID == "" {
		return "", fmt.Errorf("invalid item id: %q", itemID)
	}
	if url == "" {
		return "", fmt.Errorf("no thumbnail url for %s", itemID)
	}

	filePath := d.Path(safeID)

	if _, err := os.Stat(filePath); err == nil {
		return filePath, nil // Cache Hit
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	srcImg, err := imaging.Decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	// Fill crops to the card aspect ratio instead of stretching
	resized := imaging.Fill(srcImg, d.width, d.height, imaging.Center, imaging.Lanczos)

	if err := imaging.Save(resized, filePath); err != nil {
		return "", fmt.Errorf("failed to save thumbnail: %w", err)
	}

	return filePath, nil
}

// Path returns the local path for an item's thumbnail.
func (d *ThumbnailCache) Path(itemID string) string {
	return filepath.Join(d.basePath, sanitizeID(itemID)+".png")
}

// Cached returns the local thumbnail path for itemID if it has been fetched.
func (d *ThumbnailCache) Cached(itemID string) (string, bool) {
	if sanitizeID(itemID) == "" {
		return "", false
	}
	p := d.Path(itemID)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

func getAssetsPath() (string, error) {
	var cacheDir string
	var err error

	if runtime.GOOS == "windows" {
		cacheDir = os.Getenv("LOCALAPPDATA")
		if cacheDir == "" {
			cacheDir, err = os.UserCacheDir()
		}
	} else {
		cacheDir, err = os.UserCacheDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(cacheDir, "CourseCart", "thumbnails"), nil
}

func sanitizeID(id string) string {
	res := make([]rune, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			res = append(res, r)
		}
	}
	return string(res)
}
