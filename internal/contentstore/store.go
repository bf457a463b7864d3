// Package contentstore persists crawled markdown under a cache root with a
// JSON sidecar per page, detecting unchanged content by hash on refresh.
//
// Layout: {root}/{game}/{zone}/{category}/{page}.md and {page}.meta.json.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/zonecrawler/internal/crawler"
	"github.com/JakeFAU/zonecrawler/internal/hash/sha256"
	"github.com/JakeFAU/zonecrawler/internal/slug"
)

var pageExts = map[string]bool{".html": true, ".htm": true, ".php": true, ".aspx": true}

var (
	// ErrPathEscape is returned when a path would resolve outside the cache root.
	ErrPathEscape = errors.New("path escapes cache root")
	// ErrNoContent is returned for outcomes without content.
	ErrNoContent = errors.New("outcome has no content")
	// ErrHashMismatch is returned when the outcome hash does not match its content.
	ErrHashMismatch = errors.New("content hash mismatch")
)

const (
	contentExt    = ".md"
	sidecarExt    = ".meta.json"
	maxSlugLength = 120
	dirPerm       = 0o750
	filePerm      = 0o640
)

// Store writes page content and sidecars beneath a root directory.
type Store struct {
	root   string
	clock  crawler.Clock
	hasher crawler.Hasher
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source for sidecars.
func WithClock(c crawler.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithHasher overrides the content digest used for change detection.
func WithHasher(h crawler.Hasher) Option {
	return func(s *Store) {
		if h != nil {
			s.hasher = h
		}
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// New creates the cache root if needed and returns a Store rooted there.
func New(root string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", abs, err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	s := &Store{root: abs, clock: utcClock{}, hasher: sha256.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute cache root.
func (s *Store) Root() string {
	return s.root
}

// Store persists the outcome's content and returns its path relative to the
// root. changed is false when the stored hash already matched, in which case
// only the sidecar timestamp is rewritten.
func (s *Store) Store(ctx context.Context, outcome crawler.CrawlOutcome, zone, game, category string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("store %s: %w", outcome.URL, err)
	}
	if outcome.Content == nil {
		return "", false, fmt.Errorf("store %s: %w", outcome.URL, ErrNoContent)
	}
	content := *outcome.Content
	digest := s.hasher.Hash(content)
	if outcome.ContentHash != "" && outcome.ContentHash != digest {
		return "", false, fmt.Errorf("store %s: %w", outcome.URL, ErrHashMismatch)
	}

	dir, err := s.resolveDir(game, zone, category)
	if err != nil {
		return "", false, err
	}

	pageSlug := PageSlug(outcome.URL)
	existing, found, err := s.readSidecarAt(filepath.Join(dir, pageSlug+sidecarExt))
	if err != nil {
		return "", false, err
	}
	if found && existing.URL != outcome.URL {
		pageSlug = pageSlug + "-" + sha256.Sum(outcome.URL)[:8]
		existing, found, err = s.readSidecarAt(filepath.Join(dir, pageSlug+sidecarExt))
		if err != nil {
			return "", false, err
		}
	}

	contentPath := filepath.Join(dir, pageSlug+contentExt)
	sidecarPath := filepath.Join(dir, pageSlug+sidecarExt)
	if err := s.contain(contentPath); err != nil {
		return "", false, err
	}
	rel, err := filepath.Rel(s.root, contentPath)
	if err != nil {
		return "", false, fmt.Errorf("relative path: %w", err)
	}
	rel = filepath.ToSlash(rel)

	sidecar := crawler.PageSidecar{
		URL:           outcome.URL,
		Domain:        outcome.Domain,
		CrawledAt:     s.clock.Now(),
		ContentHash:   digest,
		HTTPStatus:    outcome.StatusCode,
		ContentLength: len(content),
	}

	unchanged := found && existing.ContentHash == digest && fileExists(contentPath)
	if unchanged {
		if err := writeSidecar(sidecarPath, sidecar); err != nil {
			return "", false, err
		}
		return rel, false, nil
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", false, fmt.Errorf("create dir %s: %w", dir, err)
	}
	if err := writeAtomic(contentPath, []byte(content)); err != nil {
		return "", false, err
	}
	if err := writeSidecar(sidecarPath, sidecar); err != nil {
		return "", false, err
	}
	return rel, true, nil
}

// ReadContent returns the content stored at rel.
func (s *Store) ReadContent(ctx context.Context, rel string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	abs, err := s.resolveRel(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs) // #nosec G304 -- abs is contained under root
	if err != nil {
		return "", fmt.Errorf("read content %s: %w", rel, err)
	}
	return string(data), nil
}

// ReadSidecar returns the sidecar for the content file at rel.
func (s *Store) ReadSidecar(rel string) (crawler.PageSidecar, error) {
	abs, err := s.resolveRel(rel)
	if err != nil {
		return crawler.PageSidecar{}, err
	}
	sc, found, err := s.readSidecarAt(SidecarPath(abs))
	if err != nil {
		return crawler.PageSidecar{}, err
	}
	if !found {
		return crawler.PageSidecar{}, fmt.Errorf("sidecar for %s: %w", rel, fs.ErrNotExist)
	}
	return sc, nil
}

// SidecarPath maps a content path to its sidecar path.
func SidecarPath(contentPath string) string {
	return strings.TrimSuffix(contentPath, contentExt) + sidecarExt
}

// PageSlug derives the file stem for a page URL from its path. A leading
// "wiki/" is dropped, the query (if any) contributes a short hash, and long
// slugs are truncated with a hash suffix to stay unique.
func PageSlug(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "page-" + sha256.Sum(rawURL)[:8]
	}
	p := u.EscapedPath()
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	p = strings.Trim(p, "/")
	p = strings.TrimPrefix(p, "wiki/")
	if ext := strings.ToLower(path.Ext(p)); pageExts[ext] {
		p = strings.TrimSuffix(p, path.Ext(p))
	}
	s := slug.Make(strings.ReplaceAll(p, "_", " "))
	if s == "" {
		s = "index"
	}
	if u.RawQuery != "" {
		s = s + "-" + sha256.Sum(u.RawQuery)[:8]
	}
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength-9], "-") + "-" + sha256.Sum(s)[:8]
	}
	return s
}

func (s *Store) resolveDir(game, zone, category string) (string, error) {
	for _, seg := range []string{game, zone, category} {
		if err := checkSegment(seg); err != nil {
			return "", err
		}
	}
	dir := filepath.Join(s.root, game, zone, category)
	if err := s.contain(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) resolveRel(rel string) (string, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := s.contain(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// contain verifies abs is strictly beneath the root, both lexically and
// after resolving symlinks on the deepest part of abs that already exists.
func (s *Store) contain(abs string) error {
	clean := filepath.Clean(abs)
	if !beneath(s.root, clean) {
		return fmt.Errorf("%s: %w", abs, ErrPathEscape)
	}
	for existing := clean; ; {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			if resolved != s.root && !beneath(s.root, resolved) {
				return fmt.Errorf("%s resolves to %s: %w", abs, resolved, ErrPathEscape)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("resolve %s: %w", abs, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		existing = parent
	}
}

// beneath reports whether p lies strictly inside root.
func beneath(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkSegment(seg string) error {
	trimmed := strings.TrimSpace(seg)
	if trimmed == "" || trimmed == "." || trimmed == ".." ||
		strings.ContainsAny(seg, `/\`) || strings.ContainsRune(seg, 0) {
		return fmt.Errorf("segment %q: %w", seg, ErrPathEscape)
	}
	return nil
}

func (s *Store) readSidecarAt(p string) (crawler.PageSidecar, bool, error) {
	data, err := os.ReadFile(p) // #nosec G304 -- p is contained under root
	if errors.Is(err, fs.ErrNotExist) {
		return crawler.PageSidecar{}, false, nil
	}
	if err != nil {
		return crawler.PageSidecar{}, false, fmt.Errorf("read sidecar %s: %w", p, err)
	}
	var sc crawler.PageSidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return crawler.PageSidecar{}, false, fmt.Errorf("decode sidecar %s: %w", p, err)
	}
	return sc, true, nil
}

func writeSidecar(p string, sc crawler.PageSidecar) error {
	payload, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	return writeAtomic(p, payload)
}

// writeAtomic writes data to a temp file in the target directory, syncs it
// and renames it over p.
func writeAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", p, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", p, err)
	}
	return nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
