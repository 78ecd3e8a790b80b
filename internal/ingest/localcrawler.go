package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// LocalFileCrawler implements Crawler over a local documentation tree,
// for sources that are a checked-out repo or docs folder rather than a
// live website. It uses fsnotify to watch project directories and
// re-trigger a sync when files under a local source change between
// scheduled crawls.
type LocalFileCrawler struct {
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

// NewLocalFileCrawler builds a crawler with a strict HTML-stripping
// policy: crawled content is stored as plain text/markdown, never
// raw HTML.
func NewLocalFileCrawler(logger *zap.Logger) *LocalFileCrawler {
	return &LocalFileCrawler{sanitizer: bluemonday.StrictPolicy(), logger: logger}
}

// Crawl walks root, yielding one CrawledDocument per matched file. It
// ignores maxDepth-violating and excluded paths. Depth is the number
// of path separators below root.
func (c *LocalFileCrawler) Crawl(ctx context.Context, root string, maxPages, maxDepth int, include, exclude []string) (<-chan CrawledDocument, <-chan error) {
	out := make(chan CrawledDocument)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		count := 0
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if d.IsDir() {
				return nil
			}
			if maxPages > 0 && count >= maxPages {
				return filepath.SkipAll
			}
			rel, _ := filepath.Rel(root, path)
			depth := strings.Count(rel, string(filepath.Separator))
			if maxDepth > 0 && depth > maxDepth {
				return nil
			}
			if !matchesInclude(rel, include) || matchesExclude(rel, exclude) {
				return nil
			}

			data, readErr := os.ReadFile(path)
			if readErr != nil {
				c.logger.Warn("failed to read local source file", zap.String("path", path), zap.Error(readErr))
				return nil
			}
			content := c.sanitizer.Sanitize(string(data))
			doc := CrawledDocument{
				URL:      "file://" + path,
				Title:    filepath.Base(path),
				Content:  content,
				WordCount: len(strings.Fields(content)),
				HasCode:  strings.Contains(content, "```"),
				Language: languageFromExt(filepath.Ext(path)),
			}
			select {
			case out <- doc:
				count++
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil && err != filepath.SkipAll {
			errs <- err
		}
	}()

	return out, errs
}

// FetchFavicon is a no-op for local sources.
func (c *LocalFileCrawler) FetchFavicon(ctx context.Context, url string) (string, error) {
	return "", nil
}

// WatchForChanges starts an fsnotify watcher on root and calls onChange
// whenever a file is written or removed, letting a background job
// trigger an out-of-band sync_source rather than waiting for the next
// scheduled crawl.
func (c *LocalFileCrawler) WatchForChanges(ctx context.Context, root string, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
					onChange(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func matchesInclude(rel string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func matchesExclude(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func languageFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".md", ".mdx":
		return "markdown"
	default:
		return ""
	}
}
