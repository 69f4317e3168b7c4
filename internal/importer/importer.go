package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/pkg/types"
)

// MemoryCreator stores a record and submits it for enrichment.
// *engine.Engine satisfies it.
type MemoryCreator interface {
	CreateMemory(ctx context.Context, rec *types.MemoryRecord) (*types.MemoryRecord, error)
}

// Result summarizes one import run.
type Result struct {
	FilesFound   int           `json:"files_found"`
	Imported     int           `json:"imported"`
	NotQueued    int           `json:"not_queued"` // stored but enrichment not submitted
	FilesSkipped int           `json:"files_skipped"`
	FilesFailed  int           `json:"files_failed"`
	MemoryIDs    []string      `json:"memory_ids,omitempty"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// Importer walks a directory of Markdown notes and creates one memory per note.
type Importer struct {
	creator      MemoryCreator
	defaultOwner string
}

// New returns an importer that assigns defaultOwner to notes without an
// "owner" frontmatter field.
func New(creator MemoryCreator, defaultOwner string) *Importer {
	return &Importer{creator: creator, defaultOwner: strings.TrimSpace(defaultOwner)}
}

// Import creates memories for every .md/.markdown file under dir, skipping
// hidden directories. Per-file failures are collected in the result; only
// an unusable dir or a cancelled ctx returns an error.
func (imp *Importer) Import(ctx context.Context, dir string) (*Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot access directory %q: %v", apperrors.ErrInvalidInput, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %q is not a directory", apperrors.ErrInvalidInput, dir)
	}

	start := time.Now()
	files, err := collectMarkdownFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	result := &Result{FilesFound: len(files)}

	for _, absPath := range files {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		rel, _ := filepath.Rel(dir, absPath)
		imp.importFile(ctx, absPath, rel, result)
	}

	result.Duration = time.Since(start)
	log.Printf("[import.done] dir=%s found=%d imported=%d skipped=%d failed=%d",
		dir, result.FilesFound, result.Imported, result.FilesSkipped, result.FilesFailed)
	return result, nil
}

func (imp *Importer) importFile(ctx context.Context, absPath, rel string, result *Result) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		log.Printf("WARNING: import: skip %s: read error: %v", rel, err)
		result.FilesFailed++
		result.Errors = append(result.Errors, fmt.Sprintf("%s: read error: %v", rel, err))
		return
	}

	note, err := ParseNote(data, rel)
	if err != nil {
		log.Printf("WARNING: import: skip %s: %v", rel, err)
		result.FilesFailed++
		result.Errors = append(result.Errors, err.Error())
		return
	}
	if note.Content == "" {
		result.FilesSkipped++
		return
	}

	owner := note.Owner
	if owner == "" {
		owner = imp.defaultOwner
	}
	if owner == "" {
		result.FilesSkipped++
		result.Errors = append(result.Errors, fmt.Sprintf("%s: no owner", rel))
		return
	}

	rec, err := imp.creator.CreateMemory(ctx, &types.MemoryRecord{
		OwnerID:    owner,
		Title:      note.Title,
		Content:    note.Content,
		SourceType: types.SourceText,
		CreatedAt:  note.CreatedAt,
	})
	switch {
	case rec != nil:
		result.Imported++
		result.MemoryIDs = append(result.MemoryIDs, rec.ID)
		if err != nil {
			result.NotQueued++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
		}
	case errors.Is(err, apperrors.ErrInvalidInput):
		result.FilesSkipped++
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
	default:
		log.Printf("ERROR: import: failed to store %s: %v", rel, err)
		result.FilesFailed++
		result.Errors = append(result.Errors, fmt.Sprintf("%s: store error: %v", rel, err))
	}
}

// collectMarkdownFiles returns .md and .markdown files in lexical order.
// Hidden directories (.obsidian, .git, .trash) are skipped.
func collectMarkdownFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext == ".md" || ext == ".markdown" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
