package importer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memoir/internal/importer"
	"github.com/scrypster/memoir/pkg/types"
)

type fakeCreator struct {
	records []*types.MemoryRecord
	err     error
}

func (f *fakeCreator) CreateMemory(_ context.Context, rec *types.MemoryRecord) (*types.MemoryRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec.ID = rec.Title
	f.records = append(f.records, rec)
	return rec, nil
}

func writeNote(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestParseNote_FrontmatterAndBody(t *testing.T) {
	note, err := importer.ParseNote([]byte(`---
title: Movie night
date: 2024-03-09
owner: alice
tags: [movies, Friends]
---

# Movie night

Watched [[Inception]] with [[Sam Lee|Sam]]. #scifi
`), "journal/2024-03-09.md")
	require.NoError(t, err)

	assert.Equal(t, "Movie night", note.Title)
	assert.Equal(t, "alice", note.Owner)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), note.CreatedAt)
	assert.Equal(t, []string{"movies", "Friends", "scifi"}, note.Tags)
	assert.Equal(t, "Watched Inception with Sam. #scifi\n\nTags: movies, Friends, scifi", note.Content)
}

func TestParseNote_Fallbacks(t *testing.T) {
	note, err := importer.ParseNote([]byte("Bought sourdough starter"), "kitchen/bread_notes.md")
	require.NoError(t, err)
	assert.Equal(t, "bread notes", note.Title)
	assert.True(t, note.CreatedAt.IsZero())
	assert.Empty(t, note.Owner)

	note, err = importer.ParseNote([]byte("---\ncreated: \"Jan 2, 2023\"\ntags: a, b\n---\n# Heading\nbody"), "x.md")
	require.NoError(t, err)
	assert.Equal(t, "Heading", note.Title)
	assert.Equal(t, 2023, note.CreatedAt.Year())
	assert.Equal(t, []string{"a", "b"}, note.Tags)

	_, err = importer.ParseNote([]byte("---\ntitle: [unclosed\n---\nbody"), "bad.md")
	assert.Error(t, err)
}

func TestImport_Directory(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "a.md", "---\ntitle: Alpha\n---\nRead Dune")
	writeNote(t, dir, "sub/b.markdown", "---\ntitle: Beta\nowner: bob\n---\nVisited Lisbon")
	writeNote(t, dir, "empty.md", "---\ntitle: Empty\n---\n")
	writeNote(t, dir, "broken.md", "---\ntitle: [x\n---\nbody")
	writeNote(t, dir, "notes.txt", "not markdown")
	writeNote(t, dir, ".obsidian/workspace.md", "hidden")

	creator := &fakeCreator{}
	res, err := importer.New(creator, "alice").Import(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 4, res.FilesFound)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.FilesSkipped)
	assert.Equal(t, 1, res.FilesFailed)
	require.Len(t, creator.records, 2)

	owners := map[string]string{}
	for _, r := range creator.records {
		owners[r.Title] = r.OwnerID
	}
	assert.Equal(t, map[string]string{"Alpha": "alice", "Beta": "bob"}, owners)
}

func TestImport_NoOwnerSkips(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "a.md", "Read Dune")

	creator := &fakeCreator{}
	res, err := importer.New(creator, "").Import(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesSkipped)
	assert.Empty(t, creator.records)
}

func TestImport_StoreErrorsAreCollected(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "a.md", "Read Dune")

	res, err := importer.New(&fakeCreator{err: errors.New("disk full")}, "alice").Import(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesFailed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "disk full")
}

func TestImport_RejectsMissingDirectory(t *testing.T) {
	_, err := importer.New(&fakeCreator{}, "alice").Import(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
