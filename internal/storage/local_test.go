package storage_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/open-notebook/open-notebook/internal/storage"
)

func newLocal(t *testing.T) *storage.Local {
	t.Helper()
	l, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	return l
}

func TestSaveUpload_CollisionSuffix(t *testing.T) {
	l := newLocal(t)

	var got []string
	for i := 0; i < 3; i++ {
		path, err := l.SaveUpload("report.pdf", strings.NewReader("content"))
		if err != nil {
			t.Fatalf("SaveUpload() #%d error = %v", i, err)
		}
		got = append(got, filepath.Base(path))
	}

	want := []string{"report.pdf", "report (1).pdf", "report (2).pdf"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SaveUpload() #%d name = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSaveUpload_SuffixSkipsExisting(t *testing.T) {
	l := newLocal(t)

	// Pre-existing "notes.txt" and "notes (1).txt" push the next save to (2).
	for _, name := range []string{"notes.txt", "notes (1).txt"} {
		if err := os.WriteFile(filepath.Join(l.UploadsDir(), name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	path, err := l.SaveUpload("notes.txt", strings.NewReader("y"))
	if err != nil {
		t.Fatalf("SaveUpload() error = %v", err)
	}
	if base := filepath.Base(path); base != "notes (2).txt" {
		t.Errorf("SaveUpload() name = %q, want %q", base, "notes (2).txt")
	}
}

func TestSaveUpload_StripsDirectoryComponents(t *testing.T) {
	l := newLocal(t)

	path, err := l.SaveUpload("../../etc/passwd", strings.NewReader("nope"))
	if err != nil {
		t.Fatalf("SaveUpload() error = %v", err)
	}
	if dir := filepath.Dir(path); dir != l.UploadsDir() {
		t.Errorf("SaveUpload() wrote to %q, want uploads dir %q", dir, l.UploadsDir())
	}
	if base := filepath.Base(path); base != "passwd" {
		t.Errorf("SaveUpload() name = %q, want %q", base, "passwd")
	}
}

func TestDeleteUpload_RefusesOutsidePaths(t *testing.T) {
	l := newLocal(t)

	outside := filepath.Join(t.TempDir(), "victim")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.DeleteUpload(outside); err == nil {
		t.Error("DeleteUpload(outside path) = nil, want error")
	}

	path, err := l.SaveUpload("inside.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.DeleteUpload(path); err != nil {
		t.Errorf("DeleteUpload(inside path) error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("DeleteUpload() left the file behind")
	}
}

func TestSaveEpisodeAudio_Layout(t *testing.T) {
	l := newLocal(t)

	path, err := l.SaveEpisodeAudio("user:u1", "episode:e1", "episode.mp3", []byte("mp3"))
	if err != nil {
		t.Fatalf("SaveEpisodeAudio() error = %v", err)
	}
	rel, err := filepath.Rel(l.PodcastsDir(), path)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("episodes", "user:u1", "episode:e1", "episode.mp3")
	if rel != want {
		t.Errorf("SaveEpisodeAudio() path = %q, want %q", rel, want)
	}
	if storage.IsObjectURL(path) {
		t.Error("IsObjectURL(local path) = true, want false")
	}
	if !storage.IsObjectURL("s3://bucket/episodes/u/e/a.mp3") {
		t.Error("IsObjectURL(s3 URL) = false, want true")
	}
}
