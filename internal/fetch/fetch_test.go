package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skylightwx/skylight/internal/log"
)

func init() {
	if err := log.Init(true); err != nil {
		panic(err)
	}
}

func TestCachePath(t *testing.T) {
	f := New("/var/cache/skylight", false, 1)
	got, err := f.CachePath("https://opendata.example.com/weather/poi/10381-BEOB.csv")
	if err != nil {
		t.Fatal(err)
	}
	expected := filepath.Join(
		"/var/cache/skylight", "opendata.example.com", "weather", "poi", "10381-BEOB.csv")
	if got != expected {
		t.Errorf("got %q, expected %q", got, expected)
	}
}

func TestFetchWritesFileAndMtime(t *testing.T) {
	lastModified := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := New(t.TempDir(), false, 1)
	path, err := f.Fetch(context.Background(), srv.URL+"/dir/file.csv")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("unexpected content %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(lastModified) {
		t.Errorf("mtime %v, expected %v", info.ModTime(), lastModified)
	}
}

func TestFetchNotModifiedUsesCache(t *testing.T) {
	var sawConditional bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			sawConditional = true
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("original"))
	}))
	defer srv.Close()

	f := New(t.TempDir(), false, 1)
	url := srv.URL + "/file.csv"
	path, err := f.Fetch(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	// Second fetch: server answers 304, cached content must survive.
	path2, err := f.Fetch(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	if path2 != path {
		t.Errorf("cache path changed between fetches: %q vs %q", path, path2)
	}
	if !sawConditional {
		t.Error("second fetch did not send If-Modified-Since")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "original" {
		t.Errorf("cached content clobbered: %q", data)
	}
}

func TestFetchRetriesThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(t.TempDir(), false, 2)
	_, err := f.Fetch(context.Background(), srv.URL+"/file.csv")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if !strings.Contains(fe.Error(), "file.csv") {
		t.Errorf("error should name the URL: %v", fe)
	}
}

func TestDiscard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.csv")
	os.WriteFile(path, []byte("x"), 0o644)

	keeper := New(dir, true, 1)
	keeper.Discard(path)
	if _, err := os.Stat(path); err != nil {
		t.Error("keep_downloads fetcher must not remove files")
	}

	remover := New(dir, false, 1)
	remover.Discard(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should have been removed")
	}
}
