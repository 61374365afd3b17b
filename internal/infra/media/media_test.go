package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"media-rescue/internal/domain/entity"
	"media-rescue/internal/resilience/ratelimit"
	"media-rescue/internal/resilience/retry"
)

func serveBytes(contentType string, body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}
}

func newTestDownloader(srv *httptest.Server, maxSize int64) *Downloader {
	return NewDownloader(srv.Client(), "test-agent", maxSize, nil)
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDownload_Success(t *testing.T) {
	body := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 500)
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA, gotAccept = r.Header.Get("User-Agent"), r.Header.Get("Accept")
		serveBytes("image/png; charset=binary", body)(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	res, err := newTestDownloader(srv, 0).Download(context.Background(), srv.URL+"/pics/cat", dir, "cat", imageAccept)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	sum := sha256.Sum256(body)
	want := FetchResult{
		LocalPath:   filepath.Join(dir, "cat.png"),
		Bytes:       int64(len(body)),
		SHA256:      hex.EncodeToString(sum[:]),
		ContentType: "image/png",
		SourceURL:   srv.URL + "/pics/cat",
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Download() mismatch (-want +got):\n%s", diff)
	}
	if gotUA != "test-agent" || gotAccept != imageAccept {
		t.Errorf("headers: UA=%q Accept=%q", gotUA, gotAccept)
	}
	if names := dirEntries(t, dir); len(names) != 1 || names[0] != "cat.png" {
		t.Errorf("unexpected files %v", names)
	}
}

func TestDownload_URLExtensionWins(t *testing.T) {
	srv := httptest.NewServer(serveBytes("image/jpeg", bytes.Repeat([]byte("x"), 300)))
	defer srv.Close()

	res, err := newTestDownloader(srv, 0).Download(context.Background(), srv.URL+"/a/photo.WEBP", t.TempDir(), "photo", "")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if filepath.Ext(res.LocalPath) != ".webp" {
		t.Errorf("expected .webp, got %s", res.LocalPath)
	}
}

func TestGeneric_SameNameOnTwoHosts(t *testing.T) {
	bodyA := bytes.Repeat([]byte("a"), 300)
	bodyB := bytes.Repeat([]byte("b"), 400)
	srvA := httptest.NewServer(serveBytes("image/jpeg", bodyA))
	defer srvA.Close()
	srvB := httptest.NewServer(serveBytes("image/jpeg", bodyB))
	defer srvB.Close()

	h := generic{dl: newTestDownloader(srvA, 0)}
	dir := t.TempDir()
	ctx := context.Background()
	urlA, urlB := srvA.URL+"/img/photo.jpg", srvB.URL+"/img/photo.jpg"

	resA, err := h.Fetch(ctx, urlA, dir)
	if err != nil {
		t.Fatalf("Fetch(A) error = %v", err)
	}
	resB, err := h.Fetch(ctx, urlB, dir)
	if err != nil {
		t.Fatalf("Fetch(B) error = %v", err)
	}

	if resA.LocalPath != filepath.Join(dir, "photo.jpg") {
		t.Errorf("A path = %s", resA.LocalPath)
	}
	wantB := filepath.Join(dir, "photo_"+entity.HashURL(urlB)[:8]+".jpg")
	if resB.LocalPath != wantB {
		t.Errorf("B path = %s, want %s", resB.LocalPath, wantB)
	}
	for path, want := range map[string][]byte{resA.LocalPath: bodyA, resB.LocalPath: bodyB} {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", path, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s holds the wrong body", path)
		}
	}

	again, err := h.Fetch(ctx, urlA, dir)
	if err != nil {
		t.Fatalf("Fetch(A) again error = %v", err)
	}
	if again.LocalPath != resA.LocalPath {
		t.Errorf("identical body should reuse %s, got %s", resA.LocalPath, again.LocalPath)
	}
	if names := dirEntries(t, dir); len(names) != 2 {
		t.Errorf("expected two files and no leftovers, got %v", names)
	}
}

func TestDownload_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		maxSize int64
		check   func(error) bool
	}{
		{
			name:    "html wrapper page",
			handler: serveBytes("text/html; charset=utf-8", bytes.Repeat([]byte("<p>"), 200)),
			check:   func(err error) bool { return errors.Is(err, entity.ErrIntegrity) },
		},
		{
			name:    "declared too large",
			handler: serveBytes("image/jpeg", bytes.Repeat([]byte("x"), 2048)),
			maxSize: 1024,
			check:   func(err error) bool { return errors.Is(err, entity.ErrIntegrity) },
		},
		{
			name:    "too small",
			handler: serveBytes("image/jpeg", []byte("tiny")),
			check:   func(err error) bool { return errors.Is(err, entity.ErrIntegrity) },
		},
		{
			name: "streamed past limit",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "video/mp4")
				for i := 0; i < 4; i++ {
					_, _ = w.Write(bytes.Repeat([]byte("v"), 512))
					w.(http.Flusher).Flush()
				}
			},
			maxSize: 1024,
			check:   func(err error) bool { return errors.Is(err, entity.ErrIntegrity) },
		},
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
			check: func(err error) bool {
				code, ok := retry.StatusCode(err)
				return ok && code == http.StatusNotFound
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			dir := t.TempDir()
			_, err := newTestDownloader(srv, tt.maxSize).Download(context.Background(), srv.URL+"/m.jpg", dir, "m", "")
			if !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			if names := dirEntries(t, dir); len(names) != 0 {
				t.Errorf("failed download left files behind: %v", names)
			}
		})
	}
}

func TestCheckSize(t *testing.T) {
	tests := []struct {
		n, declared, limit int64
		wantErr            bool
	}{
		{n: 500, declared: 500, limit: 1000},
		{n: 500, declared: -1, limit: 1000},
		{n: 400, declared: 500, limit: 1000, wantErr: true},
		{n: 1001, declared: -1, limit: 1000, wantErr: true},
		{n: 99, declared: 99, limit: 1000, wantErr: true},
		{n: 100, declared: 0, limit: 1000},
	}
	for _, tt := range tests {
		err := checkSize(tt.n, tt.declared, tt.limit)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkSize(%d, %d, %d) = %v, wantErr %v", tt.n, tt.declared, tt.limit, err, tt.wantErr)
		}
	}
}

func TestPickExtension(t *testing.T) {
	tests := []struct {
		path, contentType, want string
	}{
		{"/a.PNG", "image/jpeg", ".png"},
		{"/a.mov", "", ".mov"},
		{"/a.php", "image/gif", ".gif"},
		{"/a", "video/webm", ".webm"},
		{"/a", "application/octet-stream", ".jpg"},
	}
	for _, tt := range tests {
		if got := pickExtension(&url.URL{Path: tt.path}, tt.contentType); got != tt.want {
			t.Errorf("pickExtension(%s, %s) = %s, want %s", tt.path, tt.contentType, got, tt.want)
		}
	}
}

func TestSafeName(t *testing.T) {
	if got := safeName("../../etc/passwd", "u"); got != "etc_passwd" {
		t.Errorf("safeName traversal = %q", got)
	}
	if got := safeName("", "https://x.test/"); got != "media_"+entity.HashURL("https://x.test/") {
		t.Errorf("safeName empty = %q", got)
	}
	if got := safeName(strings.Repeat("a", 300), "u"); len(got) != 100 {
		t.Errorf("safeName not truncated: %d", len(got))
	}
}

func TestDispatcher_Select(t *testing.T) {
	d := NewDispatcher(NewDownloader(nil, "", 0, nil))
	tests := []struct {
		url  string
		want string
	}{
		{"https://i.redd.it/abc.jpg", ratelimit.ServiceRedditImages},
		{"https://v.redd.it/abc123", ratelimit.ServiceRedditVideo},
		{"https://preview.redd.it/abc.jpg?width=640", ratelimit.ServiceRedditPreviews},
		{"https://external-preview.redd.it/abc.png", ratelimit.ServiceRedditPreviews},
		{"https://i.imgur.com/abc.jpg", ratelimit.ServiceImgur},
		{"https://imgur.com/abc", ratelimit.ServiceImgur},
		{"https://example.com/abc.jpg", ratelimit.ServiceGeneric},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.url)
		if got := d.Select(u).Service(); got != tt.want {
			t.Errorf("Select(%s) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestExtractID(t *testing.T) {
	tests := []struct {
		h    Handler
		url  string
		want string
	}{
		{redditImages{}, "https://i.redd.it/k3j2h1.jpeg", "k3j2h1"},
		{redditVideo{}, "https://v.redd.it/vid42/DASH_720.mp4", "vid42"},
		{imgur{}, "https://imgur.com/gallery/Gal1", "Gal1"},
		{imgur{}, "https://i.imgur.com/Img9.gifv", "Img9"},
		{generic{}, "https://example.com/files/report.gif", "report"},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.url)
		if got := tt.h.ExtractID(u); got != tt.want {
			t.Errorf("%T.ExtractID(%s) = %q, want %q", tt.h, tt.url, got, tt.want)
		}
	}
}

func TestRedditVideo_Candidates(t *testing.T) {
	short, _ := url.Parse("https://v.redd.it/abc123")
	want := []string{
		"https://v.redd.it/abc123/DASH_720.mp4",
		"https://v.redd.it/abc123/DASH_480.mp4",
		"https://v.redd.it/abc123/DASH_360.mp4",
		"https://v.redd.it/abc123/DASH_240.mp4",
	}
	if diff := cmp.Diff(want, redditVideo{}.candidates(short)); diff != "" {
		t.Errorf("short URL candidates (-want +got):\n%s", diff)
	}

	hd, _ := url.Parse("https://v.redd.it/abc123/DASH_1080.mp4?source=fallback")
	got := redditVideo{}.candidates(hd)
	if len(got) != 5 || got[0] != hd.String() || got[1] != "https://v.redd.it/abc123/DASH_720.mp4?source=fallback" {
		t.Errorf("unexpected candidates %v", got)
	}
}

func TestRedditVideo_FallsBackOn404(t *testing.T) {
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		if strings.Contains(r.URL.Path, "DASH_480") {
			serveBytes("video/mp4", bytes.Repeat([]byte("v"), 400))(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := redditVideo{dl: newTestDownloader(srv, 0)}
	res, err := h.Fetch(context.Background(), srv.URL+"/abc123/DASH_720.mp4", t.TempDir())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if diff := cmp.Diff([]string{"/abc123/DASH_720.mp4", "/abc123/DASH_480.mp4"}, requested); diff != "" {
		t.Errorf("requests (-want +got):\n%s", diff)
	}
	if filepath.Base(res.LocalPath) != "abc123.mp4" {
		t.Errorf("LocalPath = %s", res.LocalPath)
	}
}

func TestRedditVideo_StopsOnNon404(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	h := redditVideo{dl: newTestDownloader(srv, 0)}
	_, err := h.Fetch(context.Background(), srv.URL+"/abc123", t.TempDir())
	if code, _ := retry.StatusCode(err); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single request, got %d", calls)
	}
}

func TestImgur_Candidates(t *testing.T) {
	h := imgur{}
	tests := []struct {
		url     string
		want    []string
		wantErr bool
	}{
		{url: "https://imgur.com/AbC12", want: []string{
			"https://i.imgur.com/AbC12.jpg", "https://i.imgur.com/AbC12.png",
			"https://i.imgur.com/AbC12.gif", "https://i.imgur.com/AbC12.webp",
		}},
		{url: "https://i.imgur.com/AbC12.gifv", want: []string{"https://i.imgur.com/AbC12.mp4"}},
		{url: "https://i.imgur.com/AbC12.png", want: []string{"https://i.imgur.com/AbC12.png"}},
		{url: "https://imgur.com/a/Alb1", wantErr: true},
		{url: "https://imgur.com/gallery/Gal1", wantErr: true},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.url)
		got, err := h.candidates(u)
		if tt.wantErr {
			if !errors.Is(err, entity.ErrInvalidURL) {
				t.Errorf("candidates(%s) error = %v, want ErrInvalidURL", tt.url, err)
			}
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("candidates(%s) (-want +got):\n%s", tt.url, diff)
		}
	}
}

func TestImgur_RemovedPlaceholderIsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gone1.jpg", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/removed.png", http.StatusFound)
	})
	mux.HandleFunc("/removed.png", serveBytes("image/png", bytes.Repeat([]byte("r"), 503)))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	h := imgur{dl: newTestDownloader(srv, 0), base: srv.URL + "/"}
	_, err := h.Fetch(context.Background(), "https://i.imgur.com/gone1.jpg", dir)
	if code, ok := retry.StatusCode(err); !ok || code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	if names := dirEntries(t, dir); len(names) != 0 {
		t.Errorf("placeholder left on disk: %v", names)
	}
}
