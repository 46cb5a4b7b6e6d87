package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	xerrors "PCGS-CoinDB/internal/errors"
)

const certPage = `<html><head><title>PCGS</title></head><body>
<h1> 1921 Morgan Dollar </h1>
<div class="nav-grade-link"></div>
<div class="coin-grade">MS64</div>
<div class="cert-details">Struck at Philadelphia</div>
<table>
  <tr><th>PCGS #:</th><td>7296</td></tr>
  <tr><td>Date, Mintmark</td><td>1921</td></tr>
  <tr><td>Population</td><td>12345</td></tr>
  <tr><td>only one cell</td></tr>
  <tr><td>Empty</td><td>   </td></tr>
</table>
<dl>
  <dt>Holder Type</dt><dd>Gen 6.0</dd>
  <dt>Security</dt><dd>NFC</dd>
</dl>
<img src="https://d1htnxwo4o0jhw.cloudfront.net/cert/123/small/obv.jpg">
<img src="https://d1htnxwo4o0jhw.cloudfront.net/cert/123/large/obv.jpg">
<img src="https://d1htnxwo4o0jhw.cloudfront.net/cert/123/large/rev.png?v=2">
<img src="/logo.svg" alt="logo">
</body></html>`

func TestExtractPicksFieldsAndImages(t *testing.T) {
	payload, err := Extract("12345678", "https://www.pcgs.com/cert/12345678", certPage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	expect := map[string]string{
		"cert_number":    "12345678",
		"title":          "1921 Morgan Dollar",
		"grade":          "MS64",
		"pcgs_#":         "7296",
		"date,_mintmark": "1921",
		"population":     "12345",
		"holder_type":    "Gen 6.0",
		"security":       "NFC",
	}
	for key, want := range expect {
		if got := payload.String(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if _, ok := payload["empty"]; ok {
		t.Errorf("blank values must be skipped")
	}

	details, _ := payload["details"].([]string)
	if len(details) == 0 || details[0] != "Struck at Philadelphia" {
		t.Errorf("unexpected details: %v", details)
	}

	images, _ := payload["image_urls"].([]string)
	want := []string{
		"https://d1htnxwo4o0jhw.cloudfront.net/cert/123/large/obv.jpg",
		"https://d1htnxwo4o0jhw.cloudfront.net/cert/123/large/rev.png?v=2",
	}
	if len(images) != len(want) {
		t.Fatalf("image_urls = %v, want %v", images, want)
	}
	for i := range want {
		if images[i] != want[i] {
			t.Fatalf("image_urls = %v, want %v", images, want)
		}
	}
	if payload["_html_length"] != len(certPage) {
		t.Errorf("unexpected html length: %v", payload["_html_length"])
	}
}

func TestExtractImageFallbacks(t *testing.T) {
	t.Run("raw html", func(t *testing.T) {
		html := `<html><body><script>var u = "https://d1htnxwo4o0jhw.cloudfront.net/cert/99/large/a.jpg";</script></body></html>`
		payload, err := Extract("99", "u", html)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if got := payload.First("image_urls"); got != "https://d1htnxwo4o0jhw.cloudfront.net/cert/99/large/a.jpg" {
			t.Fatalf("unexpected image: %q", got)
		}
	})

	t.Run("coin heuristic", func(t *testing.T) {
		html := `<html><body>
<img src="//cdn.example.com/Coin-front.jpg">
<img src="/images/777-back.jpg">
<img src="/img/x.jpg" alt="A coin">
<img src="/img/banner.jpg">
</body></html>`
		payload, err := Extract("777", "u", html)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		images, _ := payload["image_urls"].([]string)
		want := []string{
			"https://cdn.example.com/Coin-front.jpg",
			"https://www.pcgs.com/images/777-back.jpg",
			"https://www.pcgs.com/img/x.jpg",
		}
		if len(images) != len(want) {
			t.Fatalf("image_urls = %v, want %v", images, want)
		}
		for i := range want {
			if images[i] != want[i] {
				t.Fatalf("image_urls = %v, want %v", images, want)
			}
		}
	})

	t.Run("no images", func(t *testing.T) {
		payload, err := Extract("1", "u", `<html><body><p>nothing</p></body></html>`)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if _, ok := payload["image_urls"]; ok {
			t.Fatalf("image_urls should be absent: %v", payload["image_urls"])
		}
	})
}

func TestImageDownloaderSkipsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != imageReferer {
			t.Errorf("missing referer header")
		}
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("img:" + r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewImageDownloader(dir, DefaultUserAgent, srv.Client())
	saved := d.DownloadAll(context.Background(), "42", []string{
		srv.URL + "/front.png?size=large",
		srv.URL + "/missing.jpg",
		srv.URL + "/back",
	})

	want := []string{"data/images/42_1.png", "data/images/42_3.jpg"}
	if len(saved) != len(want) || saved[0] != want[0] || saved[1] != want[1] {
		t.Fatalf("saved = %v, want %v", saved, want)
	}
	data, err := os.ReadFile(filepath.Join(dir, "42_1.png"))
	if err != nil || string(data) != "img:/front.png" {
		t.Fatalf("unexpected file content: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "42_2.jpg")); !os.IsNotExist(err) {
		t.Fatalf("failed download must not leave a file: %v", err)
	}
}

type staticLoader struct {
	html string
	err  error
	url  string
}

func (l *staticLoader) Load(_ context.Context, url string) (string, error) {
	l.url = url
	return l.html, l.err
}

func TestFetcherComposesLoaderAndDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	page := `<html><body><img src="` + srv.URL + `/cert/5/coin.jpg"></body></html>`
	loader := &staticLoader{html: page}
	dir := t.TempDir()
	f := NewFetcher(loader, Options{BaseURL: "https://www.pcgs.com/cert/", DownloadImages: true, ImagesDir: dir})

	payload, err := f.Fetch(context.Background(), " 5 ")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if loader.url != "https://www.pcgs.com/cert/5" {
		t.Fatalf("unexpected url: %s", loader.url)
	}
	if got := payload.First("saved_images"); got != "data/images/5_1.jpg" {
		t.Fatalf("unexpected saved images: %v", payload["saved_images"])
	}
}

func TestFetcherPropagatesLoadError(t *testing.T) {
	loadErr := xerrors.New(xerrors.CodeFetchFailure, "页面加载失败")
	f := NewFetcher(&staticLoader{err: loadErr}, Options{BaseURL: "x/"})
	_, err := f.Fetch(context.Background(), "1")
	if !errors.Is(err, loadErr) || xerrors.CodeOf(err) != xerrors.CodeFetchFailure {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.Fetch(context.Background(), "  "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestImageDownloaderRejectsUnsafeCertAndOversizedImages(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/big.jpg" {
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	root := t.TempDir()
	dir := filepath.Join(root, "images")
	d := NewImageDownloader(dir, DefaultUserAgent, srv.Client())
	d.maxBytes = 16

	if saved := d.DownloadAll(context.Background(), "../escape", []string{srv.URL + "/a.jpg"}); len(saved) != 0 {
		t.Fatalf("unsafe cert must not save images: %v", saved)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("unsafe cert must not trigger downloads")
	}
	if _, err := os.Stat(filepath.Join(root, "escape_1.jpg")); !os.IsNotExist(err) {
		t.Fatalf("file written outside images dir: %v", err)
	}

	saved := d.DownloadAll(context.Background(), "7", []string{srv.URL + "/big.jpg", srv.URL + "/small.jpg"})
	if len(saved) != 1 || saved[0] != "data/images/7_2.jpg" {
		t.Fatalf("oversized image should be skipped: %v", saved)
	}
	if _, err := os.Stat(filepath.Join(dir, "7_1.jpg")); !os.IsNotExist(err) {
		t.Fatalf("oversized image must not be written: %v", err)
	}
}

func TestFetcherRejectsUnsafeCertNumbers(t *testing.T) {
	loader := &staticLoader{html: "<html></html>"}
	f := NewFetcher(loader, Options{BaseURL: "https://www.pcgs.com/cert/"})
	for _, cert := range []string{"../etc/passwd", "12 34", "a/b", "1?x=2"} {
		if _, err := f.Fetch(context.Background(), cert); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("cert %q: expected invalid argument, got %v", cert, err)
		}
	}
	if loader.url != "" {
		t.Fatalf("loader must not be called, got %s", loader.url)
	}
	if !ValidCertNumber("AB-12345") {
		t.Fatalf("letters, digits and hyphens should be accepted")
	}
}
