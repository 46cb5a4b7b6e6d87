// Package scraper 负责抓取 PCGS 证书页面：无头浏览器加载、HTML 字段提取与图片下载。
package scraper

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"PCGS-CoinDB/internal/coin"
	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/pkg/logger"
)

// CodeScrapeFailed 表示页面抓取或解析失败。
const CodeScrapeFailed xerrors.Code = "SCRAPE_FAILED"

func init() {
	xerrors.Register(CodeScrapeFailed, xerrors.Attributes{
		Message:   "scrape failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// certPattern 限定证书号字符，证书号会拼进 URL 与图片文件名。
var certPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidCertNumber 报告 cert 是否只包含字母、数字与连字符。
func ValidCertNumber(cert string) bool {
	return certPattern.MatchString(cert)
}

// DefaultUserAgent 模拟桌面版 Chrome。
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// PageLoader 加载页面并返回渲染后的 HTML。
type PageLoader interface {
	Load(ctx context.Context, url string) (string, error)
}

// Options 控制抓取行为。
type Options struct {
	BaseURL        string
	Headless       bool
	ChromePath     string
	UserAgent      string
	SettleDelay    time.Duration
	DownloadImages bool
	ImagesDir      string
}

// ChromeLoader 使用 chromedp 启动无头 Chrome 渲染页面，每次加载独立启动浏览器。
type ChromeLoader struct {
	headless    bool
	chromePath  string
	userAgent   string
	settleDelay time.Duration
}

// NewChromeLoader 根据选项构造浏览器加载器。
func NewChromeLoader(opts Options) *ChromeLoader {
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &ChromeLoader{
		headless:    opts.Headless,
		chromePath:  opts.ChromePath,
		userAgent:   ua,
		settleDelay: opts.SettleDelay,
	}
}

// Load 导航到 url，等待页面稳定后读取完整 HTML。
func (l *ChromeLoader) Load(ctx context.Context, url string) (string, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", l.headless),
		chromedp.UserAgent(l.userAgent),
		chromedp.WindowSize(1920, 1080),
	)
	if l.chromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.chromePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(l.settleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "页面加载超时",
				xerrors.WithMetadata("url", url))
		}
		return "", xerrors.Wrap(xerrors.CodeFetchFailure, err, "页面加载失败",
			xerrors.WithMetadata("url", url))
	}
	return html, nil
}

// Fetcher 组合页面加载、字段提取与图片下载，满足调度器的抓取协作方约定。
type Fetcher struct {
	loader  PageLoader
	baseURL string
	images  *ImageDownloader
}

// NewFetcher 构造抓取器。DownloadImages 为 false 时不下载图片。
func NewFetcher(loader PageLoader, opts Options) *Fetcher {
	f := &Fetcher{loader: loader, baseURL: opts.BaseURL}
	if opts.DownloadImages {
		ua := opts.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		f.images = NewImageDownloader(opts.ImagesDir, ua, nil)
	}
	return f
}

// NewBrowserFetcher 构造基于 chromedp 的抓取器。
func NewBrowserFetcher(opts Options) *Fetcher {
	return NewFetcher(NewChromeLoader(opts), opts)
}

// Fetch 抓取单个证书号并返回字段集合。
func (f *Fetcher) Fetch(ctx context.Context, certNumber string) (coin.Payload, error) {
	cert := strings.TrimSpace(certNumber)
	if cert == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "证书号不能为空")
	}
	if !ValidCertNumber(cert) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "证书号只能包含字母、数字与连字符")
	}
	url := f.baseURL + cert
	log := logger.Named("scraper")
	log.Info("开始抓取证书页面", slog.String("cert_number", cert), slog.String("url", url))

	html, err := f.loader.Load(ctx, url)
	if err != nil {
		return nil, err
	}
	payload, err := Extract(cert, url, html)
	if err != nil {
		return nil, err
	}

	if f.images != nil {
		if urls, ok := payload["image_urls"].([]string); ok && len(urls) > 0 {
			payload["saved_images"] = f.images.DownloadAll(ctx, cert, urls)
		}
	}

	log.Info("证书页面抓取完成",
		slog.String("cert_number", cert),
		slog.Int("fields", len(payload)),
		slog.Int("html_length", len(html)),
	)
	return payload, nil
}
