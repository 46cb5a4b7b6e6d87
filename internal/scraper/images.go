package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	xerrors "PCGS-CoinDB/internal/errors"
	"PCGS-CoinDB/pkg/logger"
)

const (
	defaultImageTimeout = 30 * time.Second
	imageReferer        = "https://www.pcgs.com/"

	// maxImageBytes 是单张图片的大小上限。
	maxImageBytes = 20 << 20

	// PublicImagePrefix 是下载图片对外暴露的相对路径前缀，与 HTTP 静态目录一致。
	PublicImagePrefix = "data/images"
)

// ImageDownloader 把证书图片保存到本地目录。
type ImageDownloader struct {
	client    *http.Client
	dir       string
	userAgent string
	maxBytes  int64
}

// NewImageDownloader 创建下载器。client 为 nil 时使用 30 秒超时的默认客户端。
func NewImageDownloader(dir, userAgent string, client *http.Client) *ImageDownloader {
	if client == nil {
		client = &http.Client{Timeout: defaultImageTimeout}
	}
	return &ImageDownloader{client: client, dir: dir, userAgent: userAgent, maxBytes: maxImageBytes}
}

// DownloadAll 逐个下载图片，文件名为 <cert>_<序号><扩展名>。
// 单张失败只记录日志，返回成功保存的相对路径。
func (d *ImageDownloader) DownloadAll(ctx context.Context, certNumber string, urls []string) []string {
	log := logger.Named("scraper")
	if !ValidCertNumber(certNumber) {
		log.Error("证书号不合法，跳过图片下载", slog.String("cert_number", certNumber))
		return []string{}
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		log.Error("创建图片目录失败", slog.String("dir", d.dir), slog.Any("error", err))
		return []string{}
	}

	saved := make([]string, 0, len(urls))
	for i, raw := range urls {
		filename := fmt.Sprintf("%s_%d%s", certNumber, i+1, imageExt(raw))
		dest := filepath.Join(d.dir, filename)
		if err := d.download(ctx, raw, dest); err != nil {
			log.Error("下载图片失败",
				slog.String("cert_number", certNumber),
				slog.String("url", raw),
				slog.Any("error", err),
			)
			continue
		}
		log.Info("图片已保存", slog.String("path", dest))
		saved = append(saved, PublicImagePrefix+"/"+filename)
	}
	return saved
}

func (d *ImageDownloader) download(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return xerrors.Wrap(CodeScrapeFailed, err, "构造图片请求失败")
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Referer", imageReferer)

	resp, err := d.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeFetchFailure, err, "请求图片失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeFetchFailure, fmt.Sprintf("图片响应状态异常: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeFetchFailure, err, "读取图片内容失败")
	}
	if int64(len(body)) > d.maxBytes {
		return xerrors.New(xerrors.CodeFetchFailure, fmt.Sprintf("图片超过 %d 字节上限", d.maxBytes))
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入图片文件失败")
	}
	return nil
}

// imageExt 取 URL 路径（去掉查询串）的扩展名，缺省为 .jpg。
func imageExt(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	if ext := path.Ext(p); ext != "" {
		return ext
	}
	return ".jpg"
}
