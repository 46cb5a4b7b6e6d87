package scraper

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"PCGS-CoinDB/internal/coin"
	xerrors "PCGS-CoinDB/internal/errors"
)

const pcgsOrigin = "https://www.pcgs.com"

var (
	gradeSelectors = []string{
		".grade",
		".coin-grade",
		"[class*='grade']",
		".pcgs-grade",
		".certification-grade",
	}
	detailSelectors = []string{
		".coin-details",
		".cert-details",
		".specifications",
		".coin-info",
		"[class*='detail']",
		"[class*='spec']",
	}

	gradePattern      = regexp.MustCompile(`MS|PR|AU|XF|VF|EF|F|VG|G|AG|\d+`)
	cloudfrontPattern = regexp.MustCompile(`https://d1htnxwo4o0jhw\.cloudfront\.net/cert/\d+/large/[^\s"']+`)
)

// Extract 从证书页面 HTML 中提取字段。返回的 Payload 总是包含 cert_number、url 与 _html_length。
func Extract(certNumber, pageURL, html string) (coin.Payload, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, xerrors.Wrap(CodeScrapeFailed, err, "解析页面失败",
			xerrors.WithMetadata("cert_number", certNumber))
	}

	payload := coin.Payload{
		"cert_number": certNumber,
		"url":         pageURL,
	}

	if title := doc.Find("h1").First(); title.Length() > 0 {
		payload["title"] = strings.TrimSpace(title.Text())
	}

	for _, sel := range gradeSelectors {
		elem := doc.Find(sel).First()
		if elem.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(elem.Text())
		if text != "" && gradePattern.MatchString(text) {
			payload["grade"] = text
			break
		}
	}

	var details []string
	for _, sel := range detailSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); text != "" {
				details = append(details, text)
			}
		})
	}
	if len(details) > 0 {
		payload["details"] = details
	}

	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		key := normalizeKey(cells.Eq(0).Text())
		value := strings.TrimSpace(cells.Eq(1).Text())
		if key != "" && value != "" && len(key) < 50 {
			payload[key] = value
		}
	})

	dts := doc.Find("dt")
	dds := doc.Find("dd")
	for i := 0; i < dts.Length() && i < dds.Length(); i++ {
		key := normalizeKey(dts.Eq(i).Text())
		value := strings.TrimSpace(dds.Eq(i).Text())
		if key != "" && value != "" {
			payload[key] = value
		}
	}

	if images := imageURLs(doc, html, certNumber); len(images) > 0 {
		payload["image_urls"] = images
	}

	payload["_html_length"] = len(html)
	return payload, nil
}

// imageURLs 依次尝试 cloudfront 图片标签、原始 HTML 正则与旧版页面的启发式规则。
func imageURLs(doc *goquery.Document, html, certNumber string) []string {
	imgs := doc.Find("img")

	var images []string
	imgs.Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if src != "" && strings.Contains(src, "cloudfront.net/cert/") {
			images = append(images, strings.Replace(src, "/small/", "/large/", 1))
		}
	})

	if len(images) == 0 {
		images = append(images, cloudfrontPattern.FindAllString(html, -1)...)
	}

	if len(images) == 0 {
		imgs.Each(func(_ int, img *goquery.Selection) {
			src := img.AttrOr("src", "")
			alt := img.AttrOr("alt", "")
			if src == "" {
				return
			}
			if !strings.Contains(strings.ToLower(src), "coin") &&
				!strings.Contains(strings.ToLower(alt), "coin") &&
				!strings.Contains(src, certNumber) {
				return
			}
			switch {
			case strings.HasPrefix(src, "//"):
				src = "https:" + src
			case strings.HasPrefix(src, "/"):
				src = pcgsOrigin + src
			}
			images = append(images, src)
		})
	}

	return dedupe(images)
}

func normalizeKey(text string) string {
	key := strings.ToLower(strings.TrimSpace(text))
	key = strings.ReplaceAll(key, " ", "_")
	return strings.ReplaceAll(key, ":", "")
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
