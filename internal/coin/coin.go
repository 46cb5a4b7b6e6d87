package coin

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "PCGS-CoinDB/internal/errors"
)

// Payload 是抓取协作方返回的开放字段集合，键名沿用页面上的标签。
type Payload map[string]any

// CertNumber 返回去除空白后的证书号。
func (p Payload) CertNumber() string {
	return p.String("cert_number")
}

// String 以字符串形式读取字段，缺失或为空时返回空串。
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// First 返回列表字段的第一个元素。
func (p Payload) First(key string) string {
	switch list := p[key].(type) {
	case []string:
		if len(list) > 0 {
			return list[0]
		}
	case []any:
		if len(list) > 0 && list[0] != nil {
			return fmt.Sprint(list[0])
		}
	}
	return ""
}

// Record 是 coins 表中的一行。
type Record struct {
	ID              int64     `json:"id"`
	CertNumber      string    `json:"cert_number"`
	PCGSNumber      string    `json:"pcgs_number"`
	Grade           string    `json:"grade"`
	DateMintmark    string    `json:"date_mintmark"`
	Denomination    string    `json:"denomination"`
	PriceGuideValue string    `json:"price_guide_value"`
	Population      string    `json:"population"`
	PopHigher       string    `json:"pop_higher"`
	Mintage         string    `json:"mintage"`
	Region          string    `json:"region"`
	HolderType      string    `json:"holder_type"`
	Security        string    `json:"security"`
	ImageURL        string    `json:"image_url"`
	LocalImagePath  string    `json:"local_image_path"`
	RawData         string    `json:"raw_data"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RecordFromPayload 把抓取结果映射为表字段，raw_data 保存完整的 JSON 快照。
func RecordFromPayload(p Payload) (*Record, error) {
	cert := p.CertNumber()
	if cert == "" {
		return nil, xerrors.New(CodeCoinValidation, "证书号不能为空")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Wrap(CodeCoinValidation, err, "序列化抓取结果失败")
	}
	return &Record{
		CertNumber:      cert,
		PCGSNumber:      p.String("pcgs_#"),
		Grade:           p.String("grade"),
		DateMintmark:    p.String("date,_mintmark"),
		Denomination:    p.String("denomination"),
		PriceGuideValue: p.String("price_guide_value"),
		Population:      p.String("population"),
		PopHigher:       p.String("pop_higher"),
		Mintage:         p.String("mintage"),
		Region:          p.String("region"),
		HolderType:      p.String("holder_type"),
		Security:        p.String("security"),
		ImageURL:        p.First("image_urls"),
		LocalImagePath:  p.First("saved_images"),
		RawData:         string(raw),
	}, nil
}

// Clone 返回记录的副本。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

var (
	// ErrCoinNotFound 表示指定证书号没有记录。
	ErrCoinNotFound = xerrors.New(CodeCoinNotFound, "Coin not found")
)

const (
	CodeCoinNotFound   xerrors.Code = "COIN_NOT_FOUND"
	CodeCoinValidation xerrors.Code = "COIN_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeCoinNotFound, xerrors.Attributes{
		Message:  "coin not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCoinValidation, xerrors.Attributes{
		Message:  "coin validation failed",
		Severity: xerrors.SeverityInfo,
	})
}
