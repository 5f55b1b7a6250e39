package signature

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"tracediff/internal/config"
	"tracediff/internal/errors"
	"tracediff/internal/retry"
)

// SelectorLength 函数选择器字节数
const SelectorLength = 4

// commonMethods 常见方法签名，API不可用时使用
var commonMethods = map[string]string{
	"0xa9059cbb": "transfer(address,uint256)",
	"0x095ea7b3": "approve(address,uint256)",
	"0x23b872dd": "transferFrom(address,address,uint256)",
	"0x70a08231": "balanceOf(address)",
	"0xdd62ed3e": "allowance(address,address)",
	"0x06fdde03": "name()",
	"0x95d89b41": "symbol()",
	"0x313ce567": "decimals()",
	"0x18160ddd": "totalSupply()",
	"0x40c10f19": "mint(address,uint256)",
	"0x42966c68": "burn(uint256)",
	"0x8da5cb5b": "owner()",
	"0xf2fde38b": "transferOwnership(address)",
	"0xd0e30db0": "deposit()",
	"0x2e1a7d4d": "withdraw(uint256)",
	"0x022c0d9f": "swap(uint256,uint256,address,bytes)",
	"0x0902f1ac": "getReserves()",
	"0x38ed1739": "swapExactTokensForTokens(uint256,uint256,address[],address,uint256)",
	"0x7ff36ab5": "swapExactETHForTokens(uint256,address[],address,uint256)",
	"0x18cbafe5": "swapExactTokensForETH(uint256,uint256,address[],address,uint256)",
	"0xe8e33700": "addLiquidity(address,address,uint256,uint256,uint256,uint256,address,uint256)",
	"0x3593564c": "execute(bytes,bytes[],uint256)",
}

// lookupRetryConfig 选择器查询的重试配置
var lookupRetryConfig = &retry.RetryConfig{
	MaxAttempts:     3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	BackoffFactor:   2.0,
	Jitter:          0.1,
}

// fourByteResponse 4byte.directory API响应
type fourByteResponse struct {
	Count   int `json:"count"`
	Results []struct {
		ID            int    `json:"id"`
		TextSignature string `json:"text_signature"`
		HexSignature  string `json:"hex_signature"`
	} `json:"results"`
}

// Lookup 函数选择器到文本签名的查询
type Lookup struct {
	logger  *logrus.Logger
	config  *config.SignatureConfig
	client  *http.Client
	cache   *lru.Cache[string, string]
	retrier *retry.Retrier
}

// NewLookup 创建查询器，config为nil时只使用内置表
func NewLookup(cfg *config.SignatureConfig, logger *logrus.Logger) (*Lookup, error) {
	if cfg == nil {
		cfg = config.GetDefaultConfig().Signature
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	timeout, err := time.ParseDuration(cfg.APITimeout)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityHigh,
			errors.CodeConfig, "无效的API超时时间")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfig, errors.SeverityHigh,
			errors.CodeConfig, "创建签名缓存失败")
	}

	return &Lookup{
		logger:  logger,
		config:  cfg,
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
		retrier: retry.NewRetrier(lookupRetryConfig, logger),
	}, nil
}

// Selector 提取调用数据的函数选择器，不足4字节时返回false
func Selector(input []byte) (string, bool) {
	if len(input) < SelectorLength {
		return "", false
	}
	return "0x" + hex.EncodeToString(input[:SelectorLength]), true
}

// LookupByHex 查询选择器对应的文本签名，顺序为缓存、API、内置表
func (l *Lookup) LookupByHex(ctx context.Context, selector string) (string, bool) {
	selector = normalize(selector)
	if selector == "" {
		return "", false
	}

	if name, ok := l.cache.Get(selector); ok {
		return name, true
	}

	if l.config.EnableAPI {
		name, err := retry.ExecuteWithResult(ctx, l.retrier, "4byte查询", func() (string, error) {
			return l.fetchFromFourByteDirectory(ctx, selector)
		})
		if err != nil {
			l.logger.WithError(err).WithField("selector", selector).Debug("4byte.directory查询失败")
		} else if name != "" {
			l.cache.Add(selector, name)
			return name, true
		}
	}

	if name, ok := commonMethods[selector]; ok {
		l.cache.Add(selector, name)
		return name, true
	}
	return "", false
}

// Describe 调用数据的可读描述，无法识别时返回选择器本身
func (l *Lookup) Describe(ctx context.Context, input []byte) string {
	selector, ok := Selector(input)
	if !ok {
		return ""
	}
	if name, found := l.LookupByHex(ctx, selector); found {
		return name
	}
	return selector
}

// CacheLen 缓存中的条目数
func (l *Lookup) CacheLen() int {
	return l.cache.Len()
}

// ClearCache 清理缓存
func (l *Lookup) ClearCache() {
	l.cache.Purge()
}

func (l *Lookup) fetchFromFourByteDirectory(ctx context.Context, selector string) (string, error) {
	url := fmt.Sprintf("%s?hex_signature=%s", l.config.FourByteAPIURL, selector)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", retry.NewRetryableError(err, false)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", retry.NewRetryableError(err, true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return "", retry.NewRetryableError(fmt.Errorf("4byte.directory返回状态 %d", resp.StatusCode), true)
	case resp.StatusCode != http.StatusOK:
		return "", retry.NewRetryableError(fmt.Errorf("4byte.directory返回状态 %d", resp.StatusCode), false)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retry.NewRetryableError(err, true)
	}

	var response fourByteResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", retry.NewRetryableError(err, false)
	}
	if len(response.Results) == 0 {
		return "", nil
	}
	// 同一选择器可能有多个碰撞签名，取最早登记的
	best := response.Results[0]
	for _, r := range response.Results[1:] {
		if r.ID < best.ID {
			best = r
		}
	}
	return best.TextSignature, nil
}

func normalize(selector string) string {
	selector = strings.ToLower(strings.TrimSpace(selector))
	selector = strings.TrimPrefix(selector, "0x")
	if len(selector) != SelectorLength*2 {
		return ""
	}
	if _, err := hex.DecodeString(selector); err != nil {
		return ""
	}
	return "0x" + selector
}
