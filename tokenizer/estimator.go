package tokenizer

import (
	"unicode/utf8"

	"github.com/BaSui01/streamflow/types"
)

// 经验密度: CJK 约 1.5 字符/token, 其余按 4 字符/token。
// 消息开销对应角色标记与分隔符。
const (
	cjkCharsPerToken     = 1.5
	plainCharsPerToken   = 4.0
	messageOverhead      = 4
	conversationOverhead = 3
)

// Estimator 是模型未注册分词器时的启发式回退, 只做会话用量估算,
// 区分 CJK 与其余字符, 比单纯 len/4 更接近真实值。
type Estimator struct{}

// NewEstimator 创建通用估算器。
func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	rest := utf8.RuneCountInString(text) - cjk

	estimated := int(float64(cjk)/cjkCharsPerToken + float64(rest)/plainCharsPerToken)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *Estimator) CountMessages(messages []types.Message) (int, error) {
	total := conversationOverhead
	for _, msg := range messages {
		tokens, err := e.CountTokens(msg.Content)
		if err != nil {
			return 0, err
		}
		total += tokens + messageOverhead
	}
	return total, nil
}

func (e *Estimator) Name() string { return "estimator" }

// isCJK 判断是否属于 CJK 区段（含标点与全角形式）。
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
