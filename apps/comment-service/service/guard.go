package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

// ContentGuard 联署前的内容检查。只检查可读文本，签名与授权由协议层负责
type ContentGuard interface {
	Check(op typeddata.Operation) error
}

// ErrContentRejected 内容未通过检查
var ErrContentRejected = errcode.New(errcode.KindValidation, "content_rejected", "content rejected by policy")

// wordGuard 长度上限 + 屏蔽词
type wordGuard struct {
	maxLength int
	denyWords []string
}

// NewContentGuard maxLength<=0 不限长度；屏蔽词大小写不敏感
func NewContentGuard(maxLength int, denyWords []string) ContentGuard {
	words := make([]string, 0, len(denyWords))
	for _, w := range denyWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return &wordGuard{maxLength: maxLength, denyWords: words}
}

func (g *wordGuard) Check(op typeddata.Operation) error {
	var content string
	switch o := op.(type) {
	case *typeddata.AddComment:
		content = o.Content
	case *typeddata.EditComment:
		content = o.Content
	default:
		return nil
	}
	if g.maxLength > 0 && utf8.RuneCountInString(content) > g.maxLength {
		return errcode.Wrap(errcode.KindValidation, "content_rejected", "content rejected by policy",
			fmt.Errorf("content exceeds %d characters", g.maxLength))
	}
	lower := strings.ToLower(content)
	for _, w := range g.denyWords {
		if strings.Contains(lower, w) {
			return ErrContentRejected
		}
	}
	return nil
}
