package service

import (
	"errors"
	"strings"
	"testing"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/typeddata"
)

func TestContentGuard(t *testing.T) {
	g := NewContentGuard(10, []string{" Spam ", ""})

	tests := []struct {
		name string
		op   typeddata.Operation
		ok   bool
	}{
		{"short comment", &typeddata.AddComment{Content: "hello"}, true},
		{"multibyte within limit", &typeddata.AddComment{Content: strings.Repeat("评", 10)}, true},
		{"too long", &typeddata.AddComment{Content: strings.Repeat("a", 11)}, false},
		{"deny word any case", &typeddata.EditComment{Content: "buy SPAM"}, false},
		{"delete has no text", &typeddata.DeleteComment{}, true},
		{"approval has no text", &typeddata.AddApproval{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(tt.op)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if errcode.KindOf(err) != errcode.KindValidation {
				t.Fatalf("kind = %s, err = %v", errcode.KindOf(err), err)
			}
		})
	}

	if err := g.Check(&typeddata.AddComment{Content: "spam"}); !errors.Is(err, ErrContentRejected) {
		t.Fatalf("deny word error = %v", err)
	}
}

func TestContentGuardUnlimited(t *testing.T) {
	g := NewContentGuard(0, nil)
	if err := g.Check(&typeddata.AddComment{Content: strings.Repeat("x", 100000)}); err != nil {
		t.Fatal(err)
	}
}
