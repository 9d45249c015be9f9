package typeddata

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/errcode"
)

var (
	testAuthor   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	testApp      = common.HexToAddress("0x0000000000000000000000000000000000000a99")
	testContract = common.HexToAddress("0x7975b6ac6c8d4c36cb4ca7a1b6b1b1e0e0e0e0e0")
	testNow      = time.Unix(1_700_000_000, 0)
)

func testBuilder() *Builder {
	return NewBuilder(NewDomain(31337, testContract))
}

func testHeader(nonce int64) Header {
	return Header{
		Author:   testAuthor,
		App:      testApp,
		Nonce:    big.NewInt(nonce),
		Deadline: big.NewInt(testNow.Add(time.Hour).Unix()),
	}
}

func testComment() *AddComment {
	return &AddComment{
		Header:    testHeader(0),
		Content:   "hello world",
		TargetURI: "https://example.com/post/1",
		Metadata: []MetadataEntry{
			{Key: "string title", Value: []byte("first")},
		},
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	b := testBuilder()
	first, err := b.Build(testComment(), testNow)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := NewBuilder(NewDomain(31337, testContract)).Build(testComment(), testNow)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if again.Digest != first.Digest || again.StructHash != first.StructHash {
			t.Fatalf("digest differs on rebuild: %s != %s", again.Digest.Hex(), first.Digest.Hex())
		}
	}
}

func TestDigestCoversEveryField(t *testing.T) {
	b := testBuilder()
	base, err := b.Build(testComment(), testNow)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	mutations := map[string]func(c *AddComment){
		"content":  func(c *AddComment) { c.Content = "hello world!" },
		"target":   func(c *AddComment) { c.TargetURI = "https://example.com/post/2" },
		"nonce":    func(c *AddComment) { c.Nonce = big.NewInt(1) },
		"deadline": func(c *AddComment) { c.Deadline = big.NewInt(c.Deadline.Int64() + 1) },
		"app":      func(c *AddComment) { c.App = common.HexToAddress("0x01") },
		"metaval":  func(c *AddComment) { c.Metadata[0].Value = []byte("second") },
		"metakey":  func(c *AddComment) { c.Metadata[0].Key = "string subject" },
		"metaadd": func(c *AddComment) {
			c.Metadata = append(c.Metadata, MetadataEntry{Key: "bool pinned", Value: []byte{1}})
		},
	}
	for name, mutate := range mutations {
		c := testComment()
		mutate(c)
		msg, err := b.Build(c, testNow)
		if err != nil {
			t.Fatalf("%s: Build() error = %v", name, err)
		}
		if msg.Digest == base.Digest {
			t.Errorf("%s: digest unchanged", name)
		}
	}

	other, err := NewBuilder(NewDomain(1, testContract)).Build(testComment(), testNow)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if other.Digest == base.Digest {
		t.Error("digest unchanged across chain ids")
	}
}

func TestCommentIDMatchesDigest(t *testing.T) {
	b := testBuilder()
	c := testComment()
	msg, err := b.Build(c, testNow)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	id, err := b.CommentID(c)
	if err != nil {
		t.Fatalf("CommentID() error = %v", err)
	}
	if id != msg.Digest {
		t.Fatalf("CommentID = %s, want %s", id.Hex(), msg.Digest.Hex())
	}
}

func TestBuildReportsEveryViolation(t *testing.T) {
	c := &AddComment{
		Header: Header{
			Nonce:    big.NewInt(-1),
			Deadline: big.NewInt(testNow.Add(5 * time.Second).Unix()),
		},
		Content:   "   ",
		TargetURI: "https://example.com",
		ParentID:  common.HexToHash("0x01"),
		Metadata: []MetadataEntry{
			{Key: "", Value: nil},
			{Key: strings.Repeat("k", 33)},
		},
	}
	_, err := testBuilder().Build(c, testNow)
	if !errcode.IsKind(err, errcode.KindValidation) {
		t.Fatalf("kind = %s, want validation", errcode.KindOf(err))
	}
	verr, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("error %v is not a ValidationError", err)
	}
	for _, field := range []string{"author", "app", "nonce", "deadline", "targetUri", "content", "metadata[0].key", "metadata[1].key"} {
		if !verr.Has(field) {
			t.Errorf("missing violation for %q in %v", field, verr)
		}
	}
}

func TestDeadlineWindow(t *testing.T) {
	b := testBuilder()
	cases := []struct {
		name    string
		offset  time.Duration
		wantErr bool
	}{
		{"past", -time.Minute, true},
		{"inside margin", 10 * time.Second, true},
		{"ok", 5 * time.Minute, false},
		{"horizon", DefaultMaxDeadlineHorizon, false},
		{"beyond horizon", DefaultMaxDeadlineHorizon + time.Minute, true},
	}
	for _, tc := range cases {
		c := testComment()
		c.Deadline = big.NewInt(testNow.Add(tc.offset).Unix())
		_, err := b.Build(c, testNow)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestEncodeSkipsDeadlineWindow(t *testing.T) {
	c := testComment()
	c.Deadline = big.NewInt(testNow.Add(-time.Hour).Unix())
	if _, err := testBuilder().Encode(c); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
}

func TestDuplicateMetadataKey(t *testing.T) {
	c := testComment()
	c.Metadata = append(c.Metadata, MetadataEntry{Key: "string title", Value: []byte("again")})
	_, err := testBuilder().Build(c, testNow)
	verr, ok := AsValidationError(err)
	if !ok || !verr.Has("metadata[1].key") {
		t.Fatalf("err = %v, want duplicate key violation", err)
	}
}

func TestOperationKinds(t *testing.T) {
	b := testBuilder()
	id := common.HexToHash("0xabc")
	ops := []Operation{
		&EditComment{Header: testHeader(1), CommentID: id, Content: "edited"},
		&DeleteComment{Header: testHeader(2), CommentID: id},
		&AddApproval{Header: testHeader(3)},
		&RemoveApproval{Header: testHeader(4)},
	}
	seen := make(map[common.Hash]Kind)
	for _, op := range ops {
		msg, err := b.Build(op, testNow)
		if err != nil {
			t.Fatalf("%s: Build() error = %v", op.Kind(), err)
		}
		if msg.TypedData.PrimaryType != string(op.Kind()) {
			t.Errorf("primary type = %s, want %s", msg.TypedData.PrimaryType, op.Kind())
		}
		if prev, dup := seen[msg.Digest]; dup {
			t.Errorf("%s and %s share a digest", prev, op.Kind())
		}
		seen[msg.Digest] = op.Kind()
	}

	approve, _ := b.Build(&AddApproval{Header: testHeader(0)}, testNow)
	revoke, _ := b.Build(&RemoveApproval{Header: testHeader(0)}, testNow)
	if approve.Digest == revoke.Digest {
		t.Error("AddApproval and RemoveApproval with equal fields share a digest")
	}

	_, err := b.Build(&DeleteComment{Header: testHeader(0)}, testNow)
	if verr, ok := AsValidationError(err); !ok || !verr.Has("commentId") {
		t.Errorf("err = %v, want commentId violation", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	b := testBuilder()
	c := testComment()
	msg, err := b.Build(c, testNow)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	op, err := Decode(msg.TypedData)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	again, err := b.Build(op, testNow)
	if err != nil {
		t.Fatalf("rebuild error = %v", err)
	}
	if again.Digest != msg.Digest {
		t.Fatalf("decoded operation hashes to %s, want %s", again.Digest.Hex(), msg.Digest.Hex())
	}
}

func TestWithNonceLeavesOriginal(t *testing.T) {
	c := testComment()
	next := WithNonce(c, big.NewInt(7)).(*AddComment)
	if c.Nonce.Int64() != 0 || next.Nonce.Int64() != 7 {
		t.Fatalf("nonces = %d/%d, want 0/7", c.Nonce, next.Nonce)
	}
	next.Metadata[0].Value[0] = 'X'
	if c.Metadata[0].Value[0] == 'X' {
		t.Fatal("metadata shared between clone and original")
	}
}

func TestPayloadJSON(t *testing.T) {
	b := testBuilder()
	msg, err := b.Build(testComment(), testNow)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	p := &SignedPayload{
		Operation:    testComment(),
		Message:      msg,
		AppSignature: []byte{1, 2, 3},
		Submitter:    SubmitterRelayer,
	}
	if !p.PartiallySigned() {
		t.Fatal("payload without author signature should be partially signed")
	}
	data, err := p.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	var out SignedPayload
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if out.Digest() != msg.Digest || out.Kind() != KindAddComment || out.Submitter != SubmitterRelayer {
		t.Fatalf("decoded payload = %+v", out)
	}
	if _, err := UnmarshalOperation([]byte(`{"kind":"Nope","operation":{}}`)); err == nil {
		t.Fatal("unknown kind accepted")
	}
	var empty SignedPayload
	if err := empty.UnmarshalJSON([]byte(`{`)); err == nil {
		t.Fatal("malformed json accepted")
	}
}
