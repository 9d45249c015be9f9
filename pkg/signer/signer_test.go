package signer

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/httpx"
	"comments-relay/pkg/typeddata"
)

const (
	appKeyHex    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	authorKeyHex = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

var testNow = time.Unix(1_700_000_000, 0)

func mustSigner(t *testing.T, hexKey string) *KeySigner {
	t.Helper()
	s, err := NewKeySignerFromHex(hexKey)
	if err != nil {
		t.Fatalf("NewKeySignerFromHex() error = %v", err)
	}
	return s
}

func buildMessage(t *testing.T, author, app common.Address, metadata []typeddata.MetadataEntry) *typeddata.Message {
	t.Helper()
	b := typeddata.NewBuilder(typeddata.NewDomain(31337, common.HexToAddress("0xc0ffee")))
	msg, err := b.Build(&typeddata.AddComment{
		Header: typeddata.Header{
			Author:   author,
			App:      app,
			Nonce:    big.NewInt(0),
			Deadline: big.NewInt(testNow.Add(time.Hour).Unix()),
		},
		Content:   "gm",
		TargetURI: "https://example.com",
		Metadata:  metadata,
	}, testNow)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return msg
}

func TestSignAndVerify(t *testing.T) {
	app := mustSigner(t, appKeyHex)
	author := mustSigner(t, authorKeyHex)
	msg := buildMessage(t, author.Address(), app.Address(), nil)

	sig, err := app.Sign(context.Background(), msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != 65 || sig[64] < 27 {
		t.Fatalf("signature = %x, want 65 bytes with v in {27,28}", sig)
	}
	ok, err := Verify(msg, sig, app.Address())
	if err != nil || !ok {
		t.Fatalf("Verify() = %v, %v; want true, nil", ok, err)
	}
	ok, err = Verify(msg, sig, author.Address())
	if err != nil || ok {
		t.Fatalf("Verify() against other signer = %v, %v; want false, nil", ok, err)
	}

	// 0/1 形式的 v 也能恢复
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	if addr, err := Recover(msg.Digest, raw); err != nil || addr != app.Address() {
		t.Fatalf("Recover() = %s, %v", addr.Hex(), err)
	}
}

func TestVerifyDetectsSingleMetadataChange(t *testing.T) {
	app := mustSigner(t, appKeyHex)
	author := mustSigner(t, authorKeyHex)
	signed := buildMessage(t, author.Address(), app.Address(), []typeddata.MetadataEntry{{Key: "string tag", Value: []byte("a")}})
	sig, err := author.Sign(context.Background(), signed)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	altered := buildMessage(t, author.Address(), app.Address(), []typeddata.MetadataEntry{{Key: "string tag", Value: []byte("b")}})
	ok, err := Verify(altered, sig, author.Address())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ok {
		t.Fatal("signature verified against a message with different metadata")
	}
	if err := RequireValid(altered, sig, author.Address()); !IsMismatch(err) {
		t.Fatalf("RequireValid() = %v, want signature mismatch", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	app := mustSigner(t, appKeyHex)
	msg := buildMessage(t, common.HexToAddress("0xa11ce"), app.Address(), nil)
	sig, _ := app.Sign(context.Background(), msg)

	tampered := *msg
	tampered.Digest = common.HexToHash("0x1234")
	_, err := Verify(&tampered, sig, app.Address())
	if err != ErrMalformedMessage {
		t.Fatalf("Verify(tampered digest) = %v, want ErrMalformedMessage", err)
	}
	if IsMismatch(err) {
		t.Fatal("malformed message reported as mismatch")
	}

	_, err = Verify(msg, sig[:64], app.Address())
	if !errcode.IsKind(err, errcode.KindSignature) {
		t.Fatalf("Verify(short sig) kind = %s, want signature", errcode.KindOf(err))
	}
}

type wrongSigner struct {
	*KeySigner
	claimed common.Address
}

func (w wrongSigner) Address() common.Address { return w.claimed }

func TestAuthorityRejectsInvalidSignerOutput(t *testing.T) {
	app := mustSigner(t, appKeyHex)
	author := mustSigner(t, authorKeyHex)
	a := NewAuthority(app)
	msg := buildMessage(t, author.Address(), app.Address(), nil)

	if _, err := a.Sign(context.Background(), msg, RoleAuthor); !errcode.IsKind(err, errcode.KindAuthorization) {
		t.Fatalf("Sign() without author = %v, want authorization error", err)
	}

	a.Register(RoleAuthor, wrongSigner{KeySigner: app, claimed: author.Address()})
	if _, err := a.Sign(context.Background(), msg, RoleAuthor); !errcode.IsKind(err, errcode.KindSignature) {
		t.Fatalf("Sign() with wrong key = %v, want signature error", err)
	}

	a.Register(RoleAuthor, author)
	sig, err := a.Sign(context.Background(), msg, RoleAuthor)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := RequireValid(msg, sig, author.Address()); err != nil {
		t.Fatalf("RequireValid() = %v", err)
	}
}

func TestRemoteSigner(t *testing.T) {
	app := mustSigner(t, appKeyHex)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != CosignPath {
			http.NotFound(w, r)
			return
		}
		var req CosignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		msg, err := typeddata.Hash(req.TypedData)
		if err != nil || msg.Digest != req.Digest {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(httpx.Response{Code: 400, Kind: string(errcode.KindValidation), Message: "bad digest"})
			return
		}
		sig, _ := app.Sign(r.Context(), msg)
		_ = json.NewEncoder(w).Encode(httpx.Response{Code: 0, Data: CosignResponse{Signature: sig, Signer: app.Address(), Digest: msg.Digest}})
	}))
	defer srv.Close()

	remote := NewRemoteSigner(httpx.NewClient(srv.URL, "", time.Second), app.Address())
	msg := buildMessage(t, common.HexToAddress("0xa11ce"), app.Address(), nil)
	sig, err := NewAuthority(remote).Sign(context.Background(), msg, RoleApp)
	if err != nil {
		t.Fatalf("remote Sign() error = %v", err)
	}
	if ok, _ := Verify(msg, sig, app.Address()); !ok {
		t.Fatal("remote signature does not verify")
	}

	bad := *msg
	bad.Digest = common.HexToHash("0x99")
	if _, err := remote.Sign(context.Background(), &bad); !errcode.IsKind(err, errcode.KindValidation) {
		t.Fatalf("remote Sign(bad digest) = %v, want validation error", err)
	}
}

func TestKeySignerAddress(t *testing.T) {
	key, _ := crypto.HexToECDSA(appKeyHex)
	if got, want := NewKeySigner(key).Address(), crypto.PubkeyToAddress(key.PublicKey); got != want {
		t.Fatalf("Address() = %s, want %s", got.Hex(), want.Hex())
	}
}
