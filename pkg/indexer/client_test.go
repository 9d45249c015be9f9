package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"comments-relay/pkg/errcode"
	"comments-relay/pkg/httpx"
)

func newIndexer(t *testing.T, total int) (*Client, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/comments" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("targetUri") != "https://x/1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		start, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page := Page[Comment]{Pagination: Pagination{Limit: limit}}
		for i := start; i < total && i < start+limit; i++ {
			page.Results = append(page.Results, Comment{ID: common.BigToHash(common.Big1), Content: strconv.Itoa(i)})
		}
		if start+limit < total {
			page.Pagination.HasNext = true
			page.Pagination.EndCursor = strconv.Itoa(start + limit)
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(srv.Close)
	return NewClient(httpx.NewClient(srv.URL, "", time.Second), 2), &calls
}

func TestWalkFollowsCursor(t *testing.T) {
	c, calls := newIndexer(t, 5)
	var got []string
	err := c.Walk(context.Background(), Query{TargetURI: "https://x/1"}, 0, func(items []Comment) bool {
		for _, it := range items {
			got = append(got, it.Content)
		}
		return true
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(got) != 5 || got[0] != "0" || got[4] != "4" {
		t.Fatalf("walked %v", got)
	}
	if *calls != 3 {
		t.Fatalf("calls = %d, want 3", *calls)
	}
}

func TestWalkMaxPages(t *testing.T) {
	c, calls := newIndexer(t, 10)
	n := 0
	_ = c.Walk(context.Background(), Query{TargetURI: "https://x/1"}, 2, func(items []Comment) bool {
		n += len(items)
		return true
	})
	if n != 4 || *calls != 2 {
		t.Fatalf("items = %d calls = %d, want 4/2", n, *calls)
	}
}

func TestCommentNotFound(t *testing.T) {
	c, _ := newIndexer(t, 0)
	_, err := c.Comment(context.Background(), common.HexToHash("0x1"))
	if errcode.CodeOf(err) != "not_found" {
		t.Fatalf("Comment() err = %v, want not_found", err)
	}
}
