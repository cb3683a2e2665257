package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recorded{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "tok"), &calls
}

func TestListChatsSendsPagingAndAuth(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1@c.us","name":"Ann"},{"id":{"_serialized":"2@c.us"},"name":"Bob"}]`))
	})

	chats, err := c.ListChats(context.Background(), 50, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[1].ID != "2@c.us" {
		t.Fatalf("chats = %+v", chats)
	}
	got := (*calls)[0]
	if got.Method != http.MethodGet || got.Path != "/chats" {
		t.Errorf("request = %s %s", got.Method, got.Path)
	}
	if got.Query != "limit=50&offset=100" {
		t.Errorf("query = %q", got.Query)
	}
	if got.Auth != "Bearer tok" {
		t.Errorf("auth = %q", got.Auth)
	}
}

func TestListGroupsUnwrapsDataEnvelope(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"9@g.us","subject":"Team"}]}`))
	})
	groups, err := c.ListGroups(context.Background(), 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || !groups[0].IsGroup || groups[0].Subject != "Team" {
		t.Errorf("groups = %+v", groups)
	}
}

func TestNonSuccessReturnsFetchError(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err := c.ListMessages(context.Background(), "1@c.us")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	if fe.StatusCode != http.StatusBadGateway || fe.Method != http.MethodGet {
		t.Errorf("fetch error = %+v", fe)
	}
	if fe.Path != "/chats/1@c.us/messages" {
		t.Errorf("path = %q", fe.Path)
	}
}

func TestSendTextPostsBodyAndReturnsID(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":{"_serialized":"true_1@c.us_ABC"}}`))
	})
	id, err := c.SendText(context.Background(), "1@c.us", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != "true_1@c.us_ABC" {
		t.Errorf("id = %q", id)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte((*calls)[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["text"] != "hello" {
		t.Errorf("body = %v", body)
	}
}

func TestChoreographyEndpoints(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()
	if err := c.MarkSeen(ctx, "1@c.us"); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTyping(ctx, "1@c.us"); err != nil {
		t.Fatal(err)
	}
	if err := c.StopTyping(ctx, "1@c.us"); err != nil {
		t.Fatal(err)
	}
	want := []string{"/chats/1@c.us/seen", "/chats/1@c.us/typing/start", "/chats/1@c.us/typing/stop"}
	for i, w := range want {
		if (*calls)[i].Method != http.MethodPost || (*calls)[i].Path != w {
			t.Errorf("call %d = %s %s, want POST %s", i, (*calls)[i].Method, (*calls)[i].Path, w)
		}
	}
}

func TestProfilePicture(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"profilePictureUrl":"https://img/1.jpg"}`))
	})
	u, err := c.ProfilePicture(context.Background(), "1@c.us")
	if err != nil {
		t.Fatal(err)
	}
	if u != "https://img/1.jpg" {
		t.Errorf("url = %q", u)
	}
}
