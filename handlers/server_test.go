package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CrowderSoup/taskboard/database"
	"github.com/CrowderSoup/taskboard/services"
)

var (
	alice = services.Principal{UserID: "u-alice", Email: "alice@example.com", Name: "Alice"}
	bob   = services.Principal{UserID: "u-bob", Email: "bob@example.com", Name: "Bob"}
	carol = services.Principal{UserID: "u-carol", Email: "carol@example.com", Name: "Carol"}
)

type testServer struct {
	srv    *httptest.Server
	auth   *services.AuthService
	boards *services.BoardService
	hub    *services.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := database.NewMemoryStore()
	engine := services.NewEngine(repo, services.EngineOptions{RetryDelay: time.Millisecond})
	hub := services.NewHub(nil)
	repair := services.NewRepairer(repo, engine, nil)
	boards := services.NewBoardService(repo, engine, hub, repair, nil)
	auth := services.NewAuthService("test-secret", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := NewRouter(Deps{
		Auth:    auth,
		Boards:  boards,
		Hub:     hub,
		Origins: []string{"*"},
		Checks:  map[string]Pinger{"database": repo},
	})
	srv := httptest.NewServer(router)
	// Cleanups run in reverse: stop the hub first so sessions close.
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	return &testServer{srv: srv, auth: auth, boards: boards, hub: hub}
}

func (ts *testServer) token(t *testing.T, p services.Principal) string {
	t.Helper()
	token, err := ts.auth.CreateJWT(p)
	require.NoError(t, err)
	return token
}

func (ts *testServer) call(t *testing.T, p *services.Principal, method, path string, body any) *http.Response {
	t.Helper()
	return ts.callWith(t, p, method, path, body, nil)
}

// callWith sends body as JSON; a string body is sent verbatim.
func (ts *testServer) callWith(t *testing.T, p *services.Principal, method, path string, body any, header http.Header) *http.Response {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	for key, values := range header {
		req.Header[key] = values
	}
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, *p))
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type errorBody struct {
	Code    string            `json:"code"`
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

func requireError(t *testing.T, resp *http.Response, status int, code string) errorBody {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decode[errorBody](t, resp)
	require.Equal(t, code, body.Code)
	require.NotEmpty(t, body.Error)
	return body
}

// createBoard makes a board owned by p and returns it with its seeded
// columns in order.
func (ts *testServer) createBoard(t *testing.T, p services.Principal, name string) (database.Board, []string) {
	t.Helper()
	resp := ts.call(t, &p, http.MethodPost, "/api/boards", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	board := decode[database.Board](t, resp)
	require.Len(t, board.Columns, 3)
	return board, board.Columns
}

func (ts *testServer) createCard(t *testing.T, p services.Principal, columnID, title string) database.Card {
	t.Helper()
	resp := ts.call(t, &p, http.MethodPost, "/api/cards/"+columnID, map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[database.Card](t, resp)
}

// addMember makes sure the user exists, then adds them to the board.
func (ts *testServer) addMember(t *testing.T, owner services.Principal, boardID string, member services.Principal) {
	t.Helper()
	resp := ts.call(t, &member, http.MethodGet, "/api/users/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.call(t, &owner, http.MethodPost, "/api/boards/"+boardID+"/members", map[string]string{"email": member.Email})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}
