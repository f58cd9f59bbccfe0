package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/api/auth"
	"github.com/good-yellow-bee/cowork/internal/assistant"
	"github.com/good-yellow-bee/cowork/internal/bus"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/room"
	"github.com/good-yellow-bee/cowork/internal/storage"
)

var testSecret = []byte("test-jwt-secret-32-bytes-long!!")

type testEnv struct {
	t        *testing.T
	store    *storage.SQLiteStorage
	rooms    *room.Manager
	pipeline *assistant.Pipeline
	http     *httptest.Server
	jwt      *auth.JWTService
}

// newTestEnv wires a full server around a temp SQLite database. gen answers
// messages starting with "@ai"; nil disables the assistant.
func newTestEnv(t *testing.T, gen assistant.Generator) *testEnv {
	t.Helper()

	store := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, store.Open())
	require.NoError(t, store.Migrate())

	logger := zap.NewNop()
	rooms := room.NewManager(store.Projects(), room.Config{}, logger)
	b := bus.New(store, rooms, logger)

	env := &testEnv{t: t, store: store, rooms: rooms, jwt: auth.NewJWTService(testSecret, time.Hour)}
	if gen != nil {
		env.pipeline = assistant.NewPipeline(gen, assistant.StorageWorkspace(store), b,
			assistant.Config{Provider: assistant.ProviderNone, TriggerPrefix: "@ai", Timeout: 2 * time.Second}, logger)
		b.SetAssistant(env.pipeline)
	}

	srv, err := New(&Config{
		JWTSecret:        testSecret,
		RateLimitPerUser: 10000,
		RateLimitBurst:   10000,
	}, Deps{Storage: store, Rooms: rooms, Bus: b, Generator: gen}, logger)
	require.NoError(t, err)

	env.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		rooms.Close()
		env.http.Close()
		if env.pipeline != nil {
			env.pipeline.Close()
		}
		store.Close()
	})
	return env
}

func (e *testEnv) token(userID string) string {
	e.t.Helper()
	token, err := e.jwt.GenerateToken(models.NewUser(userID, userID+"@example.com", strings.ToUpper(userID)))
	require.NoError(e.t, err)
	return token
}

// do sends a request as userID and decodes the data envelope into out.
func (e *testEnv) do(userID, method, path string, body any, out any, header ...string) int {
	e.t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+"/api/v1"+path, r)
	require.NoError(e.t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(userID))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&envelope))
		require.NoError(e.t, json.Unmarshal(envelope.Data, out))
	}
	return resp.StatusCode
}

func (e *testEnv) createProject(owner, name string, members ...string) string {
	e.t.Helper()
	var p struct {
		ID string `json:"id"`
	}
	require.Equal(e.t, http.StatusCreated, e.do(owner, "POST", "/projects", map[string]string{"name": name}, &p))
	if len(members) > 0 {
		require.Equal(e.t, http.StatusOK, e.do(owner, "POST", "/projects/"+p.ID+"/members",
			map[string]any{"userIds": members}, nil))
	}
	return p.ID
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(userID, projectID string) (*wsClient, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/v1/projects/" + projectID + "/ws?token=" + e.token(userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp, err
	}
	e.t.Cleanup(func() { conn.Close() })
	return &wsClient{t: e.t, conn: conn}, resp, nil
}

func (c *wsClient) send(name string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(room.MustEvent(name, data)))
}

func (c *wsClient) next() room.Event {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev room.Event
	require.NoError(c.t, c.conn.ReadJSON(&ev))
	return ev
}

func (c *wsClient) none() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var ev room.Event
	err := c.conn.ReadJSON(&ev)
	require.Error(c.t, err, "unexpected event %s %s", ev.Name, ev.Data)
}

func TestProjects_CreateAndSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "  Demo App ")

	var list []struct {
		Name string `json:"name"`
	}
	require.Equal(t, http.StatusOK, env.do("u1", "GET", "/projects", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "demo app", list[0].Name)

	require.Equal(t, http.StatusConflict, env.do("u2", "POST", "/projects", map[string]string{"name": "demo app"}, nil))

	var snap bus.SnapshotView
	require.Equal(t, http.StatusOK, env.do("u1", "GET", "/projects/"+id, nil, &snap))
	assert.Equal(t, id, snap.Project.ID)
	assert.Empty(t, snap.FileTree)
	assert.Empty(t, snap.Messages)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, "u1@example.com", snap.Members[0].Email)
}

func TestProjects_NonMemberIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "private")

	assert.Equal(t, http.StatusForbidden, env.do("u2", "GET", "/projects/"+id, nil, nil))
	assert.Equal(t, http.StatusForbidden, env.do("u2", "POST", "/projects/"+id+"/messages", map[string]string{"message": "hi"}, nil))
	assert.Equal(t, http.StatusNotFound, env.do("u1", "GET", "/projects/missing", nil, nil))

	_, resp, err := env.dial("u2", id)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	msgs, err := env.store.Messages().List(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestProjects_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.http.URL + "/api/v1/projects")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProjects_MembersAndDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "team")

	// u2 becomes known to the server by making any authenticated request.
	env.do("u2", "GET", "/projects", nil, nil)

	var members []models.ProjectMember
	require.Equal(t, http.StatusOK, env.do("u1", "POST", "/projects/"+id+"/members",
		map[string]any{"emails": []string{"u2@example.com"}}, &members))
	require.Len(t, members, 2)
	assert.Equal(t, "U2", members[1].Name)

	assert.Equal(t, http.StatusNotFound, env.do("u1", "POST", "/projects/"+id+"/members",
		map[string]any{"emails": []string{"nobody@example.com"}}, nil))

	require.Equal(t, http.StatusNoContent, env.do("u1", "DELETE", "/projects/"+id+"/members/u2", nil, nil))
	assert.Equal(t, http.StatusForbidden, env.do("u2", "GET", "/projects/"+id, nil, nil))

	require.Equal(t, http.StatusNoContent, env.do("u1", "DELETE", "/projects/"+id, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do("u1", "GET", "/projects/"+id, nil, nil))
}

func TestProjects_UpdateDescription(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "described")

	var p struct {
		Description string `json:"description"`
	}
	require.Equal(t, http.StatusOK, env.do("u1", "PUT", "/projects/"+id+"/description",
		map[string]string{"description": " a todo app "}, &p))
	assert.Equal(t, "a todo app", p.Description)
	assert.Equal(t, http.StatusBadRequest, env.do("u1", "PUT", "/projects/"+id+"/description", map[string]any{}, nil))
}

func TestUsers_MeAndLookup(t *testing.T) {
	env := newTestEnv(t, nil)

	var me struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	require.Equal(t, http.StatusOK, env.do("u1", "GET", "/users/me", nil, &me))
	assert.Equal(t, "u1", me.ID)
	assert.Equal(t, "U1", me.Name)

	var found struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusOK, env.do("u2", "GET", "/users?email=u1@example.com", nil, &found))
	assert.Equal(t, "u1", found.ID)
	require.Equal(t, http.StatusOK, env.do("u2", "GET", "/users?email=%20U1@Example.COM", nil, &found))
	assert.Equal(t, "u1", found.ID)

	assert.Equal(t, http.StatusNotFound, env.do("u2", "GET", "/users?email=ghost@example.com", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do("u2", "GET", "/users?email=not-an-email", nil, nil))
}

func TestFileTree_LastWriteWinsAndIfMatch(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "files", "u2")

	treeA := map[string]any{"fileTree": models.FileTree{"a.js": {Contents: "A"}}}
	treeB := map[string]any{"fileTree": models.FileTree{"b.js": {Contents: "B"}}}

	var p struct {
		Version int64 `json:"version"`
	}
	require.Equal(t, http.StatusOK, env.do("u1", "PUT", "/projects/"+id+"/file-tree", treeA, &p))
	assert.Equal(t, int64(1), p.Version)
	require.Equal(t, http.StatusOK, env.do("u2", "PUT", "/projects/"+id+"/file-tree", treeB, nil))

	var snap bus.SnapshotView
	env.do("u1", "GET", "/projects/"+id, nil, &snap)
	assert.True(t, snap.FileTree.Equal(models.FileTree{"b.js": {Contents: "B"}}), "second full replace wins without merge")

	assert.Equal(t, http.StatusConflict, env.do("u1", "PUT", "/projects/"+id+"/file-tree", treeA, nil, "If-Match", `"1"`))
	assert.Equal(t, http.StatusOK, env.do("u1", "PUT", "/projects/"+id+"/file-tree", treeA, nil, "If-Match", `"2"`))
	assert.Equal(t, http.StatusBadRequest, env.do("u1", "PUT", "/projects/"+id+"/file-tree", treeA, nil, "If-Match", "abc"))
	assert.Equal(t, http.StatusBadRequest, env.do("u1", "PUT", "/projects/"+id+"/file-tree",
		map[string]any{"fileTree": models.FileTree{"../x": {Contents: "x"}}}, nil))
}

func TestMessages_PostAndList(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "chat")

	var posted room.MessagePayload
	require.Equal(t, http.StatusCreated, env.do("u1", "POST", "/projects/"+id+"/messages",
		map[string]string{"message": "hello", "correlationId": "c1"}, &posted))
	assert.Equal(t, int64(1), posted.Seq)
	assert.Equal(t, "c1", posted.CorrelationID)

	require.Equal(t, http.StatusCreated, env.do("u1", "POST", "/projects/"+id+"/messages",
		map[string]string{"message": `{"text":"hi"}`, "senderId": "ai"}, nil))
	assert.Equal(t, http.StatusForbidden, env.do("u1", "POST", "/projects/"+id+"/messages",
		map[string]string{"message": "spoof", "senderId": "u9"}, nil))
	assert.Equal(t, http.StatusBadRequest, env.do("u1", "POST", "/projects/"+id+"/messages",
		map[string]string{"message": "  "}, nil))

	var list []room.MessagePayload
	require.Equal(t, http.StatusOK, env.do("u1", "GET", "/projects/"+id+"/messages", nil, &list))
	require.Len(t, list, 2)
	assert.Equal(t, models.SenderRef{ID: "u1", Email: "u1@example.com", Name: "U1"}, list[0].Sender)
	assert.Equal(t, models.DisplayAI, list[1].Sender.Email)
}

// Two members join, U1 says hello over the live channel: U2 sees it once with
// U1's identity, U1 gets no echo, and the log holds exactly one entry.
func TestLive_HelloBetweenTwoMembers(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "hello", "u2")

	c1, _, err := env.dial("u1", id)
	require.NoError(t, err)
	c2, _, err := env.dial("u2", id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.rooms.PeerCount(id) == 2 }, time.Second, 10*time.Millisecond)

	c1.send(room.EventProjectMessage, room.SendPayload{Message: "hello", CorrelationID: "corr-1"})

	ev := c2.next()
	require.Equal(t, room.EventProjectMessage, ev.Name)
	var got room.MessagePayload
	require.NoError(t, ev.Decode(&got))
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, "u1", got.Sender.ID)
	assert.Equal(t, "u1@example.com", got.Sender.Email)
	assert.Equal(t, "corr-1", got.CorrelationID)

	ack := c1.next()
	require.Equal(t, room.EventMessageAccepted, ack.Name)
	var accepted room.AcceptedPayload
	require.NoError(t, ack.Decode(&accepted))
	assert.Equal(t, got.ID, accepted.ID)
	assert.Equal(t, "corr-1", accepted.CorrelationID)

	c1.none()
	c2.none()

	msgs, err := env.store.Messages().List(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "u1", msgs[0].Sender)
}

func TestLive_FileTreeSaveAndRejectedFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "live-files", "u2")

	c1, _, err := env.dial("u1", id)
	require.NoError(t, err)
	c2, _, err := env.dial("u2", id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.rooms.PeerCount(id) == 2 }, time.Second, 10*time.Millisecond)

	c1.send(room.EventFileTreeSave, room.SavePayload{FileTree: models.FileTree{"index.js": {Contents: "run()"}}})

	ev := c2.next()
	require.Equal(t, room.EventFileTreeUpdated, ev.Name)
	var update room.FileTreeUpdatedPayload
	require.NoError(t, ev.Decode(&update))
	assert.True(t, update.Full)
	assert.Equal(t, []string{"index.js"}, update.Paths)

	stale := int64(0)
	c1.send(room.EventFileTreeSave, room.SavePayload{FileTree: models.FileTree{"x.js": {Contents: ""}}, Version: &stale})
	ev = c1.next()
	require.Equal(t, room.EventError, ev.Name)
	var rejected room.ErrorPayload
	require.NoError(t, ev.Decode(&rejected))
	assert.Equal(t, "VERSION_CONFLICT", rejected.Code)

	c1.send(room.EventProjectMessage, room.SendPayload{Message: "", CorrelationID: "c-empty"})
	ev = c1.next()
	require.Equal(t, room.EventError, ev.Name)
	require.NoError(t, ev.Decode(&rejected))
	assert.Equal(t, "c-empty", rejected.CorrelationID)

	c2.none()
}

func TestLive_AssistantReplyReachesEveryone(t *testing.T) {
	gen := assistant.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		return `{"text":"added it","fileTree":{"a.js":{"file":{"contents":"v2"}}}}`, nil
	})
	env := newTestEnv(t, gen)
	id := env.createProject("u1", "assisted", "u2")

	_, err := env.store.Projects().ReplaceFileTree(context.Background(), id, models.FileTree{
		"a.js": {Contents: "v1"},
		"b.js": {Contents: "keep"},
	})
	require.NoError(t, err)

	c1, _, err := env.dial("u1", id)
	require.NoError(t, err)
	c2, _, err := env.dial("u2", id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.rooms.PeerCount(id) == 2 }, time.Second, 10*time.Millisecond)

	c1.send(room.EventProjectMessage, room.SendPayload{Message: "@ai update a.js", CorrelationID: "c-ai"})
	require.Equal(t, room.EventProjectMessage, c2.next().Name) // the prompt itself
	require.Equal(t, room.EventMessageAccepted, c1.next().Name)

	for _, c := range []*wsClient{c1, c2} {
		ev := c.next()
		require.Equal(t, room.EventProjectMessage, ev.Name)
		var reply room.MessagePayload
		require.NoError(t, ev.Decode(&reply))
		assert.Equal(t, models.SenderAI, reply.Sender.ID)
		assert.Empty(t, reply.CorrelationID)

		ev = c.next()
		require.Equal(t, room.EventFileTreeUpdated, ev.Name)
		var update room.FileTreeUpdatedPayload
		require.NoError(t, ev.Decode(&update))
		assert.Equal(t, []string{"a.js"}, update.Paths)
	}

	tree, _, err := env.store.Projects().FileTree(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, tree.Equal(models.FileTree{"a.js": {Contents: "v2"}, "b.js": {Contents: "keep"}}))
}

func TestLive_EventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createProject("u1", "sse", "u2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", env.http.URL+"/api/v1/projects/"+id+"/events?token="+env.token("u2"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return env.rooms.PeerCount(id) == 1 }, time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusCreated, env.do("u1", "POST", "/projects/"+id+"/messages", map[string]string{"message": "over sse"}, nil))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var sawEvent bool
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if line == "event: "+room.EventProjectMessage {
				sawEvent = true
				continue
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				var msg room.MessagePayload
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
				assert.Equal(t, "over sse", msg.Message)
				return
			}
		case <-timeout:
			t.Fatal("no project-message on the event stream")
		}
	}
}

func TestAssistantEndpoint(t *testing.T) {
	disabled := newTestEnv(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, disabled.do("u1", "GET", "/assistant?prompt=hi", nil, nil))

	gen := assistant.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "broken") {
			return "nope", nil
		}
		return `{"text":"pong"}`, nil
	})
	env := newTestEnv(t, gen)

	var env2 assistant.Envelope
	require.Equal(t, http.StatusOK, env.do("u1", "GET", "/assistant?prompt=ping", nil, &env2))
	assert.Equal(t, "pong", env2.Text)
	assert.Equal(t, http.StatusBadGateway, env.do("u1", "GET", "/assistant?prompt=broken", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do("u1", "GET", "/assistant", nil, nil))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.http.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
		Live   struct {
			Rooms int `json:"rooms"`
			Peers int `json:"peers"`
		} `json:"live"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Live.Peers)
}
