package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/nhle/classroom-messaging/internal/alert"
	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/attachment"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/conversation"
	"github.com/nhle/classroom-messaging/internal/directory"
	"github.com/nhle/classroom-messaging/internal/message"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/unread"
	"github.com/nhle/classroom-messaging/tests/testutil"
)

const (
	testSecret  = "test-secret"
	filesPrefix = "http://files.test/files"
)

type testServer struct {
	*Server
	auth *Authenticator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zerolog.Nop()
	s := testutil.NewTestStore(t)
	testutil.SeedUsers(t, s)

	hub := bus.NewHub(log)
	t.Cleanup(hub.Close)

	focus := alert.NewFocusTracker()
	alerts := alert.NewDispatcher(s, hub, log, alert.Options{
		Focus:         focus,
		ToastLimit:    3,
		ToastDuration: time.Hour,
		Timeout:       time.Second,
	})
	t.Cleanup(alerts.Close)

	counter := unread.NewCounter(s, hub, log, time.Second)
	messages := message.NewService(s, counter, hub, alerts, log, time.Second)
	t.Cleanup(messages.Close)
	storage := attachment.NewFSStorage(afero.NewMemMapFs(), "/uploads", filesPrefix)
	auth := NewAuthenticator(testSecret)

	srv := New(Deps{
		Hub:           hub,
		Users:         directory.New(s, log, time.Second),
		Conversations: conversation.NewDirectory(s, hub, log, time.Second),
		Messages:      messages,
		Unread:        counter,
		Alerts:        alerts,
		Attachments:   attachment.NewResolver(storage, log, time.Second),
		Files:         storage.FileSystem(),
		Focus:         focus,
		Auth:          auth,
	}, log)

	return &testServer{Server: srv, auth: auth}
}

func (ts *testServer) token(t *testing.T, u model.User) string {
	t.Helper()
	tok, err := ts.auth.Issue(model.Session{UserID: u.ID, Role: u.Role}, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends an authenticated JSON request as u and decodes the response
// body into out when out is non-nil.
func (ts *testServer) do(t *testing.T, u model.User, method, path string, body any, out any) int {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, u))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)

	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func (ts *testServer) conversation(t *testing.T, u model.User, others ...model.User) model.Conversation {
	t.Helper()

	ids := make([]any, 0, len(others))
	for _, o := range others {
		ids = append(ids, o.ID.String())
	}

	var resp struct {
		Data model.Conversation `json:"data"`
	}
	code := ts.do(t, u, http.MethodPost, "/api/v1/conversations", gin.H{"participant_ids": ids}, &resp)
	require.Equal(t, http.StatusOK, code)
	return resp.Data
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, testutil.Teacher)+"x")
	w = httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := NewAuthenticator("other-secret").Issue(model.Session{UserID: 1, Role: model.RoleTeacher}, time.Hour)
	require.NoError(t, err)
	_, err = ts.auth.Parse(other)
	assert.Error(t, err)
}

func TestIssueParseRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	tok, err := ts.auth.Issue(model.Session{UserID: 42, Role: model.RoleTutor}, time.Hour)
	require.NoError(t, err)

	session, err := ts.auth.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, model.UserID(42), session.UserID)
	assert.Equal(t, model.RoleTutor, session.Role)
}

func TestParseAcceptsStringUserID(t *testing.T) {
	ts := newTestServer(t)

	sign := func(claims Claims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return tok
	}

	session, err := ts.auth.Parse(sign(Claims{UserID: " 7 ", Role: model.RoleStudent}))
	require.NoError(t, err)
	assert.Equal(t, model.UserID(7), session.UserID)

	_, err = ts.auth.Parse(sign(Claims{UserID: "seven", Role: model.RoleStudent}))
	assert.Error(t, err)

	_, err = ts.auth.Parse(sign(Claims{UserID: 7, Role: "principal"}))
	assert.Error(t, err)
}

func TestConversationCreateAddsCaller(t *testing.T) {
	ts := newTestServer(t)

	conv := ts.conversation(t, testutil.Teacher, testutil.Student)
	assert.Equal(t, "1-2", conv.ID)
	assert.ElementsMatch(t, []model.UserID{1, 2}, conv.ParticipantIDs())

	again := ts.conversation(t, testutil.Student, testutil.Teacher)
	assert.Equal(t, conv.ID, again.ID)
}

func TestConversationCreateForbiddenPair(t *testing.T) {
	ts := newTestServer(t)

	var resp map[string]string
	code := ts.do(t, testutil.Student, http.MethodPost, "/api/v1/conversations",
		gin.H{"participant_ids": []any{3}}, &resp)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, string(apperr.Forbidden), resp["error"])
}

func TestConversationCreateRejectsBadIDs(t *testing.T) {
	ts := newTestServer(t)

	code := ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/conversations",
		gin.H{"participant_ids": []any{"abc"}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/conversations",
		gin.H{"participant_ids": []any{99}}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSendListAndRead(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.conversation(t, testutil.Teacher, testutil.Student)
	path := "/api/v1/conversations/" + conv.ID

	var sent struct {
		Data model.Message `json:"data"`
	}
	code := ts.do(t, testutil.Teacher, http.MethodPost, path+"/messages", gin.H{"content": "Homework is due Friday"}, &sent)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "Homework is due Friday", sent.Data.Content)
	assert.Equal(t, testutil.Teacher.ID, sent.Data.SenderID)

	var list struct {
		Data        []model.Conversation `json:"data"`
		UnreadTotal int                  `json:"unread_total"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Student, http.MethodGet, "/api/v1/conversations", nil, &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, 1, list.UnreadTotal)
	assert.Equal(t, "Homework is due Friday", list.Data[0].LastMessageContent)

	var msgs struct {
		Data []model.Message `json:"data"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Student, http.MethodGet, path+"/messages", nil, &msgs))
	require.Len(t, msgs.Data, 1)
	assert.False(t, msgs.Data[0].Read)

	var read struct {
		Data unread.ReadResult `json:"data"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Student, http.MethodPost, path+"/read", nil, &read))
	assert.Equal(t, []string{sent.Data.ID}, read.Data.MarkedIDs)

	require.Equal(t, http.StatusOK, ts.do(t, testutil.Student, http.MethodGet, "/api/v1/conversations", nil, &list))
	assert.Equal(t, 0, list.UnreadTotal)

	// The message also raised a message alert for the student.
	ts.Messages.Close()
	var count struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Student, http.MethodGet, "/api/v1/me/alerts/unread-count", nil, &count))
	assert.Equal(t, 1, count.Count)
}

func TestMessagesOutsiderForbidden(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.conversation(t, testutil.Teacher, testutil.Student)
	path := "/api/v1/conversations/" + conv.ID + "/messages"

	assert.Equal(t, http.StatusForbidden, ts.do(t, testutil.Student2, http.MethodGet, path, nil, nil))
	assert.Equal(t, http.StatusForbidden, ts.do(t, testutil.Student2, http.MethodPost, path, gin.H{"content": "hi"}, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, testutil.Student2, http.MethodGet, "/api/v1/conversations/1-9/messages", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, testutil.Teacher, http.MethodPost, path, gin.H{"content": "  "}, nil))
}

func TestSearchUsers(t *testing.T) {
	ts := newTestServer(t)

	var resp struct {
		Data []model.User `json:"data"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Student, http.MethodGet, "/api/v1/users/search?q=a", nil, &resp))
	assert.Empty(t, resp.Data)

	require.Equal(t, http.StatusOK, ts.do(t, testutil.Student, http.MethodGet, "/api/v1/users/search?q=ar", nil, &resp))
	names := make([]string, 0, len(resp.Data))
	for _, u := range resp.Data {
		names = append(names, u.Name)
	}
	assert.Equal(t, []string{"Carla Tutor"}, names)
}

func TestAlertEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var created struct {
		ID string `json:"id"`
	}
	code := ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/alerts", gin.H{
		"type":         "bullying",
		"severity":     "high",
		"title":        "Incident reported",
		"recipient_id": "4",
		"student_id":   2,
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, created.ID)

	var list struct {
		Data []model.Alert `json:"data"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Tutor, http.MethodGet, "/api/v1/alerts?unread=true", nil, &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, testutil.Teacher.ID, list.Data[0].CreatedBy)
	assert.Equal(t, model.UserID(2), list.Data[0].StudentID)

	var toasts struct {
		Data []alert.Toast `json:"data"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Tutor, http.MethodGet, "/api/v1/toasts", nil, &toasts))
	require.Len(t, toasts.Data, 1)
	assert.Equal(t, "/students/2", toasts.Data[0].Notification.URL)

	alertPath := "/api/v1/alerts/" + created.ID
	assert.Equal(t, http.StatusForbidden, ts.do(t, testutil.Student, http.MethodPost, alertPath+"/read", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, testutil.Tutor, http.MethodPost, "/api/v1/alerts/missing/read", nil, nil))

	assert.Equal(t, http.StatusNoContent, ts.do(t, testutil.Tutor, http.MethodPost, alertPath+"/assign", gin.H{"assignee_id": 5}, nil))
	assert.Equal(t, http.StatusNoContent, ts.do(t, testutil.Tutor, http.MethodPost, alertPath+"/resolve", nil, nil))

	var got struct {
		Data []model.Alert `json:"data"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Tutor, http.MethodGet, "/api/v1/alerts?status=resolved", nil, &got))
	require.Len(t, got.Data, 1)
	assert.Equal(t, model.UserID(5), got.Data[0].AssigneeID)
	assert.Equal(t, testutil.Tutor.ID, got.Data[0].ResolvedBy)

	assert.Equal(t, http.StatusNoContent, ts.do(t, testutil.Tutor, http.MethodPost, "/api/v1/toasts/"+created.ID+"/dismiss", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, testutil.Tutor, http.MethodPost, "/api/v1/toasts/"+created.ID+"/dismiss", nil, nil))

	var count struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Tutor, http.MethodGet, "/api/v1/me/alerts/unread-count", nil, &count))
	assert.Equal(t, 0, count.Count)
}

func TestCreateAlertValidation(t *testing.T) {
	ts := newTestServer(t)

	code := ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/alerts", gin.H{
		"type": "gossip", "severity": "high", "title": "x", "recipient_id": 2,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/alerts", gin.H{"type": "report"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMarkAllAlertsRead(t *testing.T) {
	ts := newTestServer(t)

	for _, title := range []string{"Late", "Absent"} {
		code := ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/alerts", gin.H{
			"type": "attendance", "severity": "medium", "title": title, "recipient_id": 1,
		}, nil)
		require.Equal(t, http.StatusCreated, code)
	}

	var marked struct {
		Marked int `json:"marked"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/me/alerts/read", nil, &marked))
	assert.Equal(t, 2, marked.Marked)
}

func TestPreferencesAndTokens(t *testing.T) {
	ts := newTestServer(t)

	code := ts.do(t, testutil.Teacher, http.MethodPut, "/api/v1/preferences/report",
		gin.H{"enabled": false, "sound": true}, nil)
	require.Equal(t, http.StatusOK, code)

	code = ts.do(t, testutil.Teacher, http.MethodPut, "/api/v1/preferences/gossip",
		gin.H{"enabled": false, "sound": true}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = ts.do(t, testutil.Teacher, http.MethodPut, "/api/v1/preferences/report", gin.H{"enabled": true}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var prefs struct {
		Data map[model.AlertType]model.NotificationPreference `json:"data"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, testutil.Teacher, http.MethodGet, "/api/v1/preferences", nil, &prefs))
	assert.Len(t, prefs.Data, len(model.AlertTypes))
	assert.False(t, prefs.Data[model.AlertReport].Enabled)
	assert.Equal(t, model.DefaultPreference, prefs.Data[model.AlertMessage])

	assert.Equal(t, http.StatusNoContent, ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/tokens", gin.H{"token": "device-1"}, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/tokens", gin.H{}, nil))
	assert.Equal(t, http.StatusNoContent, ts.do(t, testutil.Teacher, http.MethodDelete, "/api/v1/tokens/device-1", nil, nil))
}

// upload posts a multipart attachment as u and returns the response code
// with the decoded attachment.
func (ts *testServer) upload(t *testing.T, u model.User, name, folder string, content []byte) (int, model.Attachment) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if folder != "" {
		require.NoError(t, mw.WriteField("folder", folder))
	}
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attachments", &body)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, u))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)

	var resp struct {
		Data model.Attachment `json:"data"`
	}
	if w.Code == http.StatusCreated {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp.Data
}

func (ts *testServer) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestUploadAttachmentAndServe(t *testing.T) {
	ts := newTestServer(t)

	code, att := ts.upload(t, testutil.Teacher, "board.png", "", []byte("fake png bytes"))
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, model.AttachmentImage, att.Kind)
	assert.Equal(t, "board.png", att.Name)
	assert.Equal(t, int64(len("fake png bytes")), att.Size)
	require.True(t, strings.HasPrefix(att.URL, filesPrefix+"/chat/1/"), att.URL)
	assert.Equal(t, att.URL, att.PreviewURL)

	w := ts.get("/files" + strings.TrimPrefix(att.URL, filesPrefix))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fake png bytes", w.Body.String())
}

func TestFilesDoNotListDirectories(t *testing.T) {
	ts := newTestServer(t)

	code, att := ts.upload(t, testutil.Student, "notes.pdf", "", []byte("pdf"))
	require.Equal(t, http.StatusCreated, code)

	for _, p := range []string{"/files/", "/files/chat/", "/files/chat/2/", "/files/.incoming/"} {
		w := ts.get(p)
		assert.Equal(t, http.StatusNotFound, w.Code, p)
		assert.NotContains(t, w.Body.String(), "notes", p)
	}

	assert.Equal(t, http.StatusOK, ts.get("/files"+strings.TrimPrefix(att.URL, filesPrefix)).Code)
}

func TestUploadFolderStaysUnderUploader(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		folder string
		want   string
	}{
		{folder: "../../3", want: "/chat/2/3/"},
		{folder: "/chat/3", want: "/chat/2/chat/3/"},
		{folder: "week1", want: "/chat/2/week1/"},
	}

	for _, tt := range tests {
		t.Run(tt.folder, func(t *testing.T) {
			code, att := ts.upload(t, testutil.Student, "hw.txt", tt.folder, []byte("hw"))
			require.Equal(t, http.StatusCreated, code)
			assert.True(t, strings.HasPrefix(att.URL, filesPrefix+tt.want), att.URL)
		})
	}
}

func TestSendRejectsForeignAttachments(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.conversation(t, testutil.Teacher, testutil.Student)
	path := "/api/v1/conversations/" + conv.ID + "/messages"

	code, att := ts.upload(t, testutil.Teacher, "board.png", "", []byte("png"))
	require.Equal(t, http.StatusCreated, code)

	foreign := att
	foreign.URL = "https://evil.test/board.png"
	foreign.PreviewURL = foreign.URL
	assert.Equal(t, http.StatusBadRequest, ts.do(t, testutil.Teacher, http.MethodPost, path,
		gin.H{"content": "look", "attachments": []model.Attachment{foreign}}, nil))

	missing := att
	missing.URL = filesPrefix + "/chat/1/nothing.png"
	missing.PreviewURL = ""
	assert.Equal(t, http.StatusBadRequest, ts.do(t, testutil.Teacher, http.MethodPost, path,
		gin.H{"content": "look", "attachments": []model.Attachment{missing}}, nil))

	var resp struct {
		Data model.Message `json:"data"`
	}
	require.Equal(t, http.StatusCreated, ts.do(t, testutil.Teacher, http.MethodPost, path,
		gin.H{"content": "look", "attachments": []model.Attachment{att}}, &resp))
	require.Len(t, resp.Data.Attachments, 1)
	assert.Equal(t, att.URL, resp.Data.Attachments[0].URL)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.InvalidArgument, http.StatusBadRequest},
		{apperr.Forbidden, http.StatusForbidden},
		{apperr.NotFound, http.StatusNotFound},
		{apperr.UploadFailed, http.StatusBadGateway},
		{apperr.BackendUnavailable, http.StatusServiceUnavailable},
		{apperr.Timeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(apperr.Errorf(tt.kind, "op", "failed")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func dialWS(t *testing.T, ctx context.Context, baseURL, query string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ws?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestWebsocketConversationStream(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.Handler())
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, httpSrv.URL, "stream=conversations&token="+ts.token(t, testutil.Student))

	var first struct {
		Stream string               `json:"stream"`
		Data   []model.Conversation `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "conversations", first.Stream)
	assert.Empty(t, first.Data)

	conv := ts.conversation(t, testutil.Teacher, testutil.Student)

	var next struct {
		Data []model.Conversation `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &next))
	require.Len(t, next.Data, 1)
	assert.Equal(t, conv.ID, next.Data[0].ID)
}

func TestWebsocketMessagesStream(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.Handler())
	t.Cleanup(httpSrv.Close)

	conv := ts.conversation(t, testutil.Teacher, testutil.Student)
	path := "/api/v1/conversations/" + conv.ID + "/messages"
	require.Equal(t, http.StatusCreated, ts.do(t, testutil.Teacher, http.MethodPost, path, gin.H{"content": "first"}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, httpSrv.URL,
		"stream=messages&conversation_id="+conv.ID+"&token="+ts.token(t, testutil.Student))

	var f struct {
		Data message.Update `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.True(t, f.Data.Initial)
	require.Len(t, f.Data.Messages, 1)
	assert.Equal(t, "first", f.Data.Messages[0].Content)

	require.Equal(t, http.StatusCreated, ts.do(t, testutil.Teacher, http.MethodPost, path, gin.H{"content": "second"}, nil))

	f.Data = message.Update{}
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.False(t, f.Data.Initial)
	require.Len(t, f.Data.Messages, 1)
	assert.Equal(t, "second", f.Data.Messages[0].Content)
}

func TestWebsocketRejectsOutsiderAndBadToken(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.Handler())
	t.Cleanup(httpSrv.Close)

	conv := ts.conversation(t, testutil.Teacher, testutil.Student)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?"

	_, resp, err := websocket.Dial(ctx, wsURL+"stream=messages&conversation_id="+conv.ID+"&token="+ts.token(t, testutil.Student2), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, wsURL+"stream=conversations&token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, wsURL+"stream=gossip&token="+ts.token(t, testutil.Student), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketPresenceDrivesFocus(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.Handler())
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, httpSrv.URL, "stream=notifications&token="+ts.token(t, testutil.Tutor))
	require.NoError(t, wsjson.Write(ctx, conn, gin.H{"focused": true}))

	assert.Eventually(t, func() bool { return ts.Focus.Focused(testutil.Tutor.ID) },
		2*time.Second, 10*time.Millisecond)

	// Focused users get the in-app notification but no toast.
	code := ts.do(t, testutil.Teacher, http.MethodPost, "/api/v1/alerts", gin.H{
		"type": "report", "severity": "low", "title": "Weekly report", "recipient_id": 4,
	}, nil)
	require.Equal(t, http.StatusCreated, code)

	var f struct {
		Stream string             `json:"stream"`
		Data   model.Notification `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, "notifications", f.Stream)
	assert.Equal(t, "Weekly report", f.Data.Title)
	assert.Empty(t, ts.Alerts.Toasts().Visible(testutil.Tutor.ID))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return !ts.Focus.Focused(testutil.Tutor.ID) },
		2*time.Second, 10*time.Millisecond)
}
