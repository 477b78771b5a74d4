package server

import (
	"context"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/attachment"
	"github.com/nhle/classroom-messaging/internal/identity"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/store"
	"github.com/nhle/classroom-messaging/internal/unread"
)

func (s *Server) listConversations(c *gin.Context) {
	session := mustSession(c)

	convs, err := s.Conversations.List(c.Request.Context(), session.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":         convs,
		"unread_total": unread.Total(convs, session.UserID),
	})
}

type createConversationReq struct {
	ParticipantIDs []any `json:"participant_ids" binding:"required"`
}

func (s *Server) getOrCreateConversation(c *gin.Context) {
	session := mustSession(c)

	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	ids, err := identity.ResolveAll(req.ParticipantIDs)
	if err != nil {
		s.fail(c, err)
		return
	}

	includesSelf := false
	for _, id := range ids {
		if id == session.UserID {
			includesSelf = true
			break
		}
	}
	if !includesSelf {
		ids = append([]model.UserID{session.UserID}, ids...)
	}

	users, err := s.Users.Users(c.Request.Context(), ids)
	if err != nil {
		s.fail(c, err)
		return
	}

	conv, err := s.Conversations.GetOrCreate(c.Request.Context(), users)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": conv})
}

// participantConversation loads the :id conversation and checks that the
// session user belongs to it.
func (s *Server) participantConversation(c *gin.Context) (*model.Conversation, bool) {
	conv, err := s.conversationFor(c.Request.Context(), c.Param("id"), mustSession(c).UserID)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return conv, true
}

func (s *Server) conversationFor(ctx context.Context, id string, userID model.UserID) (*model.Conversation, error) {
	conv, err := s.Conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.Errorf(apperr.Forbidden, "server.conversation",
			"user %s is not a participant of %s", userID, conv.ID)
	}
	return conv, nil
}

func (s *Server) listMessages(c *gin.Context) {
	conv, ok := s.participantConversation(c)
	if !ok {
		return
	}

	msgs, err := s.Messages.List(c.Request.Context(), conv.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs})
}

type appendMessageReq struct {
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments"`
}

func (s *Server) appendMessage(c *gin.Context) {
	session := mustSession(c)

	var req appendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	if err := s.Attachments.Verify(req.Attachments); err != nil {
		s.fail(c, err)
		return
	}

	msg, err := s.Messages.Append(c.Request.Context(), c.Param("id"), session.UserID, req.Content, req.Attachments)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": msg})
}

func (s *Server) readConversation(c *gin.Context) {
	session := mustSession(c)

	result, err := s.Unread.OnConversationRead(c.Request.Context(), c.Param("id"), session.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) uploadAttachment(c *gin.Context) {
	session := mustSession(c)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.MaxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		s.badRequest(c, err)
		return
	}

	f, err := fh.Open()
	if err != nil {
		s.badRequest(c, err)
		return
	}
	defer f.Close()

	// Uploads always land under the uploader's own folder.
	sub := path.Clean("/" + c.PostForm("folder"))
	folder := path.Join("chat", session.UserID.String(), sub)

	att, err := s.Attachments.Attach(c.Request.Context(), attachment.Upload{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	}, folder)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": att})
}

func (s *Server) searchUsers(c *gin.Context) {
	users, err := s.Users.SearchFor(c.Request.Context(), mustSession(c), c.Query("q"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": users})
}

func (s *Server) listAlerts(c *gin.Context) {
	session := mustSession(c)

	filter := store.AlertFilter{
		RecipientID: session.UserID,
		UnreadOnly:  c.Query("unread") == "true",
	}
	if v := c.Query("type"); v != "" {
		t := model.AlertType(v)
		filter.Type = &t
	}
	if v := c.Query("status"); v != "" {
		st := model.AlertStatus(v)
		filter.Status = &st
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			filter.Limit = n
		}
	}

	alerts, err := s.Alerts.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alerts})
}

type createAlertReq struct {
	Type        model.AlertType `json:"type" binding:"required"`
	Severity    model.Severity  `json:"severity" binding:"required"`
	Title       string          `json:"title" binding:"required"`
	Description string          `json:"description"`
	RecipientID any             `json:"recipient_id"`
	StudentID   any             `json:"student_id"`
	Sound       *bool           `json:"sound"`
}

func (s *Server) createAlert(c *gin.Context) {
	session := mustSession(c)

	var req createAlertReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	a := model.Alert{
		Type:        req.Type,
		Severity:    req.Severity,
		Title:       req.Title,
		Description: req.Description,
		CreatedBy:   session.UserID,
		Sound:       req.Sound,
	}
	var err error
	if req.RecipientID != nil {
		if a.RecipientID, err = identity.Resolve(req.RecipientID); err != nil {
			s.fail(c, err)
			return
		}
	}
	if req.StudentID != nil {
		if a.StudentID, err = identity.Resolve(req.StudentID); err != nil {
			s.fail(c, err)
			return
		}
	}

	id, err := s.Alerts.Create(c.Request.Context(), a)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// ownAlert loads the :id alert and checks that the session user is its
// recipient.
func (s *Server) ownAlert(c *gin.Context) (*model.Alert, bool) {
	session := mustSession(c)

	a, err := s.Alerts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	if a.RecipientID != session.UserID {
		s.fail(c, apperr.Errorf(apperr.Forbidden, "server.alert",
			"alert %s belongs to another user", a.ID))
		return nil, false
	}
	return a, true
}

func (s *Server) markAlertRead(c *gin.Context) {
	a, ok := s.ownAlert(c)
	if !ok {
		return
	}
	if err := s.Alerts.MarkRead(c.Request.Context(), a.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type assignAlertReq struct {
	AssigneeID any `json:"assignee_id" binding:"required"`
}

func (s *Server) assignAlert(c *gin.Context) {
	var req assignAlertReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	assignee, err := identity.Resolve(req.AssigneeID)
	if err != nil {
		s.fail(c, err)
		return
	}

	a, ok := s.ownAlert(c)
	if !ok {
		return
	}
	if err := s.Alerts.Assign(c.Request.Context(), a.ID, assignee); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resolveAlert(c *gin.Context) {
	a, ok := s.ownAlert(c)
	if !ok {
		return
	}
	if err := s.Alerts.Resolve(c.Request.Context(), a.ID, mustSession(c).UserID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unreadAlertCount(c *gin.Context) {
	n, err := s.Alerts.UnreadCount(c.Request.Context(), mustSession(c).UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *Server) markAllAlertsRead(c *gin.Context) {
	n, err := s.Alerts.MarkAllRead(c.Request.Context(), mustSession(c).UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (s *Server) listToasts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.Alerts.Toasts().Visible(mustSession(c).UserID)})
}

func (s *Server) dismissToast(c *gin.Context) {
	if !s.Alerts.DismissToast(mustSession(c).UserID, c.Param("id")) {
		s.fail(c, apperr.Errorf(apperr.NotFound, "server.dismissToast", "no toast for alert %s", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listPreferences(c *gin.Context) {
	prefs, err := s.Alerts.Preferences(c.Request.Context(), mustSession(c).UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": prefs})
}

type preferenceReq struct {
	Enabled *bool `json:"enabled" binding:"required"`
	Sound   *bool `json:"sound" binding:"required"`
}

func (s *Server) setPreference(c *gin.Context) {
	var req preferenceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	pref := model.NotificationPreference{Enabled: *req.Enabled, Sound: *req.Sound}
	err := s.Alerts.SetPreference(c.Request.Context(), mustSession(c).UserID, model.AlertType(c.Param("type")), pref)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pref})
}

type tokenReq struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) registerToken(c *gin.Context) {
	var req tokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.Alerts.RegisterToken(c.Request.Context(), mustSession(c).UserID, req.Token); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeToken(c *gin.Context) {
	if err := s.Alerts.RemoveToken(c.Request.Context(), mustSession(c).UserID, c.Param("token")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
