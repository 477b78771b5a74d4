package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/message"
	"github.com/nhle/classroom-messaging/internal/model"
)

const (
	streamConversations = "conversations"
	streamMessages      = "messages"
	streamAlerts        = "alerts"
	streamNotifications = "notifications"

	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 25 * time.Second
)

// frame is the envelope of every server-to-client websocket message.
type frame struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

// presence is the only client-to-server message: a focus report.
type presence struct {
	Focused *bool `json:"focused"`
}

// handleWS upgrades to a websocket that streams one live view. Browsers
// cannot set headers on websocket requests, so the token travels in the
// query string.
func (s *Server) handleWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
		return
	}
	session, err := s.Auth.Parse(tokenStr)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	stream := c.DefaultQuery("stream", streamConversations)
	if stream == streamMessages {
		if _, err := s.conversationFor(c.Request.Context(), c.Query("conversation_id"), session.UserID); err != nil {
			s.fail(c, err)
			return
		}
	} else if !knownStream(stream) {
		s.fail(c, apperr.Errorf(apperr.InvalidArgument, "server.ws", "unknown stream %q", stream))
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: s.WSInsecureSkipVerify,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log := s.log.With().
		Str("user_id", session.UserID.String()).
		Str("stream", stream).
		Logger()

	send := func(data any) {
		writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancelWrite()
		if err := wsjson.Write(writeCtx, conn, frame{Stream: stream, Data: data}); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
			cancel()
		}
	}

	var unsub bus.Unsubscribe
	switch stream {
	case streamConversations:
		unsub = s.Conversations.ListForUser(ctx, session.UserID, func(convs []model.Conversation) { send(convs) })
	case streamMessages:
		unsub = s.Messages.ListForConversation(ctx, c.Query("conversation_id"), func(u message.Update) { send(u) })
	case streamAlerts:
		unsub = s.Alerts.ListUnread(ctx, session.UserID, func(alerts []model.Alert) { send(alerts) })
	case streamNotifications:
		unsub = s.Hub.Notifications.Subscribe(bus.NotificationsTopic(session.UserID), func(n model.Notification) { send(n) })
	}
	defer unsub()

	log.Debug().Msg("websocket opened")
	go keepAlive(ctx, conn)
	s.readPresence(ctx, conn, session.UserID)
	log.Debug().Msg("websocket closed")
}

// readPresence applies focus reports until the connection ends. A client
// that reported focus counts as unfocused once it disconnects.
func (s *Server) readPresence(ctx context.Context, conn *websocket.Conn, userID model.UserID) {
	focused := false
	defer func() {
		if focused && s.Focus != nil {
			s.Focus.SetFocused(userID, false)
		}
	}()

	for {
		var p presence
		if err := wsjson.Read(ctx, conn, &p); err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		if p.Focused == nil || s.Focus == nil || *p.Focused == focused {
			continue
		}
		focused = *p.Focused
		s.Focus.SetFocused(userID, focused)
	}
}

func keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

func knownStream(stream string) bool {
	switch stream {
	case streamConversations, streamMessages, streamAlerts, streamNotifications:
		return true
	}
	return false
}
