package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/converse/internal/chat"
)

// sendRequest is the inbound turn payload. At least one of text, audio or
// files must be present.
type sendRequest struct {
	SenderID string          `json:"sender_id"`
	Text     string          `json:"text,omitempty"`
	Audio    *chat.AudioRef  `json:"audio,omitempty"`
	Files    []chat.FileRef  `json:"files,omitempty"`
	Caption  string          `json:"caption,omitempty"`
}

type sendResponse struct {
	Aborted            bool   `json:"aborted"`
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	FailureMessageID   string `json:"failure_message_id,omitempty"`
}

type messageView struct {
	ID        string       `json:"id"`
	Sender    string       `json:"sender"`
	Content   chat.Content `json:"content"`
	CreatedAt time.Time    `json:"created_at"`

	Optimistic         bool `json:"optimistic,omitempty"`
	LoadingPlaceholder bool `json:"loading_placeholder,omitempty"`
	Typing             bool `json:"typing,omitempty"`
}

func (s *Server) sendMessage(c echo.Context) error {
	conversationID := c.Param("id")

	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.SenderID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender_id is required")
	}

	session, err := s.engine.Attach(c.Request().Context(), conversationID, req.SenderID)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "conversation unavailable")
	}

	result, err := session.Send(c.Request().Context(), chat.TurnInput{
		Text:    req.Text,
		Audio:   req.Audio,
		Files:   req.Files,
		Caption: req.Caption,
	})
	switch {
	case errors.Is(err, chat.ErrEmptyTurn):
		return echo.NewHTTPError(http.StatusBadRequest, "message is empty")
	case errors.Is(err, chat.ErrAlreadyInFlight):
		return echo.NewHTTPError(http.StatusConflict, "a response is already being generated")
	case errors.Is(err, chat.ErrThrottled):
		return echo.NewHTTPError(http.StatusTooManyRequests, "sending messages too quickly")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to send message")
	}

	return c.JSON(http.StatusOK, sendResponse{
		Aborted:            result.Aborted,
		UserMessageID:      result.UserMessageID,
		AssistantMessageID: result.AssistantMessageID,
		FailureMessageID:   result.FailureMessageID,
	})
}

func (s *Server) cancelTurn(c echo.Context) error {
	conversationID := c.Param("id")

	session, ok := s.engine.Session(conversationID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no active conversation")
	}

	aborted := session.Abort()
	return c.JSON(http.StatusOK, map[string]bool{"aborted": aborted})
}

func (s *Server) skipTyping(c echo.Context) error {
	conversationID := c.Param("id")

	session, ok := s.engine.Session(conversationID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no active conversation")
	}

	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := c.Bind(&req); err != nil || req.MessageID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message_id is required")
	}

	session.SkipTyping(req.MessageID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listMessages(c echo.Context) error {
	conversationID := c.Param("id")

	session, ok := s.engine.Session(conversationID)
	if !ok {
		return c.JSON(http.StatusOK, []messageView{})
	}

	msgs := session.Messages()
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:                 m.ID,
			Sender:             string(m.Sender),
			Content:            m.Content,
			CreatedAt:          m.CreatedAt,
			Optimistic:         m.Optimistic,
			LoadingPlaceholder: m.LoadingPlaceholder,
			Typing:             m.Typing,
		})
	}
	return c.JSON(http.StatusOK, views)
}
