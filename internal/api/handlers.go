package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfanout/internal/types"
	"github.com/samber/lo"
)

const defaultHistoryLimit = 50

type CreateConversationRequest struct {
	UserId int `json:"user_id"`
}

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type AddMemberRequest struct {
	UserId int        `json:"user_id"`
	Role   types.Role `json:"role"`
}

type SetRoleRequest struct {
	Role types.Role `json:"role"`
}

type CreateMessageRequest struct {
	Container   types.ContainerRef `json:"container"`
	Content     string             `json:"content"`
	Attachments []types.Attachment `json:"attachments"`
}

type MarkReadRequest struct {
	Container types.ContainerRef `json:"container"`
	UpTo      time.Time          `json:"up_to"`
}

type MarkReadResponse struct {
	Container  types.ContainerRef `json:"container"`
	MarkedRead int                `json:"marked_read"`
}

type UnreadResponse struct {
	Total      int                        `json:"total"`
	Containers map[types.ContainerRef]int `json:"containers,omitempty"`
}

type MembersResponse struct {
	Container types.ContainerRef `json:"container"`
	UserIds   []int              `json:"user_ids"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) writeChatError(w http.ResponseWriter, err error) {
	errResp := errorFromChat(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Println("chat:", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("ping:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.chat.Between(r.Context(), userId, req.UserId)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.chat.CreateRoom(r.Context(), userId, req.Name, req.Description)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *GoChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.chat.Room(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *GoChatApp) addMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.chat.Room(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	member, err := s.chat.AddMember(r.Context(), userId, room.Id, req.UserId, req.Role)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, member)
}

func (s *GoChatApp) setRole(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberId, err := strconv.Atoi(r.PathValue("userId"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SetRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.chat.Room(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	if err := s.chat.SetRole(r.Context(), userId, room.Id, memberId, req.Role); err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) removeMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberId, err := strconv.Atoi(r.PathValue("userId"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.chat.Room(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	if err := s.chat.RemoveMember(r.Context(), userId, room.Id, memberId); err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) getMembers(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	container, err := types.ParseContainerRef(r.URL.Query().Get("container"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	members, err := s.chat.Members(r.Context(), userId, container)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MembersResponse{Container: container, UserIds: members})
}

func (s *GoChatApp) createMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.chat.CreateMessage(r.Context(), userId, req.Container, req.Content, req.Attachments)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GoChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messageId, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.chat.DeleteMessage(r.Context(), userId, messageId); err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	container, err := types.ParseContainerRef(r.URL.Query().Get("container"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	before, limit := 0, defaultHistoryLimit

	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err = strconv.Atoi(beforeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.chat.History(r.Context(), userId, container, before, limit)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GoChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	marked, err := s.chat.MarkRead(r.Context(), userId, req.Container, req.UpTo)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MarkReadResponse{Container: req.Container, MarkedRead: marked})
}

func (s *GoChatApp) getUnread(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if raw := r.URL.Query().Get("container"); raw != "" {
		container, err := types.ParseContainerRef(raw)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		count, err := s.chat.UnreadCount(r.Context(), userId, &container)
		if err != nil {
			s.writeChatError(w, err)
			return
		}

		s.writeJson(w, http.StatusOK, UnreadResponse{
			Total:      count,
			Containers: map[types.ContainerRef]int{container: count},
		})
		return
	}

	counts, err := s.chat.UnreadCounts(r.Context(), userId)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, UnreadResponse{
		Total:      lo.Sum(lo.Values(counts)),
		Containers: counts,
	})
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	s.cs.Serve(userId, conn)
}
