package testserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/slink/im-client/internal/model"
)

type credentials struct {
	Screenname string `json:"screenname"`
	Password   string `json:"password"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /api/v1/session", s.createSession)
	s.handle(mux, "DELETE /api/v1/session", s.destroySession)
	s.handle(mux, "GET /api/v1/user", s.requireUser(s.showCurrentUser))
	s.handle(mux, "POST /api/v1/users", s.createUser)
	s.handle(mux, "GET /api/v1/users", s.requireUser(s.showUsers))
	s.handle(mux, "GET /api/v1/users/search", s.requireUser(s.searchUsers))
	s.handle(mux, "GET /api/v1/users/{user_id}", s.requireUser(s.showUser))
	s.handle(mux, "GET /api/v1/channels", s.requireUser(s.indexChannels))
	s.handle(mux, "POST /api/v1/channels", s.requireUser(s.createChannel))
	s.handle(mux, "GET /api/v1/channels/search", s.requireUser(s.searchChannels))
	s.handle(mux, "POST /api/v1/channels/chats", s.requireUser(s.upsertChat))
	s.handle(mux, "GET /api/v1/channels/chats/messages", s.requireUser(s.chatsStream))
	s.handle(mux, "GET /api/v1/channels/{channel_id}", s.requireUser(s.showChannel))
	s.handle(mux, "POST /api/v1/channels/{channel_id}/join", s.requireUser(s.joinChannel))
	s.handle(mux, "DELETE /api/v1/channels/{channel_id}/leave", s.requireUser(s.leaveChannel))
	s.handle(mux, "GET /api/v1/channels/{channel_id}/users", s.requireUser(s.indexChannelUsers))
	s.handle(mux, "GET /api/v1/channels/{channel_id}/messages", s.requireUser(s.indexMessages))
	s.handle(mux, "POST /api/v1/channels/{channel_id}/messages", s.requireUser(s.createMessage))
	s.handle(mux, "GET /api/v1/channels/{channel_id}/messages/subscribe", s.requireUser(s.channelStream))
	s.handle(mux, "GET /api/v1/subscriptions", s.requireUser(s.indexSubscriptions))

	// Unauthenticated raw streams for transport-level tests.
	mux.HandleFunc("GET /ws/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.handleStream(w, r, "", nil)
	})

	return mux
}

type userHandler func(w http.ResponseWriter, r *http.Request, user model.User)

// handle registers h under route with failure injection and hooks applied.
func (s *Server) handle(mux *http.ServeMux, route string, h http.HandlerFunc) {
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		hook := s.hooks[route]
		failure, failing := s.failures[route]
		s.mu.Unlock()

		if hook != nil {
			hook()
		}
		if failing {
			writeErrors(w, failure.Status, failure.Messages...)
			return
		}
		h(w, r)
	})
}

func (s *Server) requireUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil {
			writeErrors(w, http.StatusUnauthorized, "no jwt on session")
			return
		}
		s.mu.Lock()
		userID, ok := s.sessions[cookie.Value]
		user := s.users[userID]
		s.mu.Unlock()
		if !ok {
			writeErrors(w, http.StatusUnauthorized, "invalid session")
			return
		}
		h(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeErrors(w http.ResponseWriter, status int, messages ...string) {
	if messages == nil {
		messages = []string{}
	}
	writeJSON(w, status, map[string]any{"errors": messages})
}

// ---------------------------------------------------------------------------
// Seeding helpers
// ---------------------------------------------------------------------------

// AddUser registers a user with a password.
func (s *Server) AddUser(screenname, password string) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(screenname, password)
}

func (s *Server) addUserLocked(screenname, password string) model.User {
	u := model.User{ID: s.newID("u"), Screenname: screenname}
	s.users[u.ID] = u
	s.passwords[screenname] = password
	return u
}

// AddChannel creates a channel with the given members subscribed.
func (s *Server) AddChannel(name string, private bool, memberIDs ...string) model.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addChannelLocked(name, private, memberIDs)
}

func (s *Server) addChannelLocked(name string, private bool, memberIDs []string) model.Channel {
	ch := model.Channel{ID: s.newID("c"), Name: name, Private: private, UserIDs: append([]string(nil), memberIDs...)}
	s.channels[ch.ID] = ch
	for _, uid := range memberIDs {
		s.subscribeLocked(uid, ch.ID)
	}
	return ch
}

// AddMessage stores a message without pushing it.
func (s *Server) AddMessage(channelID, userID, body string, at time.Time) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := model.Message{ID: s.newID("m"), Body: body, CreatedAt: at.UTC(), UserID: userID, ChannelID: channelID}
	s.messages[m.ID] = m
	return m
}

// RenameChannel changes a channel's name server-side.
func (s *Server) RenameChannel(channelID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[channelID]
	ch.Name = name
	s.channels[channelID] = ch
}

// Channel returns the server's copy of a channel.
func (s *Server) Channel(channelID string) (model.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	return ch, ok
}

func (s *Server) subscribeLocked(userID, channelID string) model.Subscription {
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.ChannelID == channelID {
			return sub
		}
	}
	sub := model.Subscription{ID: s.newID("s"), UserID: userID, ChannelID: channelID}
	s.subscriptions[sub.ID] = sub
	return sub
}

func (s *Server) startSession(w http.ResponseWriter, userID string) {
	token := s.newID("sess")
	s.sessions[token] = userID
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: token, Path: "/", HttpOnly: true})
}

// ---------------------------------------------------------------------------
// Sessions and users
// ---------------------------------------------------------------------------

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var params credentials
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	password, ok := s.passwords[params.Screenname]
	if !ok || password != params.Password {
		writeErrors(w, http.StatusUnauthorized, "invalid screenname/password combination")
		return
	}
	for _, u := range s.users {
		if u.Screenname == params.Screenname {
			s.startSession(w, u.ID)
			writeJSON(w, http.StatusOK, map[string]any{"user": u})
			return
		}
	}
	writeErrors(w, http.StatusUnauthorized, "invalid screenname/password combination")
}

func (s *Server) destroySession(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) showCurrentUser(w http.ResponseWriter, _ *http.Request, user model.User) {
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var params credentials
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}

	var problems []string
	if params.Screenname == "" {
		problems = append(problems, "screenname can't be blank")
	}
	if len(params.Password) < 6 {
		problems = append(problems, "password must be at least 6 characters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.passwords[params.Screenname]; taken && params.Screenname != "" {
		problems = append(problems, "screenname already taken")
	}
	if len(problems) > 0 {
		writeErrors(w, http.StatusBadRequest, problems...)
		return
	}

	u := s.addUserLocked(params.Screenname, params.Password)
	s.startSession(w, u.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": u})
}

func (s *Server) showUsers(w http.ResponseWriter, r *http.Request, _ model.User) {
	ids := strings.Split(r.URL.Query().Get("user_ids"), ",")

	s.mu.Lock()
	defer s.mu.Unlock()
	users := make(map[string]model.User)
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			users[id] = u
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request, _ model.User) {
	query := strings.ToLower(r.URL.Query().Get("query"))

	s.mu.Lock()
	defer s.mu.Unlock()
	users := []model.User{}
	if query != "" {
		for _, u := range s.users {
			if strings.Contains(strings.ToLower(u.Screenname), query) {
				users = append(users, u)
			}
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Screenname < users[j].Screenname })
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) showUser(w http.ResponseWriter, r *http.Request, _ model.User) {
	s.mu.Lock()
	u, ok := s.users[r.PathValue("user_id")]
	s.mu.Unlock()
	if !ok {
		writeErrors(w, http.StatusBadRequest, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

func (s *Server) indexChannels(w http.ResponseWriter, _ *http.Request, user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make(map[string]model.Channel)
	for _, ch := range s.channels {
		if contains(ch.UserIDs, user.ID) {
			channels[ch.ID] = ch
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request, user model.User) {
	var params model.Channel
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	if params.Name == "" {
		writeErrors(w, http.StatusBadRequest, "name can't be blank")
		return
	}

	s.mu.Lock()
	ch := s.addChannelLocked(params.Name, params.Private, []string{user.ID})
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"channel": ch})
}

func (s *Server) searchChannels(w http.ResponseWriter, r *http.Request, _ model.User) {
	query := strings.ToLower(r.URL.Query().Get("query"))

	s.mu.Lock()
	defer s.mu.Unlock()
	channels := []model.Channel{}
	if query != "" {
		for _, ch := range s.channels {
			if !ch.Private && strings.Contains(strings.ToLower(ch.Name), query) {
				channels = append(channels, ch)
			}
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// upsertChat finds or creates the private channel for a set of users and
// pushes a new chat to its members' chats streams.
func (s *Server) upsertChat(w http.ResponseWriter, r *http.Request, user model.User) {
	var userIDs []string
	if err := json.NewDecoder(r.Body).Decode(&userIDs); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	if !contains(userIDs, user.ID) {
		userIDs = append(userIDs, user.ID)
	}
	sort.Strings(userIDs)

	s.mu.Lock()
	for _, ch := range s.channels {
		if ch.Private && strings.Join(ch.UserIDs, ",") == strings.Join(userIDs, ",") {
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{"channel": ch})
			return
		}
	}
	names := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		u, ok := s.users[id]
		if !ok {
			s.mu.Unlock()
			writeErrors(w, http.StatusBadRequest, "unknown user "+id)
			return
		}
		names = append(names, u.Screenname)
	}
	ch := s.addChannelLocked(strings.Join(names, ", "), true, userIDs)
	s.mu.Unlock()

	data, _ := json.Marshal(ch)
	for _, c := range s.conns.OnPath(ChatsPath) {
		if contains(ch.UserIDs, c.UserID) {
			_ = c.WriteMessage(data)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"channel": ch})
}

func (s *Server) showChannel(w http.ResponseWriter, r *http.Request, _ model.User) {
	ch, ok := s.Channel(r.PathValue("channel_id"))
	if !ok {
		writeErrors(w, http.StatusBadRequest, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": ch})
}

func (s *Server) joinChannel(w http.ResponseWriter, r *http.Request, user model.User) {
	channelID := r.PathValue("channel_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		writeErrors(w, http.StatusBadRequest, "not found")
		return
	}
	if !contains(ch.UserIDs, user.ID) {
		ch.UserIDs = append(ch.UserIDs, user.ID)
		s.channels[channelID] = ch
	}
	s.subscribeLocked(user.ID, channelID)
	writeJSON(w, http.StatusCreated, map[string]any{"channelID": channelID})
}

func (s *Server) leaveChannel(w http.ResponseWriter, r *http.Request, user model.User) {
	channelID := r.PathValue("channel_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		writeErrors(w, http.StatusBadRequest, "not found")
		return
	}
	var kept []string
	for _, id := range ch.UserIDs {
		if id != user.ID {
			kept = append(kept, id)
		}
	}
	ch.UserIDs = kept
	s.channels[channelID] = ch
	for id, sub := range s.subscriptions {
		if sub.UserID == user.ID && sub.ChannelID == channelID {
			delete(s.subscriptions, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channelID": channelID})
}

func (s *Server) indexChannelUsers(w http.ResponseWriter, r *http.Request, _ model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[r.PathValue("channel_id")]
	if !ok {
		writeErrors(w, http.StatusBadRequest, "not found")
		return
	}
	users := make(map[string]model.User)
	for _, id := range ch.UserIDs {
		if u, ok := s.users[id]; ok {
			users[id] = u
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// ---------------------------------------------------------------------------
// Messages and subscriptions
// ---------------------------------------------------------------------------

func (s *Server) indexMessages(w http.ResponseWriter, r *http.Request, _ model.User) {
	channelID := r.PathValue("channel_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	messages := make(map[string]model.Message)
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			messages[m.ID] = m
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request, user model.User) {
	var params model.Message
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	m, ok := s.postMessage(r.PathValue("channel_id"), user, params.Body)
	if !ok {
		writeErrors(w, http.StatusUnauthorized, "user not in channel")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": m})
}

// postMessage stores a message and pushes it to the channel's stream, the way
// the real server's snapshot listener does.
func (s *Server) postMessage(channelID string, user model.User, body string) (model.Message, bool) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if !ok || !contains(ch.UserIDs, user.ID) {
		s.mu.Unlock()
		return model.Message{}, false
	}
	m := model.Message{
		ID:        s.newID("m"),
		Body:      body,
		CreatedAt: s.clock().UTC(),
		UserID:    user.ID,
		ChannelID: channelID,
	}
	s.messages[m.ID] = m
	s.mu.Unlock()

	s.Push(ChannelPath(channelID), m)
	return m, true
}

func (s *Server) channelStream(w http.ResponseWriter, r *http.Request, user model.User) {
	channelID := r.PathValue("channel_id")
	ch, ok := s.Channel(channelID)
	if !ok || !contains(ch.UserIDs, user.ID) {
		writeErrors(w, http.StatusUnauthorized, "user not in channel")
		return
	}

	s.handleStream(w, r, user.ID, func(data []byte) {
		var params model.Message
		if err := json.Unmarshal(data, &params); err != nil {
			return
		}
		s.postMessage(channelID, user, params.Body)
	})
}

func (s *Server) chatsStream(w http.ResponseWriter, r *http.Request, user model.User) {
	s.handleStream(w, r, user.ID, nil)
}

func (s *Server) indexSubscriptions(w http.ResponseWriter, _ *http.Request, user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make(map[string]model.Subscription)
	for id, sub := range s.subscriptions {
		if sub.UserID == user.ID {
			subs[id] = sub
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
