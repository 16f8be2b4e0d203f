package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ensemble-matcher/auth"
	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/postings"
	"ensemble-matcher/profiles"
	"ensemble-matcher/workflow"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// items wraps a list so an empty one encodes as [] rather than null.
func items[T any](in []T) listResponse[T] {
	if in == nil {
		in = []T{}
	}
	return listResponse[T]{Items: in}
}

// caller returns the authenticated user. authenticate guarantees one.
func caller(r *http.Request) string {
	uid, _ := auth.UserFrom(r.Context())
	return uid
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	apps, err := s.workflow.ListApplications(r.Context(), workflow.Role(q.Get("as")), q.Get("postingId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(apps))
}

func (s *Server) handleCreatePosting(w http.ResponseWriter, r *http.Request) {
	var req postings.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.postings.Create(r.Context(), caller(r), &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPostings(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	var (
		list []ensemble.Posting
		err  error
	)
	if r.URL.Query().Get("mine") == "true" {
		list, err = s.postings.ListByAuthor(r.Context(), caller(r), limit)
	} else {
		list, err = s.postings.ListOpen(r.Context(), limit)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (s *Server) handleGetPosting(w http.ResponseWriter, r *http.Request) {
	p, err := s.postings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePosting(w http.ResponseWriter, r *http.Request) {
	var patch postings.Patch
	if !decode(w, r, &patch) {
		return
	}
	p, err := s.postings.Update(r.Context(), caller(r), chi.URLParam(r, "id"), &patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleClosePosting(w http.ResponseWriter, r *http.Request) {
	p, err := s.postings.Close(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	list, err := s.notifications.List(r.Context(), caller(r), queryInt(r, "limit"), unread)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.notifications.MarkRead(r.Context(), caller(r), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) handleToggleBookmark(w http.ResponseWriter, r *http.Request) {
	on, err := s.bookmarks.Toggle(r.Context(), caller(r), chi.URLParam(r, "postingId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"bookmarked": on})
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookmarks.List(r.Context(), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context(), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var u profiles.Update
	if !decode(w, r, &u) {
		return
	}
	p, err := s.profiles.Put(r.Context(), caller(r), &u)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetChatRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.chatRooms.Get(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	list, err := s.chatRooms.List(r.Context(), caller(r), chi.URLParam(r, "id"), queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	msg, err := s.chatRooms.Send(r.Context(), caller(r), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkChatRead(w http.ResponseWriter, r *http.Request) {
	room, err := s.chatRooms.MarkRead(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}
