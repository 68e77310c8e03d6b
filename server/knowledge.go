package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/teranos/docpipe/knowledge"
)

func (s *Server) HandleCreateKnowledge(w http.ResponseWriter, r *http.Request) {
	var e knowledge.Entry
	if !readJSON(w, r, &e) {
		return
	}
	who := identityOf(r)
	if e.CreatedBy == "" {
		e.CreatedBy = who.UserID
	}
	if e.OrganizationID == "" {
		e.OrganizationID = who.OrganizationID
	}
	created, err := s.Knowledge.Create(r.Context(), &e)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to create knowledge entry")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// HandleSearchKnowledge matches q against title, content and keywords.
// type takes a comma separated list.
func (s *Server) HandleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := knowledge.Filter{
		OrganizationID: identityOf(r).OrganizationID,
		Limit:          parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit),
	}
	f.Semantic, _ = strconv.ParseBool(q.Get("semantic"))
	for _, raw := range strings.Split(q.Get("type"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		t, err := knowledge.ParseType(raw)
		if err != nil {
			handleError(w, s.requestLog(r), err, "invalid knowledge type")
			return
		}
		f.Types = append(f.Types, t)
	}

	entries, err := s.Knowledge.Search(r.Context(), q.Get("q"), f)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to search knowledge")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) HandleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	e, err := s.Knowledge.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get knowledge entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// HandleUpdateKnowledge stores the body as the next version of the entry's
// chain. Only the latest version can be updated.
func (s *Server) HandleUpdateKnowledge(w http.ResponseWriter, r *http.Request) {
	var e knowledge.Entry
	if !readJSON(w, r, &e) {
		return
	}
	who := identityOf(r)
	if e.CreatedBy == "" {
		e.CreatedBy = who.UserID
	}
	if e.OrganizationID == "" {
		e.OrganizationID = who.OrganizationID
	}
	next, err := s.Knowledge.CreateVersion(r.Context(), r.PathValue("id"), &e)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to version knowledge entry")
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) HandleKnowledgeVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.Knowledge.Versions(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to list knowledge versions")
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "knowledge entry "+r.PathValue("id")+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

type verifyRequest struct {
	Notes string `json:"notes,omitempty"`
}

// HandleVerifyKnowledge marks the entry verified by the caller.
func (s *Server) HandleVerifyKnowledge(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if r.ContentLength != 0 && !readJSON(w, r, &req) {
		return
	}
	e, err := s.Knowledge.Verify(r.Context(), r.PathValue("id"), identityOf(r).UserID, req.Notes)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to verify knowledge entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// HandleDeactivateKnowledge takes the entry out of retrieval. It stays
// readable by ID.
func (s *Server) HandleDeactivateKnowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.Knowledge.Deactivate(r.Context(), r.PathValue("id"), identityOf(r).UserID); err != nil {
		handleError(w, s.requestLog(r), err, "failed to deactivate knowledge entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
