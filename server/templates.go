package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/docpipe/template"
)

func (s *Server) HandleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t template.Template
	if !readJSON(w, r, &t) {
		return
	}
	who := identityOf(r)
	if t.CreatedBy == "" {
		t.CreatedBy = who.UserID
	}
	if t.OrganizationID == "" {
		t.OrganizationID = who.OrganizationID
	}
	created, err := s.Templates.Create(r.Context(), &t)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to create template")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// HandleListTemplates lists the global templates and the caller organization's.
func (s *Server) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := template.Filter{
		OrganizationID: identityOf(r).OrganizationID,
		Limit:          parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit),
	}
	if raw := q.Get("processing_type"); raw != "" {
		pt, err := template.ParseProcessingType(raw)
		if err != nil {
			handleError(w, s.requestLog(r), err, "invalid processing type")
			return
		}
		f.ProcessingType = pt
	}
	f.IncludeInactive, _ = strconv.ParseBool(q.Get("include_inactive"))

	templates, err := s.Templates.List(r.Context(), f)
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to list templates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates": templates,
		"count":     len(templates),
	})
}

func (s *Server) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.Templates.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to get template")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTemplateRequest struct {
	Template template.Template `json:"template"`
	Bump     string            `json:"bump,omitempty"`    // major, minor or patch
	Version  string            `json:"version,omitempty"` // explicit next version
	Note     string            `json:"note,omitempty"`
}

// HandleUpdateTemplate stores a new version of the template.
func (s *Server) HandleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req updateTemplateRequest
	if !readJSON(w, r, &req) {
		return
	}
	req.Template.ID = r.PathValue("id")
	updated, err := s.Templates.Update(r.Context(), &req.Template, template.UpdateOptions{
		Bump:    req.Bump,
		Version: req.Version,
		Note:    req.Note,
		Actor:   identityOf(r).UserID,
	})
	if err != nil {
		handleError(w, s.requestLog(r), err, "failed to update template")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// HandleDeactivateTemplate soft-deletes a template.
func (s *Server) HandleDeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.Templates.Deactivate(r.Context(), r.PathValue("id")); err != nil {
		handleError(w, s.requestLog(r), err, "failed to deactivate template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
