package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// TemplateResponse describes a worker template and whether it is usable
type TemplateResponse struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Version      string            `json:"version,omitempty"`
	Image        string            `json:"image"`
	Files        map[string]string `json:"files"`
	Valid        bool              `json:"valid"`
	MissingFiles []string          `json:"missing_files,omitempty"`
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	names, err := s.registry.ListTemplateNames()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"templates": names})
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	tpl, err := s.registry.Load(name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	missing, err := s.registry.MissingFiles(name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TemplateResponse{
		Name:         tpl.Name,
		Description:  tpl.Description,
		Version:      tpl.Version,
		Image:        tpl.Image,
		Files:        tpl.Files,
		Valid:        len(missing) == 0,
		MissingFiles: missing,
	})
}
