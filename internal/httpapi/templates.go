package httpapi

import (
	"net/http"

	"github.com/swarmguard/emailorch/internal/cache"
	"github.com/swarmguard/emailorch/internal/workflow"
)

// handleTemplates serves the workflow template catalog: the static
// bug_fix_workflow/feature_development/code_review/emergency_fix templates
// seeded at startup, plus any per-task ad hoc template registered so far.
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.templateStore.List())
}

// handleTemplateByID serves a single template, read-through the
// workflows/templates cache namespace: a hit skips the in-memory catalog
// lookup entirely, matching the multi-instance deployment where the cache is
// Redis-backed and the catalog lookup itself is cheap but the namespace
// contract still applies.
func (s *Server) handleTemplateByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var tmpl workflow.Template
	if cache.GetJSON(r.Context(), s.cache, cache.NamespaceWorkflowTemplates, id, &tmpl) {
		writeJSON(w, http.StatusOK, tmpl)
		return
	}

	t, ok := s.templateStore.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "template not found: " + id})
		return
	}
	cache.PutJSON(r.Context(), s.cache, cache.NamespaceWorkflowTemplates, id, t, s.cfg.TTL.WorkflowTemplate)
	writeJSON(w, http.StatusOK, t)
}
