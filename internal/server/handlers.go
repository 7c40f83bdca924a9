package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/refsift/refsift/internal/bib"
	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/review"
	"github.com/refsift/refsift/internal/step"
)

// --- projects ---

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	p, err := s.store.CreateProject(r.Context(), req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.Context(), chi.URLParam(r, "projectID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- sources ---

// importSources replaces the project's source set with the BibTeX document
// in the request body.
func (s *Server) importSources(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	defer r.Body.Close()

	entries, err := bib.Parse(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if len(entries) == 0 {
		writeBadRequest(w, "no entries in document")
		return
	}

	if err := s.store.ReplaceSources(r.Context(), projectID, entries); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": len(entries)})
}

func (s *Server) getSources(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetSources(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- pipeline ---

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	pipe, err := s.engine.GetPipeline(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

func (s *Server) setPipeline(w http.ResponseWriter, r *http.Request) {
	var pipe model.Pipeline
	if err := decodeBody(r, &pipe); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	pipe.ProjectID = chi.URLParam(r, "projectID")

	if err := s.engine.SetPipeline(r.Context(), &pipe); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

// --- steps ---

func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	runs, err := s.engine.ListSteps(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) addStep(w http.ResponseWriter, r *http.Request) {
	var def model.Step
	if err := decodeBody(r, &def); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	pipe, err := s.engine.AddStep(r.Context(), chi.URLParam(r, "projectID"), def)
	if err != nil {
		var cfgErr *step.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, err)
			return
		}
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pipe)
}

func (s *Server) getStep(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetStep(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) updateStep(w http.ResponseWriter, r *http.Request) {
	var def model.Step
	if err := decodeBody(r, &def); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	def.ID = chi.URLParam(r, "stepID")

	pipe, err := s.engine.UpdateStep(r.Context(), chi.URLParam(r, "projectID"), def)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

func (s *Server) deleteStep(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteStep(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveStepRequest struct {
	Index int `json:"index"`
}

func (s *Server) moveStep(w http.ResponseWriter, r *http.Request) {
	var req moveStepRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	pipe, err := s.engine.MoveStep(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"), req.Index)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

// --- runs ---

func (s *Server) runStep(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.RunStep(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) resetStep(w http.ResponseWriter, r *http.Request) {
	err := s.engine.ResetStep(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getStepInput(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.GetStepInput(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getStepOutput(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = model.DefaultOutput
	}
	entries, err := s.engine.GetStepOutput(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getStepChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := s.engine.GetStepChanges(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// --- clusters ---

func (s *Server) getClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.engine.GetClusters(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

type updateClustersRequest struct {
	Overrides []model.ClusterOverride `json:"overrides"`
}

func (s *Server) updateClusters(w http.ResponseWriter, r *http.Request) {
	var req updateClustersRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	if len(req.Overrides) == 0 {
		writeBadRequest(w, "overrides are required")
		return
	}

	err := s.engine.UpdateClusters(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"), req.Overrides)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.Overrides)})
}

// --- review ---

type reviewResponse struct {
	Rows  []review.Row `json:"rows"`
	Stats review.Stats `json:"stats"`
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	rows, err := s.reviewRows(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reviewResponse{Rows: rows, Stats: review.ComputeStats(rows)})
}

func (s *Server) updateReview(w http.ResponseWriter, r *http.Request) {
	var rec model.ReviewRecord
	if err := decodeBody(r, &rec); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	err := s.review.Update(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"), rec)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkReviewRequest struct {
	Records []model.ReviewRecord `json:"records"`
}

func (s *Server) bulkUpdateReview(w http.ResponseWriter, r *http.Request) {
	var req bulkReviewRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	if len(req.Records) == 0 {
		writeBadRequest(w, "records are required")
		return
	}

	err := s.review.BulkUpdate(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "stepID"), req.Records)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.Records)})
}

func (s *Server) exportReview(w http.ResponseWriter, r *http.Request) {
	rows, err := s.reviewRows(r)
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="screening.csv"`)
		if err := review.ExportCSV(w, rows); err != nil {
			writeError(w, err)
		}
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="screening.xlsx"`)
		if err := review.ExportXLSX(w, rows); err != nil {
			writeError(w, err)
		}
	default:
		writeBadRequest(w, "format must be csv or xlsx")
	}
}

// reviewRows loads the review rows for the step's latest completed run.
func (s *Server) reviewRows(r *http.Request) ([]review.Row, error) {
	projectID := chi.URLParam(r, "projectID")
	stepID := chi.URLParam(r, "stepID")

	run, err := s.engine.LatestCompletedRun(r.Context(), projectID, stepID)
	if err != nil {
		return nil, err
	}
	return s.review.Rows(r.Context(), run)
}

// --- step types ---

type stepTypeInfo struct {
	Type         string                  `json:"type"`
	Name         string                  `json:"name"`
	Description  string                  `json:"description"`
	Outputs      []step.OutputDefinition `json:"outputs"`
	ConfigSchema map[string]any          `json:"config_schema"`
}

func (s *Server) listStepTypes(w http.ResponseWriter, r *http.Request) {
	registry := s.engine.Registry()
	infos := make([]stepTypeInfo, 0)
	for _, typ := range registry.Types() {
		h, err := registry.Get(typ)
		if err != nil {
			continue
		}
		infos = append(infos, stepTypeInfo{
			Type:         h.Type(),
			Name:         h.Name(),
			Description:  h.Description(),
			Outputs:      h.Outputs(),
			ConfigSchema: schemaDoc(h.ConfigSchema()),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

// schemaDoc renders a config schema as a JSON-friendly document.
func schemaDoc(sc step.Schema) map[string]any {
	props := make(map[string]any, len(sc.Properties))
	for name, p := range sc.Properties {
		doc := map[string]any{"type": string(p.Type)}
		if p.Default != nil {
			doc["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			doc["enum"] = p.Enum
		}
		if p.Minimum != nil {
			doc["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			doc["maximum"] = *p.Maximum
		}
		if p.Description != "" {
			doc["description"] = p.Description
		}
		props[name] = doc
	}
	out := map[string]any{"properties": props}
	if len(sc.Required) > 0 {
		out["required"] = sc.Required
	}
	return out
}
