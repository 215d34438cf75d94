package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/yuin/goldmark"

	"devswarm/internal/gitops"
	"devswarm/internal/model"
	"devswarm/internal/store"
)

// storeError maps store sentinels to HTTP status codes.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrDependencyCycle):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- state ---

func (s *Server) apiGetState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.store.GetSnapshot()
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// --- roadmap ---

// roadmapItemSummary is a roadmap item with its dependency summary.
type roadmapItemSummary struct {
	model.RoadmapItem
	DependencyCount           int  `json:"dependencyCount"`
	HasUnresolvedDependencies bool `json:"hasUnresolvedDependencies"`
}

func (s *Server) apiListRoadmap(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListRoadmapItems()
	if err != nil {
		s.storeError(w, err)
		return
	}

	out := make([]roadmapItemSummary, 0, len(items))
	for _, item := range items {
		deps, err := s.store.GetDependenciesWithDetails(model.KindRoadmapItem, item.ID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		summary := roadmapItemSummary{RoadmapItem: item, DependencyCount: len(deps)}
		for _, d := range deps {
			if !d.Resolved {
				summary.HasUnresolvedDependencies = true
				break
			}
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiCreateRoadmapItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title            string                 `json:"title"`
		Description      string                 `json:"description"`
		ResolutionMethod model.ResolutionMethod `json:"resolutionMethod"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.ResolutionMethod != "" && !model.ValidResolutionMethod(req.ResolutionMethod) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown resolution method %q", req.ResolutionMethod))
		return
	}

	item := &model.RoadmapItem{
		Title:       req.Title,
		Description: req.Description,
		Resolution:  req.ResolutionMethod,
	}
	if err := s.store.CreateRoadmapItem(item); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) apiGetRoadmapItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetRoadmapItem(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) apiUpdateRoadmapItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title            *string                 `json:"title"`
		Description      *string                 `json:"description"`
		Status           *model.RoadmapStatus    `json:"status"`
		ResolutionMethod *model.ResolutionMethod `json:"resolutionMethod"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ResolutionMethod != nil && !model.ValidResolutionMethod(*req.ResolutionMethod) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown resolution method %q", *req.ResolutionMethod))
		return
	}

	item, err := s.store.UpdateRoadmapItem(r.PathValue("id"), store.RoadmapItemUpdate{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Resolution:  req.ResolutionMethod,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) apiGetItemDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := s.store.GetDependenciesWithDetails(model.KindRoadmapItem, r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

// --- dependencies ---

func (s *Server) apiAddDependency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockedKind model.DependencyKind `json:"blockedKind"`
		BlockedID   string               `json:"blockedId"`
		BlockerKind model.DependencyKind `json:"blockerKind"`
		BlockerID   string               `json:"blockerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.BlockedID == "" || req.BlockerID == "" {
		writeError(w, http.StatusBadRequest, "blockedId and blockerId are required")
		return
	}
	if req.BlockedKind == "" {
		req.BlockedKind = model.KindRoadmapItem
	}
	if req.BlockerKind == "" {
		req.BlockerKind = model.KindRoadmapItem
	}

	dep := &model.Dependency{
		BlockedKind: req.BlockedKind,
		BlockedID:   req.BlockedID,
		BlockerKind: req.BlockerKind,
		BlockerID:   req.BlockerID,
	}
	if err := s.store.AddDependency(dep); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) apiRemoveDependency(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveDependency(r.PathValue("id")); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) apiResolveDependency(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ResolveDependency(r.PathValue("id")); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// --- specs ---

func (s *Server) apiListSpecs(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListSpecs()
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

func (s *Server) apiCreateSpec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoadmapItemID string `json:"roadmapItemId"`
		Content       string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RoadmapItemID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "roadmapItemId and content are required")
		return
	}

	spec, err := s.store.CreateSpec(req.RoadmapItemID, req.Content)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, spec)
}

// specDetail is a spec with its task groups (and their tasks) embedded.
type specDetail struct {
	model.Spec
	TaskGroups []model.TaskGroup `json:"taskGroups"`
}

func (s *Server) apiGetSpec(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.GetSpec(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	groups, err := s.store.ListTaskGroups(spec.ID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	detail := specDetail{Spec: *spec, TaskGroups: groups}

	if r.URL.Query().Get("render") == "html" {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(spec.Content), &buf); err != nil {
			s.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"spec": detail,
			"html": buf.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// apiUpdateSpec applies content and status changes. Approval is gated on the
// roadmap item's dependencies; a manual transition to done triggers a
// best-effort push of main (for conflict merges finished by hand).
func (s *Server) apiUpdateSpec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content *string           `json:"content"`
		Status  *model.SpecStatus `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id := r.PathValue("id")

	if req.Status != nil && *req.Status == model.SpecApproved {
		spec, err := s.store.GetSpec(id)
		if err != nil {
			s.storeError(w, err)
			return
		}
		blockers, err := s.store.UnresolvedBlockers(model.KindRoadmapItem, spec.RoadmapItemID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if len(blockers) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":    "cannot approve: unresolved dependencies",
				"blockers": blockers,
			})
			return
		}
	}

	spec, err := s.store.UpdateSpec(id, store.SpecUpdate{
		Content: req.Content,
		Status:  req.Status,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}

	if req.Status != nil && *req.Status == model.SpecDone {
		if err := s.worktrees.Push(r.Context(), gitops.MainWorktree); err != nil {
			s.logger.Warn("Best-effort main push failed", "spec", id, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, spec)
}

// --- task groups and tasks ---

func (s *Server) apiListTaskGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListTaskGroups(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) apiCreateTaskGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SpecID      string `json:"specId"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Seq         int    `json:"seq"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SpecID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "specId and name are required")
		return
	}

	group := &model.TaskGroup{
		SpecID:      req.SpecID,
		Name:        req.Name,
		Description: req.Description,
		Seq:         req.Seq,
	}
	if err := s.store.CreateTaskGroup(group); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) apiUpdateTaskGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.StepStatus `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	group, err := s.store.UpdateTaskGroupStatus(r.PathValue("id"), req.Status)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) apiCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID     string `json:"groupId"`
		Description string `json:"description"`
		Seq         int    `json:"seq"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.GroupID == "" || req.Description == "" {
		writeError(w, http.StatusBadRequest, "groupId and description are required")
		return
	}

	task := &model.Task{
		GroupID:     req.GroupID,
		Description: req.Description,
		Seq:         req.Seq,
	}
	if err := s.store.CreateTask(task); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) apiUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description *string           `json:"description"`
		Status      *model.StepStatus `json:"status"`
		CommitHash  *string           `json:"commitHash"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	task, err := s.store.UpdateTask(r.PathValue("id"), store.TaskUpdate{
		Description: req.Description,
		Status:      req.Status,
		CommitHash:  req.CommitHash,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- agents and questions ---

func (s *Server) apiListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgentInstances()
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) apiMessageMain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := s.orch.SendToMain(r.Context(), req.Message); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) apiPendingQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := s.store.ListPendingQuestions()
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (s *Server) apiAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Answer == "" {
		writeError(w, http.StatusBadRequest, "answer is required")
		return
	}

	if err := s.orch.AnswerQuestion(r.Context(), r.PathValue("id"), req.Answer); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

// --- auth state ---

func (s *Server) apiGetAuthState(w http.ResponseWriter, r *http.Request) {
	value, err := s.store.GetAuthState(r.PathValue("key"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": r.PathValue("key"), "value": value})
}

func (s *Server) apiSetAuthState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.store.SetAuthState(r.PathValue("key"), req.Value); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// --- worktrees ---

func (s *Server) apiListWorktrees(w http.ResponseWriter, r *http.Request) {
	worktrees, err := s.worktrees.ListWorktrees(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worktrees)
}
