package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/calder-dev/mnemo/internal/policy"
	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev types.Event
	if err := decode(r, &ev); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.engine.Ingest(r.Context(), &ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.GetEvent(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := types.QueryOptions{
		Project: q.Get("project"),
		Branch:  q.Get("branch"),
		Order:   types.QueryOrder(q.Get("order")),
	}
	if v := q.Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			opts.Types = append(opts.Types, types.EventType(strings.TrimSpace(t)))
		}
	}
	if v := q.Get("tags"); v != "" {
		for _, t := range strings.Split(v, ",") {
			opts.TagsAny = append(opts.TagsAny, strings.TrimSpace(t))
		}
	}
	if v := q.Get("min_importance"); v != "" {
		opts.MinImportance, _ = strconv.ParseFloat(v, 64)
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if opts.Limit == 0 {
		opts.Limit = 100
	}

	events, err := s.engine.QueryEvents(opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req types.RetrieveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pack, err := s.engine.Retrieve(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleGetPack(w http.ResponseWriter, r *http.Request) {
	pack, err := s.engine.GetPack(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Policies().List())
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Policies().Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := decode(r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	if id := mux.Vars(r)["id"]; p.ID == "" {
		p.ID = id
	} else if p.ID != id {
		s.writeError(w, errdefs.Wrapf(errdefs.ErrValidation, "policy id mismatch"))
		return
	}
	if err := s.engine.Policies().Save(&p); err != nil {
		s.writeError(w, err)
		return
	}
	saved, err := s.engine.Policies().Get(p.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Policies().Load(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"policies": len(s.engine.Policies().List())})
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.engine.Journal().ListBranches()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, branches)
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Base        string `json:"base"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	b, err := s.engine.Journal().CreateBranch(req.Name, req.Description, req.Base)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch   string   `json:"branch"`
		EventIDs []string `json:"event_ids"`
		Message  string   `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.engine.Journal().Commit(req.Branch, req.EventIDs, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
		Into   string `json:"into"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.engine.Journal().Merge(req.Branch, req.Into)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		CommitID string `json:"commit_id"`
		Message  string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.engine.Journal().Tag(req.Name, req.CommitID, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleRollUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string    `json:"branch"`
		Since  time.Time `json:"since"`
		Until  time.Time `json:"until"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Until.IsZero() {
		req.Until = time.Now().UTC()
	}
	if req.Since.IsZero() {
		req.Since = req.Until.AddDate(0, 0, -7)
	}
	res, err := s.engine.RollUp(r.Context(), req.Branch, req.Since, req.Until)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.Health()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}
