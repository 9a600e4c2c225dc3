package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"collections/agent"
	"collections/auth"
	"collections/collection"
	"collections/engine"
	"collections/promise"
	"collections/settlement"
)

const dateLayout = "2006-01-02"

const defaultOverrideWindow = 30 * 24 * time.Hour

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	f := collection.Filters{
		Status:          collection.Status(q.Get("status")),
		Stage:           collection.Stage(q.Get("stage")),
		AssignedAgentID: q.Get("agent"),
		Jurisdiction:    strings.ToLower(q.Get("jurisdiction")),
		SortKey:         q.Get("sort"),
		SortOrder:       q.Get("order"),
	}
	if f.AssignedAgentID == "me" {
		f.AssignedAgentID = userID(r)
	}
	if raw := q.Get("minPriority"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, r, collection.Invalid("minPriority", "must be a number"))
			return
		}
		f.MinPriority = v
	}
	var err error
	if f.Page, err = queryInt(r, "page"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.PageSize, err = queryInt(r, "pageSize"); err != nil {
		s.writeError(w, r, err)
		return
	}

	rows, total, err := s.engine.Queue(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]queueItemResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, queueItemResponse{caseResponse: toCaseResponse(row.Case), SLA: toSLAResponse(row.SLA)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// handleCaseDetail routes everything under /api/cases/{id}.
func (s *Server) handleCaseDetail(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/cases/")
	if len(parts) == 0 {
		writeErrorMessage(w, http.StatusBadRequest, "case id required")
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleGetCase(w, r, id)
	case len(parts) == 2 && parts[1] == "compliance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleCompliance(w, r, id)
	case len(parts) == 2 && parts[1] == "flags":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, http.MethodPatch)
			return
		}
		s.handleSetFlags(w, r, id)
	case len(parts) == 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		switch parts[1] {
		case "promises":
			s.handleCreatePromise(w, r, id)
		case "settlements":
			s.handleCreateSettlement(w, r, id)
		case "contacts":
			s.handleRecordContact(w, r, id)
		case "assign":
			s.handleAssign(w, r, id)
		case "status":
			s.handleTransition(w, r, id)
		case "messages":
			s.handleSendMessage(w, r, id)
		default:
			writeErrorMessage(w, http.StatusNotFound, "not found")
		}
	case len(parts) == 3 && parts[1] == "nba" && parts[2] == "override":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleOverride(w, r, id)
	default:
		writeErrorMessage(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request, id string) {
	d, err := s.engine.CaseDetail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(d))
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request, id string) {
	v, err := s.engine.CheckCompliance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerdictResponse(v))
}

type overrideRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request, id string) {
	var req overrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := s.engine.OverrideNBA(r.Context(), engine.OverrideRequest{
		CaseID: id, Action: req.Action, Reason: req.Reason, ActorID: userID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(ev))
}

type createPromiseRequest struct {
	AmountMinor   int64   `json:"amountMinor"`
	PromiseDate   string  `json:"promiseDate"`
	PaymentMethod *string `json:"paymentMethod"`
	Notes         *string `json:"notes"`
}

func (s *Server) handleCreatePromise(w http.ResponseWriter, r *http.Request, id string) {
	var req createPromiseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	date, err := time.Parse(dateLayout, req.PromiseDate)
	if err != nil {
		s.writeError(w, r, collection.Invalid("promiseDate", "must be YYYY-MM-DD"))
		return
	}
	p, err := s.engine.CreatePTP(r.Context(), promise.CreateParams{
		CaseID:        id,
		AmountMinor:   req.AmountMinor,
		PromiseDate:   date,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
		ActorID:       userID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPromiseResponse(p))
}

type paymentRequest struct {
	AmountMinor int64 `json:"amountMinor"`
}

// handlePromise serves POST /api/promises/{id}/payments.
func (s *Server) handlePromise(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/promises/")
	if len(parts) != 2 || parts[1] != "payments" {
		writeErrorMessage(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req paymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.engine.RecordPTPPayment(r.Context(), parts[0], req.AmountMinor, userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromiseResponse(p))
}

type settlementRequest struct {
	Mode           string  `json:"mode"`
	DiscountPct    float64 `json:"discountPct"`
	PlanTermMonths int     `json:"planTermMonths"`
}

func (s *Server) handleCreateSettlement(w http.ResponseWriter, r *http.Request, id string) {
	var req settlementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sreq := engine.SettlementRequest{
		CaseID:  id,
		Mode:    engine.SettlementMode(req.Mode),
		ActorID: userID(r),
	}
	// planTermMonths picks the short plan in auto mode and the plan term in manual mode
	if sreq.Mode == engine.ModeManual {
		sreq.Terms = settlement.ManualTerms{DiscountPct: req.DiscountPct, PlanTermMonths: req.PlanTermMonths}
	} else {
		sreq.ShortPlanMonths = req.PlanTermMonths
	}
	offers, err := s.engine.CreateSettlement(r.Context(), sreq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": toOfferResponses(offers)})
}

// handleSettlement serves POST /api/settlements/{id}/{approve|accept|reject|expire|supersede}.
func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/settlements/")
	if len(parts) != 2 {
		writeErrorMessage(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	id, action, actor := parts[0], parts[1], userID(r)
	ctx := r.Context()

	var (
		offer settlement.Offer
		err   error
	)
	switch action {
	case "approve":
		if !hasRole(r, agent.RoleSupervisor, agent.RoleAdmin) {
			writeErrorMessage(w, http.StatusForbidden, "approval requires a supervisor")
			return
		}
		offer, err = s.engine.ApproveSettlement(ctx, id, actor)
	case "accept":
		var c collection.Case
		offer, c, err = s.engine.AcceptSettlement(ctx, id, actor)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"offer": toOfferResponse(offer), "case": toCaseResponse(c)})
			return
		}
	case "reject":
		offer, err = s.engine.RejectSettlement(ctx, id, actor)
	case "expire":
		offer, err = s.engine.ExpireSettlement(ctx, id, actor)
	case "supersede":
		var req settlementRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		offer, err = s.engine.SupersedeSettlement(ctx, id, settlement.ManualTerms{
			DiscountPct: req.DiscountPct, PlanTermMonths: req.PlanTermMonths,
		}, actor)
	default:
		writeErrorMessage(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferResponse(offer))
}

type contactRequest struct {
	Channel     string     `json:"channel"`
	Outcome     string     `json:"outcome"`
	Notes       *string    `json:"notes"`
	ContactedAt *time.Time `json:"contactedAt"`
	Version     int64      `json:"version"`
}

func (s *Server) handleRecordContact(w http.ResponseWriter, r *http.Request, id string) {
	var req contactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := engine.ContactRequest{
		CaseID:  id,
		Channel: collection.Channel(req.Channel),
		Outcome: req.Outcome,
		Notes:   req.Notes,
		ActorID: userID(r),
		Version: req.Version,
	}
	if req.ContactedAt != nil {
		in.ContactedAt = *req.ContactedAt
	}
	c, err := s.engine.RecordContact(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

type flagsRequest struct {
	DisputeActive *bool `json:"disputeActive"`
	Vulnerability *bool `json:"vulnerability"`
	DoNotContact  *bool `json:"doNotContact"`
	Hardship      *bool `json:"hardship"`
	Version       int64 `json:"version"`
}

func (s *Server) handleSetFlags(w http.ResponseWriter, r *http.Request, id string) {
	var req flagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.engine.SetFlags(r.Context(), engine.FlagsRequest{
		CaseID: id,
		Patch: collection.FlagPatch{
			DisputeActive: req.DisputeActive,
			Vulnerability: req.Vulnerability,
			DoNotContact:  req.DoNotContact,
			Hardship:      req.Hardship,
		},
		ActorID: userID(r),
		Version: req.Version,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

type assignRequest struct {
	AgentID string `json:"agentId"`
	Version int64  `json:"version"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request, id string) {
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// agents may only take cases for themselves
	if req.AgentID != userID(r) && !hasRole(r, agent.RoleSupervisor, agent.RoleAdmin) {
		writeErrorMessage(w, http.StatusForbidden, "only supervisors assign other agents")
		return
	}
	c, err := s.engine.Assign(r.Context(), engine.AssignRequest{
		CaseID: id, AgentID: req.AgentID, ActorID: userID(r), Version: req.Version,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

type transitionRequest struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Version int64  `json:"version"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, id string) {
	var req transitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	to := collection.Status(req.Status)
	if to == collection.StatusWrittenOff && !hasRole(r, agent.RoleSupervisor, agent.RoleAdmin) {
		writeErrorMessage(w, http.StatusForbidden, "write-off requires a supervisor")
		return
	}
	c, err := s.engine.Transition(r.Context(), engine.TransitionRequest{
		CaseID: id, To: to, Reason: req.Reason, ActorID: userID(r), Version: req.Version,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

type messageRequest struct {
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, id string) {
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.engine.SendMessage(r.Context(), engine.MessageRequest{
		CaseID: id, Channel: collection.Channel(req.Channel), Body: req.Body, ActorID: userID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"queued":     res.Queued,
		"messageId":  res.MessageID,
		"compliance": toVerdictResponse(res.Verdict),
	})
}

func (s *Server) handleOverrideRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !hasRole(r, agent.RoleSupervisor, agent.RoleAdmin) {
		writeErrorMessage(w, http.StatusForbidden, "supervisor role required")
		return
	}
	since := s.clock().Add(-defaultOverrideWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, collection.Invalid("since", "must be RFC3339"))
			return
		}
		since = t
	}
	rate, err := s.engine.OverrideRate(r.Context(), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": formatTime(since), "overrideRate": rate})
}

// handleJobRun serves POST /api/admin/jobs/{name}/run.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/admin/jobs/")
	if len(parts) != 2 || parts[1] != "run" {
		writeErrorMessage(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !hasRole(r, agent.RoleAdmin) {
		writeErrorMessage(w, http.StatusForbidden, "admin role required")
		return
	}
	res, err := s.jobs.Trigger(r.Context(), parts[0])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobRunResponse(res))
}

type issueTokenRequest struct {
	AgentID string `json:"agentId"`
}

// handleIssueToken lets an admin mint a bearer token for a directory agent.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !hasRole(r, agent.RoleAdmin) {
		writeErrorMessage(w, http.StatusForbidden, "admin role required")
		return
	}
	var req issueTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		s.writeError(w, r, collection.Invalid("agentId", "required"))
		return
	}
	token, err := s.tokens.Issue(r.Context(), auth.IssueRequest{AgentID: req.AgentID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}
