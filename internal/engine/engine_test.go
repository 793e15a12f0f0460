package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Stages map[string]domain.WorkflowStage
}

// Pipeline used throughout: Inquiry(1) -> Technical Review(2) -> Quoted(3)
// -> Order Confirmed(4, approval) -> Production(5). Rule config comes from
// config.Default: Technical Review needs an owner and a drawing, Quoted
// needs owner+priority and a supplier quote.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitOrg(ctx, "org-1", "Test Org", "boss"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	if err := eng.GrantRole(ctx, "org-1", "mgr", "manager", "boss"); err != nil {
		t.Fatalf("grant manager: %v", err)
	}
	if err := eng.GrantRole(ctx, "org-1", "eng", "engineer", "boss"); err != nil {
		t.Fatalf("grant engineer: %v", err)
	}
	env := testEnv{Engine: eng, Ctx: ctx, Stages: map[string]domain.WorkflowStage{}}
	pipeline := []engine.StageCreateOptions{
		{OrgID: "org-1", Name: "Inquiry", Order: 1, ActorID: "boss"},
		{OrgID: "org-1", Name: "Technical Review", Order: 2, ActorID: "boss"},
		{OrgID: "org-1", Name: "Quoted", Order: 3, ActorID: "boss"},
		{OrgID: "org-1", Name: "Order Confirmed", Order: 4, RequiresApproval: true, ApprovalRoles: []string{"manager"}, ActorID: "boss"},
		{OrgID: "org-1", Name: "Production", Order: 5, ActorID: "boss"},
	}
	for _, opts := range pipeline {
		s, err := eng.CreateStage(ctx, opts)
		if err != nil {
			t.Fatalf("create stage %s: %v", opts.Name, err)
		}
		env.Stages[s.Name] = s
	}
	return env
}

func (env testEnv) newProject(t *testing.T, name, owner string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		OrgID:   "org-1",
		Name:    name,
		OwnerID: owner,
		ActorID: "boss",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestIntakeEntersFirstStageAndRecords(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	if p.CurrentStageID == nil || *p.CurrentStageID != env.Stages["Inquiry"].ID {
		t.Fatalf("expected project at Inquiry, got %v", p.CurrentStageID)
	}
	if p.StageEnteredAt == nil {
		t.Fatalf("expected stage_entered_at set")
	}
	recs, err := env.Engine.Repo.ListTransitions(env.Ctx, p.ID, 0)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 intake record, got %d", len(recs))
	}
	if recs[0].FromStageID != nil || recs[0].Outcome != domain.OutcomeCompleted {
		t.Fatalf("unexpected intake record %+v", recs[0])
	}
}

func TestValidateMissingDocument(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	result, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Technical Review"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.IsValid {
		t.Fatalf("expected invalid result")
	}
	found := false
	for _, c := range result.Checks {
		if c.Category == domain.CategoryDocuments && c.Status == domain.CheckFailed && c.Required {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a failed required documents check, got %+v", result.Checks)
	}
	if len(result.Errors) == 0 {
		t.Fatalf("expected itemized errors")
	}
}

func TestValidatePassesAfterAttach(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	if _, err := env.Engine.AttachDocument(env.Ctx, p.ID, "drawing", "widget.dwg", "eng"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	result, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Technical Review"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.IsValid || !result.CanProceed || result.RequiresBypass {
		t.Fatalf("expected clean pass, got %+v", result)
	}
}

func TestCanProceedWithoutBypassPermission(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	result, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Technical Review"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.CanProceed {
		t.Fatalf("engineer without bypass must not proceed past failed validation")
	}
	// The same failed validation with bypass rights is proceedable.
	result, err = env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Technical Review"].ID, "mgr")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.CanProceed || !result.RequiresBypass {
		t.Fatalf("manager should be offered a bypass, got %+v", result)
	}
}

func TestBypassRequiresJustification(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	decision, err := env.Engine.AuthorizeBypass(env.Ctx, "mgr", p.ID, env.Stages["Technical Review"].ID, "   ")
	if decision.Authorized {
		t.Fatalf("empty justification must never authorize")
	}
	var invalid engine.InvalidArgumentError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
	decision, err = env.Engine.AuthorizeBypass(env.Ctx, "eng", p.ID, env.Stages["Technical Review"].ID, "urgent customer request")
	if decision.Authorized {
		t.Fatalf("engineer must not be authorized")
	}
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestBypassedTransitionIsAudited(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	decision, err := env.Engine.AuthorizeBypass(env.Ctx, "mgr", p.ID, env.Stages["Technical Review"].ID, "urgent customer request")
	if err != nil || !decision.Authorized {
		t.Fatalf("authorize: %v %+v", err, decision)
	}
	res, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID:     p.ID,
		Target:        env.Stages["Technical Review"].ID,
		ActorID:       "mgr",
		Bypass:        true,
		Justification: "urgent customer request",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Project.CurrentStageID == nil || *res.Project.CurrentStageID != env.Stages["Technical Review"].ID {
		t.Fatalf("project not moved: %+v", res.Project)
	}
	if res.Record.Outcome != domain.OutcomeBypassed || res.Record.Justification != "urgent customer request" {
		t.Fatalf("unexpected audit record %+v", res.Record)
	}
	if res.Project.Version != p.Version+1 {
		t.Fatalf("expected version bump, got %d", res.Project.Version)
	}
}

func TestBypassWithoutPermissionDoesNotCommit(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	_, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID:     p.ID,
		Target:        env.Stages["Technical Review"].ID,
		ActorID:       "eng",
		Bypass:        true,
		Justification: "trying anyway",
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if *got.CurrentStageID != env.Stages["Inquiry"].ID {
		t.Fatalf("project must not have moved")
	}
}

func TestRejectedAttemptIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	before, _ := env.Engine.Repo.CountTransitions(env.Ctx, p.ID)
	_, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: p.ID,
		Target:    env.Stages["Technical Review"].ID,
		ActorID:   "eng",
	})
	var failed engine.ValidationFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ValidationFailedError, got %v", err)
	}
	after, _ := env.Engine.Repo.CountTransitions(env.Ctx, p.ID)
	if after != before+1 {
		t.Fatalf("expected rejection record, counts %d -> %d", before, after)
	}
	recs, _ := env.Engine.Repo.ListTransitions(env.Ctx, p.ID, 1)
	if recs[0].Outcome != domain.OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %s", recs[0].Outcome)
	}
}

func TestCompareAndSwapMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	target := env.Stages["Technical Review"].ID
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.CompareAndSwapStage(env.Ctx, tx, p.ID, p.Version, target, now); err != nil {
		t.Fatalf("first swap: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// Second attempt against the same pre-transition version must lose.
	tx, err = env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.CompareAndSwapStage(env.Ctx, tx, p.ID, p.Version, env.Stages["Quoted"].ID, now)
	if !errors.Is(err, repo.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
}

func TestCheckIdempotence(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	first, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Technical Review"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	second, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Technical Review"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical results:\n%+v\n%+v", first, second)
	}
}

type failingApprovals struct{}

func (failingApprovals) GetApprovalStatus(context.Context, string, domain.StageRef) (engine.ApprovalStatus, error) {
	return engine.ApprovalStatus{}, errors.New("approval service unreachable")
}

func (failingApprovals) RequestApprovals(context.Context, string, domain.StageRef, string, string) error {
	return errors.New("approval service unreachable")
}

func TestFailClosedOnApprovalOutage(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	env.Engine.Approvals = failingApprovals{}
	result, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Order Confirmed"].ID, "mgr")
	if err != nil {
		t.Fatalf("validate should fail closed, not error: %v", err)
	}
	if result.IsValid || result.CanProceed {
		t.Fatalf("unreachable approvals must never validate: %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one synthetic error, got %v", result.Errors)
	}
}

type failingDocuments struct{}

func (failingDocuments) HasDocument(context.Context, string, string) (bool, error) {
	return false, errors.New("document service unreachable")
}

func TestBypassRefusedDuringCollaboratorOutage(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	env.Engine.Documents = failingDocuments{}

	res, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID:     p.ID,
		Target:        env.Stages["Technical Review"].ID,
		ActorID:       "mgr",
		Bypass:        true,
		Justification: "urgent customer request",
	})
	var upstream engine.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if res.Validation.CanProceed || res.Validation.RequiresBypass {
		t.Fatalf("fail-closed snapshot must not offer a path forward: %+v", res.Validation)
	}
	fresh, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.CurrentStageID == nil || *fresh.CurrentStageID != env.Stages["Inquiry"].ID {
		t.Fatalf("outage bypass must not move the project, now at %v", fresh.CurrentStageID)
	}
	if fresh.Version != p.Version {
		t.Fatalf("expected version unchanged, got %d -> %d", p.Version, fresh.Version)
	}
	recs, err := env.Engine.Repo.ListTransitions(env.Ctx, p.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected only the intake record, got %d", len(recs))
	}
}

func TestNoOpTransition(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	result, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Inquiry"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.IsValid || !result.CanProceed || len(result.Checks) != 0 {
		t.Fatalf("no-op transition should be trivially valid: %+v", result)
	}
}

func TestForwardSkipIsWarningOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	if _, err := env.Engine.AttachDocument(env.Ctx, p.ID, "supplier_quote", "quote.pdf", "eng"); err != nil {
		t.Fatal(err)
	}
	priority := "high"
	if _, err := env.Engine.SetProjectFields(env.Ctx, p.ID, nil, &priority, nil, "boss"); err != nil {
		t.Fatal(err)
	}
	// Inquiry -> Quoted skips Technical Review.
	result, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Quoted"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.IsValid {
		t.Fatalf("skip must not be a hard error: %+v", result)
	}
	found := false
	for _, w := range result.Warnings {
		if w == "skipping 1 stage(s) between Inquiry and Quoted" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected skip warning, got %v", result.Warnings)
	}
}

func TestBackwardMoveIsLegal(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	if _, err := env.Engine.AttachDocument(env.Ctx, p.ID, "drawing", "widget.dwg", "eng"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: p.ID, Target: env.Stages["Technical Review"].ID, ActorID: "eng",
	}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	result, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Inquiry"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.IsValid {
		t.Fatalf("backward move should validate: %+v", result)
	}
}

func TestApprovalGateIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	target := env.Stages["Order Confirmed"].ID
	if err := env.Engine.EnsureApprovalRequested(env.Ctx, p.ID, target, "eng"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := env.Engine.EnsureApprovalRequested(env.Ctx, p.ID, target, "eng"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	approvals, err := env.Engine.Repo.ListApprovals(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 1 {
		t.Fatalf("expected a single approval request, got %d", len(approvals))
	}

	// A concurrent requester that raced past the pending check still
	// cannot land a second row; the pending index absorbs the insert.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	inserted, err := env.Engine.Repo.InsertApproval(env.Ctx, tx, domain.ApprovalRequest{
		ID:          "dup-request",
		ProjectID:   p.ID,
		StageID:     target,
		Status:      domain.ApprovalPending,
		RequestedBy: "eng",
		RequestedAt: "2025-06-01T00:00:01Z",
	})
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatalf("pending duplicate must be ignored")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	approvals, err = env.Engine.Repo.ListApprovals(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 1 {
		t.Fatalf("expected a single approval request after race, got %d", len(approvals))
	}

	// Only approval-role holders may decide.
	if _, err := env.Engine.DecideApproval(env.Ctx, p.ID, target, true, "", "eng"); err == nil {
		t.Fatalf("expected role check to reject engineer")
	}
	decided, err := env.Engine.DecideApproval(env.Ctx, p.ID, target, true, "looks good", "mgr")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %s", decided.Status)
	}
}

func TestAutoAdvance(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	eval, err := env.Engine.EvaluateAutoAdvance(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Available {
		t.Fatalf("missing drawing should block auto-advance: %+v", eval)
	}
	if _, err := env.Engine.AttachDocument(env.Ctx, p.ID, "drawing", "widget.dwg", "eng"); err != nil {
		t.Fatal(err)
	}
	eval, err = env.Engine.EvaluateAutoAdvance(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !eval.Available || eval.NextStage == nil || eval.NextStage.Name != "Technical Review" {
		t.Fatalf("expected auto-advance to Technical Review: %+v", eval)
	}
	if eval.Reason == "" {
		t.Fatalf("expected a cleared-checks summary")
	}
}

func TestAutoAdvanceNeverOffersApprovalStages(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	priority := "high"
	if _, err := env.Engine.SetProjectFields(env.Ctx, p.ID, nil, &priority, nil, "boss"); err != nil {
		t.Fatal(err)
	}
	for _, doc := range []string{"drawing", "supplier_quote"} {
		if _, err := env.Engine.AttachDocument(env.Ctx, p.ID, doc, doc, "eng"); err != nil {
			t.Fatal(err)
		}
	}
	for _, stage := range []string{"Technical Review", "Quoted"} {
		if _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
			ProjectID: p.ID, Target: env.Stages[stage].ID, ActorID: "eng",
		}); err != nil {
			t.Fatalf("advance to %s: %v", stage, err)
		}
	}
	eval, err := env.Engine.EvaluateAutoAdvance(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Available {
		t.Fatalf("approval-gated stage must not auto-advance: %+v", eval)
	}
	if eval.NextStage == nil || eval.NextStage.Name != "Order Confirmed" {
		t.Fatalf("expected Order Confirmed as next stage: %+v", eval)
	}
}

func TestStageOrderMustBeUnique(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		OrgID: "org-1", Name: "Duplicate", Order: 2, ActorID: "boss",
	})
	var invalid engine.InvalidArgumentError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
}

func TestRemoveStageOnlyWhenUnreferenced(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "Widget run", "boss")

	// Inquiry holds the project, so removal must refuse.
	err := env.Engine.RemoveStage(env.Ctx, "org-1", env.Stages["Inquiry"].ID, "boss")
	var invalid engine.InvalidArgumentError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentError for referenced stage, got %v", err)
	}

	spare, err := env.Engine.CreateStage(env.Ctx, engine.StageCreateOptions{
		OrgID: "org-1", Name: "Scrapped", Order: 9, ActorID: "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveStage(env.Ctx, "org-1", spare.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.GetStage(env.Ctx, "org-1", spare.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
}

func TestCrossOrgStageFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	other := engine.New(env.Engine.DB, config.Default("org-2"))
	other.Now = env.Engine.Now
	if _, err := other.InitOrg(env.Ctx, "org-2", "Other Org", "boss"); err != nil {
		t.Fatal(err)
	}
	foreign, err := other.CreateStage(env.Ctx, engine.StageCreateOptions{
		OrgID: "org-2", Name: "Inquiry", Order: 1, ActorID: "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ValidateTransition(env.Ctx, p.ID, foreign.ID, "boss")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-org stage must be NotFound, got %v", err)
	}
}

func TestDeactivatedStageBlocksEntry(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	if _, err := env.Engine.AttachDocument(env.Ctx, p.ID, "drawing", "widget.dwg", "eng"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeactivateStage(env.Ctx, "org-1", env.Stages["Technical Review"].ID, "boss"); err != nil {
		t.Fatal(err)
	}
	result, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Technical Review"].ID, "eng")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.IsValid {
		t.Fatalf("deactivated stage must not validate: %+v", result)
	}
}

func TestAuditAppendOnlyMonotonic(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	counts := []int{}
	snapshot := func() {
		n, err := env.Engine.Repo.CountTransitions(env.Ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		counts = append(counts, n)
	}
	snapshot()
	// Rejected attempt.
	_, _ = env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: p.ID, Target: env.Stages["Technical Review"].ID, ActorID: "eng",
	})
	snapshot()
	// Bypassed attempt.
	if _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: p.ID, Target: env.Stages["Technical Review"].ID, ActorID: "mgr",
		Bypass: true, Justification: "deadline",
	}); err != nil {
		t.Fatalf("bypass: %v", err)
	}
	snapshot()
	for i := 1; i < len(counts); i++ {
		if counts[i] < counts[i-1] {
			t.Fatalf("audit count decreased: %v", counts)
		}
	}
	if counts[len(counts)-1] != counts[0]+2 {
		t.Fatalf("expected two new records, got %v", counts)
	}
}

func TestRecorderSurfacesAuditError(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "Widget run", "boss")
	rec := domain.TransitionRecord{
		ID:        "rec-1",
		ProjectID: p.ID,
		ToStageID: env.Stages["Inquiry"].ID,
		ActorID:   "boss",
		TS:        time.Now().UTC().Format(time.RFC3339),
		Outcome:   domain.OutcomeCompleted,
	}
	if err := env.Engine.DB.Close(); err != nil {
		t.Fatal(err)
	}
	err := engine.Recorder{Repo: env.Engine.Repo}.Record(env.Ctx, rec)
	var auditErr engine.AuditError
	if !errors.As(err, &auditErr) {
		t.Fatalf("expected AuditError, got %v", err)
	}
}
