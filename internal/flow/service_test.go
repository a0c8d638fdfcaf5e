package flow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"docflow/api/internal/docid"
	"docflow/api/internal/store"
)

type fakeStore struct {
	docs       map[string]store.Document
	steps      map[string][]store.ApprovalStep
	users      map[string]store.User
	insertErrs []error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:  make(map[string]store.Document),
		steps: make(map[string][]store.ApprovalStep),
		users: make(map[string]store.User),
	}
}

func (f *fakeStore) InsertDocument(_ context.Context, item store.Document) error {
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, exists := f.docs[item.ID]; exists {
		return store.ErrDuplicateID
	}
	item.CreatedAt = time.Now()
	f.docs[item.ID] = item
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, docID string) (store.Document, error) {
	item, ok := f.docs[docID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) ReplaceSteps(_ context.Context, docID string, steps []store.ApprovalStep) error {
	if _, ok := f.docs[docID]; !ok {
		return fmt.Errorf("lock document: %w", sql.ErrNoRows)
	}
	f.steps[docID] = append([]store.ApprovalStep(nil), steps...)
	return nil
}

func (f *fakeStore) ListSteps(_ context.Context, docID string) ([]store.ApprovalStep, error) {
	return append([]store.ApprovalStep(nil), f.steps[docID]...), nil
}

func (f *fakeStore) GetStep(_ context.Context, docID string, stepOrder int) (store.ApprovalStep, error) {
	for _, step := range f.steps[docID] {
		if step.StepOrder == stepOrder {
			return step, nil
		}
	}
	return store.ApprovalStep{}, sql.ErrNoRows
}

func (f *fakeStore) SetStepUser(_ context.Context, docID string, stepOrder int, userID string) error {
	for i, step := range f.steps[docID] {
		if step.StepOrder == stepOrder && step.UserID == nil {
			f.steps[docID][i].UserID = &userID
		}
	}
	return nil
}

func (f *fakeStore) ApplyTransition(_ context.Context, docID string, stepOrder int, stepStatus, action, actorName, fromStatus, toStatus string) (bool, error) {
	item, ok := f.docs[docID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if item.Status != fromStatus {
		return false, nil
	}
	applied := false
	for i, step := range f.steps[docID] {
		if step.StepOrder == stepOrder && step.Status == StepPending {
			now := time.Now()
			f.steps[docID][i].Status = stepStatus
			f.steps[docID][i].Action = action
			f.steps[docID][i].ActorName = actorName
			f.steps[docID][i].ActedAt = &now
			applied = true
		}
	}
	if !applied {
		return false, nil
	}
	item.Status = toStatus
	f.docs[docID] = item
	return true, nil
}

func (f *fakeStore) RecallDocument(_ context.Context, docID, fromStatus string) (bool, error) {
	item, ok := f.docs[docID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if item.Status != fromStatus {
		return false, nil
	}
	item.Status = Recalled().String()
	f.docs[docID] = item
	for i, step := range f.steps[docID] {
		if step.Status == StepPending {
			f.steps[docID][i].Action = ActionRecalled
		}
	}
	return true, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) PendingStepCountForUser(_ context.Context, userID string) (int, error) {
	count := 0
	for docID, steps := range f.steps {
		for _, step := range steps {
			if step.UserID != nil && *step.UserID == userID && step.Status == StepPending &&
				f.docs[docID].Status == "Pending"+step.RoleKey {
				count++
			}
		}
	}
	return count, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeDirectory struct {
	byToken map[string]string
}

func (f *fakeDirectory) Resolve(_ context.Context, token string) (string, error) {
	return f.byToken[token], nil
}

type notice struct {
	UserID string
	Tag    string
}

type fakeNotifier struct {
	sent []notice
}

func (f *fakeNotifier) Notify(_ context.Context, userID, title, body, tag string) error {
	f.sent = append(f.sent, notice{UserID: userID, Tag: tag})
	return nil
}

type fakeArtifacts struct {
	objects map[string]bool
	moves   [][2]string
}

func (f *fakeArtifacts) Put(_ context.Context, docID string, body io.Reader, _ int64) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	f.objects[docID] = true
	return nil
}

func (f *fakeArtifacts) Exists(_ context.Context, docID string) (bool, error) {
	return f.objects[docID], nil
}

func (f *fakeArtifacts) Move(_ context.Context, from, to string) error {
	if !f.objects[from] {
		return fmt.Errorf("no object for %s", from)
	}
	delete(f.objects, from)
	f.objects[to] = true
	f.moves = append(f.moves, [2]string{from, to})
	return nil
}

func newTestService() (*Service, *fakeStore, *fakeDirectory, *fakeNotifier, *fakeArtifacts) {
	st := newFakeStore()
	dir := &fakeDirectory{byToken: map[string]string{
		"alice@example.com": "u-alice",
		"bob@example.com":   "u-bob",
	}}
	notifier := &fakeNotifier{}
	artifacts := &fakeArtifacts{objects: make(map[string]bool)}
	return New(st, dir, notifier, artifacts), st, dir, notifier, artifacts
}

func twoStepDescriptor() string {
	return `{"inputs":[],"approvals":[{"roleKey":"A1","value":"alice@example.com"},{"roleKey":"A2","value":"bob@example.com"}]}`
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestCreateDocumentRequiresApprovers(t *testing.T) {
	service, st, _, _, _ := newTestService()

	_, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Title:      "Expense report",
		Descriptor: `{"inputs":[],"approvals":[]}`,
		CreatedBy:  "u-creator",
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
	if len(st.docs) != 0 {
		t.Errorf("nothing should be persisted, got %d documents", len(st.docs))
	}
}

func TestCreateDocumentBuildsChain(t *testing.T) {
	service, _, _, notifier, _ := newTestService()

	detail, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Title:      "Purchase request",
		Descriptor: twoStepDescriptor(),
		CreatedBy:  "u-creator",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	if detail.Document.Status != "PendingA1" {
		t.Errorf("expected PendingA1, got %s", detail.Document.Status)
	}
	if len(detail.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(detail.Steps))
	}
	for i, step := range detail.Steps {
		if step.StepOrder != i+1 {
			t.Errorf("step %d has order %d", i, step.StepOrder)
		}
		if step.Status != StepPending {
			t.Errorf("step %d status %s, want Pending", i, step.Status)
		}
	}
	if detail.Steps[0].UserID == nil || *detail.Steps[0].UserID != "u-alice" {
		t.Errorf("step 1 not resolved to u-alice: %+v", detail.Steps[0])
	}
	if detail.Steps[1].UserID == nil || *detail.Steps[1].UserID != "u-bob" {
		t.Errorf("step 2 not resolved to u-bob: %+v", detail.Steps[1])
	}

	if len(notifier.sent) != 1 || notifier.sent[0] != (notice{UserID: "u-alice", Tag: "approval-pending"}) {
		t.Errorf("expected one approval-pending notice to u-alice, got %+v", notifier.sent)
	}
}

func TestCreateDocumentFallbackTokens(t *testing.T) {
	service, _, _, _, _ := newTestService()

	detail, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Title:          "Legacy upload",
		Descriptor:     "not a descriptor",
		ApproverTokens: []string{" alice@example.com ", "", "bob@example.com"},
		CreatedBy:      "u-creator",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if len(detail.Steps) != 2 {
		t.Fatalf("expected 2 steps from tokens, got %d", len(detail.Steps))
	}
	if detail.Steps[0].ApproverValue != "alice@example.com" || detail.Steps[1].ApproverValue != "bob@example.com" {
		t.Errorf("token order not preserved: %+v", detail.Steps)
	}
}

func TestUploadDraftWorkbook(t *testing.T) {
	service, _, _, _, artifacts := newTestService()

	draftID, err := service.UploadDraftWorkbook(context.Background(), strings.NewReader("workbook bytes"), 14)
	if err != nil {
		t.Fatalf("UploadDraftWorkbook failed: %v", err)
	}
	if draftID == "" {
		t.Fatal("expected a draft id")
	}
	if !artifacts.objects[draftID] {
		t.Errorf("workbook not stored under %s", draftID)
	}

	// The draft id flows into creation unchanged when the insert succeeds.
	detail, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Title:      "Draft-backed doc",
		Descriptor: twoStepDescriptor(),
		DraftID:    draftID,
		CreatedBy:  "u-creator",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if detail.Document.ID != draftID {
		t.Errorf("expected document id %s, got %s", draftID, detail.Document.ID)
	}
}

func TestUploadDraftWorkbookUnavailable(t *testing.T) {
	st := newFakeStore()
	service := New(st, &fakeDirectory{byToken: map[string]string{}}, nil, nil)

	_, err := service.UploadDraftWorkbook(context.Background(), strings.NewReader("x"), 1)
	if code := domainCode(t, err); code != "ARTIFACTS_UNAVAILABLE" {
		t.Errorf("expected ARTIFACTS_UNAVAILABLE, got %s", code)
	}
}

func TestCreateDocumentRetriesOnCollision(t *testing.T) {
	service, st, _, _, artifacts := newTestService()

	draftID := docid.At(time.UnixMilli(1700000000000))
	st.insertErrs = []error{store.ErrDuplicateID}
	artifacts.objects[draftID] = true

	detail, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Title:      "Colliding doc",
		Descriptor: twoStepDescriptor(),
		DraftID:    draftID,
		CreatedBy:  "u-creator",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}

	wantID := docid.Rederive(draftID, 1)
	if detail.Document.ID != wantID {
		t.Errorf("expected rederived id %s, got %s", wantID, detail.Document.ID)
	}
	if len(artifacts.moves) != 1 || artifacts.moves[0] != [2]string{draftID, wantID} {
		t.Errorf("workbook not moved with the id: %+v", artifacts.moves)
	}
	if !artifacts.objects[wantID] {
		t.Errorf("workbook missing under new id")
	}
}

func TestCreateDocumentIdentifierExhausted(t *testing.T) {
	service, st, _, _, _ := newTestService()
	st.insertErrs = []error{store.ErrDuplicateID, store.ErrDuplicateID, store.ErrDuplicateID}

	_, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Title:      "Unlucky doc",
		Descriptor: twoStepDescriptor(),
		CreatedBy:  "u-creator",
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if code := domainCode(t, err); code != "IDENTIFIER_EXHAUSTED" {
		t.Errorf("expected IDENTIFIER_EXHAUSTED, got %s", code)
	}
	if len(st.docs) != 0 {
		t.Errorf("no document should exist after exhaustion")
	}
}

func createTwoStepDoc(t *testing.T, service *Service) Detail {
	t.Helper()
	detail, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Title:      "Purchase request",
		Descriptor: twoStepDescriptor(),
		CreatedBy:  "u-creator",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	return detail
}

func TestApproveAdvancesThenHold(t *testing.T) {
	service, _, _, notifier, _ := newTestService()
	detail := createTwoStepDoc(t, service)
	docID := detail.Document.ID
	notifier.sent = nil

	after, err := service.Act(context.Background(), docID, "u-alice", ActionApprove)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if after.Document.Status != "PendingA2" {
		t.Errorf("expected PendingA2, got %s", after.Document.Status)
	}
	if after.Steps[0].Status != StepApproved || after.Steps[0].Action != ActionApprove {
		t.Errorf("step 1 not marked approved: %+v", after.Steps[0])
	}
	if after.Steps[1].Status != StepPending {
		t.Errorf("step 2 should stay pending: %+v", after.Steps[1])
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != (notice{UserID: "u-bob", Tag: "approval-pending"}) {
		t.Errorf("expected approval-pending notice to u-bob, got %+v", notifier.sent)
	}

	notifier.sent = nil
	after, err = service.Act(context.Background(), docID, "u-bob", ActionHold)
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if after.Document.Status != "OnHoldA2" {
		t.Errorf("expected OnHoldA2, got %s", after.Document.Status)
	}
	if after.Steps[1].Status != StepOnHold {
		t.Errorf("step 2 not on hold: %+v", after.Steps[1])
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != (notice{UserID: "u-creator", Tag: "hold"}) {
		t.Errorf("expected hold notice to creator, got %+v", notifier.sent)
	}

	// A held document accepts no further actions, including from the
	// remaining approver.
	if _, err := service.Act(context.Background(), docID, "u-bob", ActionApprove); err == nil {
		t.Errorf("expected approve on held document to fail")
	}
}

func TestSingleStepApprovalCompletes(t *testing.T) {
	service, _, _, notifier, _ := newTestService()

	detail, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		Title:      "Quick signoff",
		Descriptor: `{"inputs":[],"approvals":[{"roleKey":"A1","value":"alice@example.com"}]}`,
		CreatedBy:  "u-creator",
	})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	notifier.sent = nil

	after, err := service.Act(context.Background(), detail.Document.ID, "u-alice", ActionApprove)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if after.Document.Status != "Approved" {
		t.Errorf("expected Approved, got %s", after.Document.Status)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != (notice{UserID: "u-creator", Tag: "approved"}) {
		t.Errorf("expected approved notice to creator, got %+v", notifier.sent)
	}
}

func TestRejectTerminates(t *testing.T) {
	service, _, _, notifier, _ := newTestService()
	detail := createTwoStepDoc(t, service)
	docID := detail.Document.ID
	notifier.sent = nil

	after, err := service.Act(context.Background(), docID, "u-alice", ActionReject)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if after.Document.Status != "RejectedA1" {
		t.Errorf("expected RejectedA1, got %s", after.Document.Status)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != (notice{UserID: "u-creator", Tag: "reject"}) {
		t.Errorf("expected reject notice to creator, got %+v", notifier.sent)
	}

	_, err = service.Act(context.Background(), docID, "u-bob", ActionApprove)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN after rejection, got %s", code)
	}
}

func TestActAuthorization(t *testing.T) {
	service, st, _, _, _ := newTestService()
	detail := createTwoStepDoc(t, service)
	docID := detail.Document.ID

	// Bob approves step 2, but the document is still at step 1.
	_, err := service.Act(context.Background(), docID, "u-bob", ActionApprove)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", code)
	}

	// A stranger gets the same answer.
	_, err = service.Act(context.Background(), docID, "u-mallory", ActionReject)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", code)
	}

	// Zero mutation either way.
	if st.docs[docID].Status != "PendingA1" {
		t.Errorf("document status mutated: %s", st.docs[docID].Status)
	}
	if st.steps[docID][0].Status != StepPending || st.steps[docID][1].Status != StepPending {
		t.Errorf("steps mutated: %+v", st.steps[docID])
	}
}

func TestRecall(t *testing.T) {
	service, _, _, _, _ := newTestService()
	detail := createTwoStepDoc(t, service)
	docID := detail.Document.ID

	// Only the creator may recall.
	_, err := service.Act(context.Background(), docID, "u-alice", ActionRecall)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN for non-creator recall, got %s", code)
	}

	after, err := service.Act(context.Background(), docID, "u-creator", ActionRecall)
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if after.Document.Status != "Recalled" {
		t.Errorf("expected Recalled, got %s", after.Document.Status)
	}
	for i, step := range after.Steps {
		if step.Status != StepPending {
			t.Errorf("step %d status changed on recall: %+v", i+1, step)
		}
		if step.Action != ActionRecalled {
			t.Errorf("step %d missing recall marker: %+v", i+1, step)
		}
	}

	// Recalled is terminal.
	_, err = service.Act(context.Background(), docID, "u-alice", ActionApprove)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN after recall, got %s", code)
	}
	_, err = service.Act(context.Background(), docID, "u-creator", ActionRecall)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN for repeated recall, got %s", code)
	}
}

func TestRecallBlockedAfterHold(t *testing.T) {
	service, _, _, _, _ := newTestService()
	detail := createTwoStepDoc(t, service)
	docID := detail.Document.ID

	if _, err := service.Act(context.Background(), docID, "u-alice", ActionHold); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	_, err := service.Act(context.Background(), docID, "u-creator", ActionRecall)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN for recall of held document, got %s", code)
	}
}

func TestLazyApproverResolution(t *testing.T) {
	service, st, dir, _, _ := newTestService()
	dir.byToken = map[string]string{}

	detail := createTwoStepDoc(t, service)
	docID := detail.Document.ID
	if detail.Steps[0].UserID != nil {
		t.Fatalf("step 1 should be unresolved with an empty directory")
	}

	// The user shows up in the directory later; acting resolves and pins.
	dir.byToken["alice@example.com"] = "u-alice"
	after, err := service.Act(context.Background(), docID, "u-alice", ActionApprove)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if after.Document.Status != "PendingA2" {
		t.Errorf("expected PendingA2, got %s", after.Document.Status)
	}
	if st.steps[docID][0].UserID == nil || *st.steps[docID][0].UserID != "u-alice" {
		t.Errorf("step 1 not pinned to u-alice: %+v", st.steps[docID][0])
	}
}

func TestActUnknownAction(t *testing.T) {
	service, _, _, _, _ := newTestService()
	detail := createTwoStepDoc(t, service)

	_, err := service.Act(context.Background(), detail.Document.ID, "u-alice", "escalate")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestActNotFound(t *testing.T) {
	service, _, _, _, _ := newTestService()

	_, err := service.Act(context.Background(), "missing-doc", "u-alice", ActionApprove)
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
}

func TestCapabilities(t *testing.T) {
	service, _, _, _, _ := newTestService()
	detail := createTwoStepDoc(t, service)
	docID := detail.Document.ID
	ctx := context.Background()

	caps, err := service.Capabilities(ctx, docID, "u-alice")
	if err != nil {
		t.Fatalf("capabilities failed: %v", err)
	}
	if !caps.CanApprove || !caps.CanHold || !caps.CanReject || caps.CanRecall {
		t.Errorf("unexpected capabilities for current approver: %+v", caps)
	}

	caps, err = service.Capabilities(ctx, docID, "u-creator")
	if err != nil {
		t.Fatalf("capabilities failed: %v", err)
	}
	if caps.CanApprove || !caps.CanRecall {
		t.Errorf("unexpected capabilities for creator: %+v", caps)
	}

	caps, err = service.Capabilities(ctx, docID, "u-bob")
	if err != nil {
		t.Fatalf("capabilities failed: %v", err)
	}
	if caps != (Capabilities{}) {
		t.Errorf("next-step approver should have no capabilities yet: %+v", caps)
	}

	if _, err := service.Act(ctx, docID, "u-alice", ActionApprove); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := service.Act(ctx, docID, "u-bob", ActionApprove); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	caps, err = service.Capabilities(ctx, docID, "u-creator")
	if err != nil {
		t.Fatalf("capabilities failed: %v", err)
	}
	if caps != (Capabilities{}) {
		t.Errorf("approved document should expose no capabilities: %+v", caps)
	}
}

func TestPendingCount(t *testing.T) {
	service, _, _, _, _ := newTestService()
	createTwoStepDoc(t, service)

	count, err := service.PendingCount(context.Background(), "u-alice")
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 pending step for u-alice, got %d", count)
	}

	// Step 2 exists but the document still waits on step 1.
	count, err = service.PendingCount(context.Background(), "u-bob")
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 pending steps for u-bob, got %d", count)
	}
}
