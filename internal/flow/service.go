// Package flow implements the document approval engine: descriptor intake,
// identifier allocation, chain synchronization and the approval state machine.
package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"docflow/api/internal/descriptor"
	"docflow/api/internal/docid"
	"docflow/api/internal/store"
)

// Store is the persistence surface the engine needs. *store.PostgresStore
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	InsertDocument(ctx context.Context, item store.Document) error
	GetDocument(ctx context.Context, docID string) (store.Document, error)
	ReplaceSteps(ctx context.Context, docID string, steps []store.ApprovalStep) error
	ListSteps(ctx context.Context, docID string) ([]store.ApprovalStep, error)
	GetStep(ctx context.Context, docID string, stepOrder int) (store.ApprovalStep, error)
	SetStepUser(ctx context.Context, docID string, stepOrder int, userID string) error
	ApplyTransition(ctx context.Context, docID string, stepOrder int, stepStatus, action, actorName, fromStatus, toStatus string) (bool, error)
	RecallDocument(ctx context.Context, docID, fromStatus string) (bool, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	PendingStepCountForUser(ctx context.Context, userID string) (int, error)
	Ping(ctx context.Context) error
}

// Directory resolves an opaque approver token (email, username or user id) to
// a user id. An unknown token resolves to "" without error.
type Directory interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// Notifier delivers best-effort notifications. Failures must never surface to
// the approval transaction.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body, tag string) error
}

// ArtifactStore holds the workbook blob associated with a document id.
// *artifact.MinioStore satisfies it.
type ArtifactStore interface {
	Put(ctx context.Context, docID string, body io.Reader, size int64) error
	Exists(ctx context.Context, docID string) (bool, error)
	Move(ctx context.Context, fromDocID, toDocID string) error
}

type Service struct {
	store     Store
	directory Directory
	notifier  Notifier
	artifacts ArtifactStore
}

// New builds the engine. notifier and artifacts may be nil; the corresponding
// side effects are skipped.
func New(st Store, dir Directory, notifier Notifier, artifacts ArtifactStore) *Service {
	return &Service{store: st, directory: dir, notifier: notifier, artifacts: artifacts}
}

type CreateDocumentInput struct {
	TemplateCode      string
	TemplateVersionID string
	Title             string
	Descriptor        string
	ApproverTokens    []string
	CompCd            string
	DepartmentID      string
	DraftID           string
	CreatedBy         string
}

// Detail is the full read model for one document.
type Detail struct {
	Document store.Document
	Steps    []store.ApprovalStep
}

// CreateDocument normalizes the descriptor, allocates a unique document id,
// persists the document with its approval chain in PendingA1 and notifies the
// first approver. A descriptor without derivable approvals falls back to the
// explicit token list; with neither, creation is refused.
func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (Detail, error) {
	if strings.TrimSpace(input.CreatedBy) == "" {
		return Detail{}, errValidation("createdBy is required")
	}

	canonical := descriptor.Normalize(input.Descriptor)
	if len(canonical.Approvals) == 0 {
		canonical.Approvals = approvalsFromTokens(input.ApproverTokens)
	}
	if len(canonical.Approvals) == 0 {
		return Detail{}, errValidation("document requires at least one approval step")
	}

	descriptorJSON, err := json.Marshal(canonical)
	if err != nil {
		return Detail{}, fmt.Errorf("marshal descriptor: %w", err)
	}

	docID, err := s.allocateID(ctx, input, string(descriptorJSON))
	if err != nil {
		return Detail{}, err
	}

	steps, err := s.SyncChain(ctx, docID, canonical)
	if err != nil {
		return Detail{}, err
	}

	item, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return Detail{}, fmt.Errorf("load created document: %w", err)
	}

	if first := steps[0]; first.UserID != nil {
		s.notify(ctx, *first.UserID, item.Title,
			fmt.Sprintf("%s is waiting for your approval (step %s)", item.Title, first.RoleKey),
			"approval-pending")
	}

	return Detail{Document: item, Steps: steps}, nil
}

// allocateID inserts the document row, retrying on id collision with a
// rederived id. A workbook already uploaded under the colliding id is moved to
// the new id before the retry so the blob never detaches from its document.
func (s *Service) allocateID(ctx context.Context, input CreateDocumentInput, descriptorJSON string) (string, error) {
	id := strings.TrimSpace(input.DraftID)
	if id == "" {
		id = docid.New()
	}

	for attempt := 1; ; attempt++ {
		err := s.store.InsertDocument(ctx, store.Document{
			ID:                id,
			TemplateCode:      input.TemplateCode,
			TemplateVersionID: input.TemplateVersionID,
			Title:             input.Title,
			Status:            Pending(1).String(),
			DescriptorJSON:    descriptorJSON,
			CompCd:            input.CompCd,
			DepartmentID:      input.DepartmentID,
			CreatedBy:         input.CreatedBy,
		})
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrDuplicateID) {
			return "", fmt.Errorf("insert document: %w", err)
		}
		if attempt >= docid.MaxAttempts {
			return "", errIdentifierExhausted()
		}

		next := docid.Rederive(id, attempt)
		s.moveArtifact(ctx, id, next)
		log.Printf(`{"level":"warn","msg":"document id collision","id":%q,"retry":%q}`, id, next)
		id = next
	}
}

func (s *Service) moveArtifact(ctx context.Context, from, to string) {
	if s.artifacts == nil {
		return
	}
	exists, err := s.artifacts.Exists(ctx, from)
	if err != nil {
		log.Printf(`{"level":"warn","msg":"artifact check failed","id":%q,"error":%q}`, from, err.Error())
		return
	}
	if !exists {
		return
	}
	if err := s.artifacts.Move(ctx, from, to); err != nil {
		log.Printf(`{"level":"warn","msg":"artifact move failed","from":%q,"to":%q,"error":%q}`, from, to, err.Error())
	}
}

// UploadDraftWorkbook stores a rendered workbook under a freshly issued draft
// id before the document row exists. The compose flow passes the returned id
// back as CreateDocumentInput.DraftID so the blob and the document share an
// identifier from the start.
func (s *Service) UploadDraftWorkbook(ctx context.Context, body io.Reader, size int64) (string, error) {
	if s.artifacts == nil {
		return "", errArtifactsUnavailable()
	}
	draftID := docid.New()
	if err := s.artifacts.Put(ctx, draftID, body, size); err != nil {
		return "", fmt.Errorf("store draft workbook: %w", err)
	}
	return draftID, nil
}

// SyncChain makes the persisted steps match the canonical descriptor exactly,
// replacing the whole set in one transaction. It is idempotent and safe to
// call again after a descriptor change; a descriptor with zero approvals
// yields zero steps without error.
func (s *Service) SyncChain(ctx context.Context, docID string, canonical descriptor.Canonical) ([]store.ApprovalStep, error) {
	steps := s.buildSteps(ctx, docID, canonical.Approvals)
	if err := s.store.ReplaceSteps(ctx, docID, steps); err != nil {
		return nil, fmt.Errorf("sync approval chain: %w", err)
	}
	return steps, nil
}

// buildSteps materializes the approval chain rows for a canonical descriptor.
// Person approvers are resolved to user ids up front where possible; a token
// the directory cannot resolve yet stays unresolved and is matched lazily at
// action time.
func (s *Service) buildSteps(ctx context.Context, docID string, approvals []descriptor.Approval) []store.ApprovalStep {
	steps := make([]store.ApprovalStep, 0, len(approvals))
	for i, approval := range approvals {
		step := store.ApprovalStep{
			DocID:         docID,
			StepOrder:     i + 1,
			RoleKey:       descriptor.RoleKey(i + 1),
			ApproverValue: approval.Value,
			Status:        StepPending,
		}
		if approval.ApproverType == descriptor.ApproverPerson && approval.Value != "" {
			if uid, err := s.directory.Resolve(ctx, approval.Value); err == nil && uid != "" {
				step.UserID = &uid
			}
		}
		steps = append(steps, step)
	}
	return steps
}

func approvalsFromTokens(tokens []string) []descriptor.Approval {
	out := make([]descriptor.Approval, 0, len(tokens))
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		out = append(out, descriptor.Approval{
			RoleKey:      descriptor.RoleKey(len(out) + 1),
			ApproverType: descriptor.ApproverPerson,
			Required:     true,
			Value:        token,
		})
	}
	return out
}

// Get loads the document detail read model.
func (s *Service) Get(ctx context.Context, docID string) (Detail, error) {
	item, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Detail{}, errNotFound()
		}
		return Detail{}, fmt.Errorf("get document: %w", err)
	}
	steps, err := s.store.ListSteps(ctx, docID)
	if err != nil {
		return Detail{}, fmt.Errorf("list steps: %w", err)
	}
	return Detail{Document: item, Steps: steps}, nil
}

// Act applies one approval action (approve, hold, reject or recall) to a
// document on behalf of actorID and returns the refreshed detail. The step and
// document mutate atomically; notifications go out only after the commit.
func (s *Service) Act(ctx context.Context, docID, actorID, action string) (Detail, error) {
	item, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Detail{}, errNotFound()
		}
		return Detail{}, fmt.Errorf("get document: %w", err)
	}

	status, err := ParseStatus(item.Status)
	if err != nil {
		return Detail{}, fmt.Errorf("document %s: %w", docID, err)
	}

	switch action {
	case ActionRecall:
		return s.recall(ctx, item, status, actorID)
	case ActionApprove, ActionHold, ActionReject:
		return s.transition(ctx, item, status, actorID, action)
	default:
		return Detail{}, errValidation(fmt.Sprintf("unknown action %q", action))
	}
}

func (s *Service) recall(ctx context.Context, item store.Document, status Status, actorID string) (Detail, error) {
	if actorID != item.CreatedBy {
		return Detail{}, errForbidden()
	}
	if !status.Actionable() {
		return Detail{}, errForbidden()
	}
	ok, err := s.store.RecallDocument(ctx, item.ID, item.Status)
	if err != nil {
		return Detail{}, fmt.Errorf("recall document: %w", err)
	}
	if !ok {
		return Detail{}, errForbidden()
	}
	return s.Get(ctx, item.ID)
}

func (s *Service) transition(ctx context.Context, item store.Document, status Status, actorID, action string) (Detail, error) {
	if !status.Actionable() {
		return Detail{}, errForbidden()
	}

	step, err := s.store.GetStep(ctx, item.ID, status.Step)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Detail{}, fmt.Errorf("document %s has no step %d", item.ID, status.Step)
		}
		return Detail{}, fmt.Errorf("get step: %w", err)
	}

	if !s.authorize(ctx, &step, actorID) {
		return Detail{}, errForbidden()
	}

	steps, err := s.store.ListSteps(ctx, item.ID)
	if err != nil {
		return Detail{}, fmt.Errorf("list steps: %w", err)
	}

	var stepStatus string
	var next Status
	switch action {
	case ActionApprove:
		stepStatus = StepApproved
		if status.Step >= len(steps) {
			next = Done()
		} else {
			next = Pending(status.Step + 1)
		}
	case ActionHold:
		stepStatus = StepOnHold
		next = OnHold(status.Step)
	case ActionReject:
		stepStatus = StepRejected
		next = Rejected(status.Step)
	}

	applied, err := s.store.ApplyTransition(ctx, item.ID, status.Step, stepStatus, action, s.actorName(ctx, actorID), item.Status, next.String())
	if err != nil {
		return Detail{}, fmt.Errorf("apply transition: %w", err)
	}
	if !applied {
		return Detail{}, errForbidden()
	}

	s.dispatchAfterTransition(ctx, item, steps, action, next)
	return s.Get(ctx, item.ID)
}

// authorize checks whether actorID may act on the step. A step whose approver
// token was never resolved is matched lazily against the directory and, on
// match, pinned to the actor so later lookups are direct.
func (s *Service) authorize(ctx context.Context, step *store.ApprovalStep, actorID string) bool {
	if step.UserID != nil {
		return *step.UserID == actorID
	}
	if step.ApproverValue == "" {
		return false
	}
	uid, err := s.directory.Resolve(ctx, step.ApproverValue)
	if err != nil || uid == "" || uid != actorID {
		return false
	}
	if err := s.store.SetStepUser(ctx, step.DocID, step.StepOrder, uid); err != nil {
		log.Printf(`{"level":"warn","msg":"pin step user failed","doc":%q,"step":%d,"error":%q}`, step.DocID, step.StepOrder, err.Error())
	}
	step.UserID = &uid
	return true
}

func (s *Service) actorName(ctx context.Context, actorID string) string {
	user, err := s.store.GetUserByID(ctx, actorID)
	if err != nil || user.DisplayName == "" {
		return actorID
	}
	return user.DisplayName
}

func (s *Service) dispatchAfterTransition(ctx context.Context, item store.Document, steps []store.ApprovalStep, action string, next Status) {
	switch action {
	case ActionApprove:
		if next.Phase == PhaseDone {
			s.notify(ctx, item.CreatedBy, item.Title,
				fmt.Sprintf("%s is fully approved", item.Title), "approved")
			return
		}
		for _, step := range steps {
			if step.StepOrder == next.Step && step.UserID != nil {
				s.notify(ctx, *step.UserID, item.Title,
					fmt.Sprintf("%s is waiting for your approval (step %s)", item.Title, step.RoleKey),
					"approval-pending")
			}
		}
	case ActionHold:
		s.notify(ctx, item.CreatedBy, item.Title,
			fmt.Sprintf("%s was put on hold", item.Title), "hold")
	case ActionReject:
		s.notify(ctx, item.CreatedBy, item.Title,
			fmt.Sprintf("%s was rejected", item.Title), "reject")
	}
}

func (s *Service) notify(ctx context.Context, userID, title, body, tag string) {
	if s.notifier == nil || userID == "" {
		return
	}
	if err := s.notifier.Notify(ctx, userID, title, body, tag); err != nil {
		log.Printf(`{"level":"warn","msg":"notify failed","user":%q,"tag":%q,"error":%q}`, userID, tag, err.Error())
	}
}

// Capabilities reports which actions userID could take on the document right
// now. The check is read-only; an unresolved step token is matched against the
// directory but never pinned here.
type Capabilities struct {
	CanApprove bool `json:"canApprove"`
	CanHold    bool `json:"canHold"`
	CanReject  bool `json:"canReject"`
	CanRecall  bool `json:"canRecall"`
}

func (s *Service) Capabilities(ctx context.Context, docID, userID string) (Capabilities, error) {
	item, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Capabilities{}, errNotFound()
		}
		return Capabilities{}, fmt.Errorf("get document: %w", err)
	}

	status, err := ParseStatus(item.Status)
	if err != nil {
		return Capabilities{}, fmt.Errorf("document %s: %w", docID, err)
	}
	if !status.Actionable() {
		return Capabilities{}, nil
	}

	caps := Capabilities{CanRecall: userID == item.CreatedBy}

	step, err := s.store.GetStep(ctx, docID, status.Step)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return caps, nil
		}
		return Capabilities{}, fmt.Errorf("get step: %w", err)
	}

	mine := false
	if step.UserID != nil {
		mine = *step.UserID == userID
	} else if step.ApproverValue != "" {
		if uid, err := s.directory.Resolve(ctx, step.ApproverValue); err == nil && uid != "" {
			mine = uid == userID
		}
	}
	caps.CanApprove = mine
	caps.CanHold = mine
	caps.CanReject = mine
	return caps, nil
}

// Ping reports storage connectivity for readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PendingCount returns how many approval steps currently wait on userID.
func (s *Service) PendingCount(ctx context.Context, userID string) (int, error) {
	count, err := s.store.PendingStepCountForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return count, nil
}
