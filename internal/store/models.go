package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Username    string
	Email       string
	CreatedAt   time.Time
}

type Document struct {
	ID                string
	TemplateCode      string
	TemplateVersionID string
	Title             string
	Status            string
	DescriptorJSON    string
	CompCd            string
	DepartmentID      string
	CreatedBy         string
	CreatedAt         time.Time
}

type ApprovalStep struct {
	DocID         string
	StepOrder     int
	RoleKey       string
	ApproverValue string
	UserID        *string
	Status        string
	Action        string
	ActorName     string
	ActedAt       *time.Time
}
