// Package access holds the single role/ownership policy that every service
// consults before reading or mutating a patient record.
package access

import (
	"errors"
	"fmt"
)

// Role is the kind of account acting on a record.
type Role string

const (
	RoleClinician Role = "clinician"
	RolePatient   Role = "patient"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClinician || r == RolePatient
}

// Action is an operation gated by the policy.
type Action string

const (
	ViewRecord      Action = "viewRecord"
	EditCoreFields  Action = "editCoreFields"
	EditAllergies   Action = "editAllergies"
	EditHistory     Action = "editHistory"
	CreateRecord    Action = "createRecord"
	DeleteRecord    Action = "deleteRecord"
	ListAllRecords  Action = "listAllRecords"
	GenerateSummary Action = "generateSummary"
	ExportRecord    Action = "exportRecord"
)

// Actor is the authenticated identity performing an action.
type Actor struct {
	ID   string
	Role Role
}

// IsClinician reports whether the actor holds the clinician role.
func (a Actor) IsClinician() bool { return a.Role == RoleClinician }

// Target identifies the record an action applies to. RecordID is empty for
// collection-level actions such as ListAllRecords and CreateRecord.
type Target struct {
	RecordID string
}

// ErrAccessDenied is wrapped by every DeniedError.
var ErrAccessDenied = errors.New("access denied")

// DeniedError names the refused actor, action and target.
type DeniedError struct {
	Actor  Actor
	Action Action
	Target Target
}

func (e *DeniedError) Error() string {
	if e.Target.RecordID == "" {
		return fmt.Sprintf("%s: %s %q may not %s", ErrAccessDenied, e.Actor.Role, e.Actor.ID, e.Action)
	}
	return fmt.Sprintf("%s: %s %q may not %s on record %q",
		ErrAccessDenied, e.Actor.Role, e.Actor.ID, e.Action, e.Target.RecordID)
}

func (e *DeniedError) Unwrap() error { return ErrAccessDenied }

type rule func(a Actor, t Target) bool

func clinicianOnly(a Actor, _ Target) bool { return a.IsClinician() }

func clinicianOrSelf(a Actor, t Target) bool {
	if a.IsClinician() {
		return true
	}
	return a.ID != "" && a.ID == t.RecordID
}

var rules = map[Action]rule{
	ViewRecord:      clinicianOrSelf,
	EditCoreFields:  clinicianOnly,
	EditAllergies:   clinicianOrSelf,
	EditHistory:     clinicianOnly,
	CreateRecord:    clinicianOnly,
	DeleteRecord:    clinicianOnly,
	ListAllRecords:  clinicianOnly,
	GenerateSummary: clinicianOnly,
	ExportRecord:    clinicianOrSelf,
}

// Can reports whether actor may perform action on target. Unknown roles and
// unknown actions are always denied.
func Can(actor Actor, action Action, target Target) bool {
	if !actor.Role.Valid() {
		return false
	}
	r, ok := rules[action]
	if !ok {
		return false
	}
	return r(actor, target)
}

// Check is Can returning a *DeniedError instead of false.
func Check(actor Actor, action Action, target Target) error {
	if Can(actor, action, target) {
		return nil
	}
	return &DeniedError{Actor: actor, Action: action, Target: target}
}

// Actions lists every action the policy knows about.
func Actions() []Action {
	return []Action{
		ViewRecord, EditCoreFields, EditAllergies, EditHistory,
		CreateRecord, DeleteRecord, ListAllRecords, GenerateSummary, ExportRecord,
	}
}
