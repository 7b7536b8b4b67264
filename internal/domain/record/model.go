package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hengadev/errsx"

	"github.com/healthbook/healthbook/internal/platform/apierr"
)

// DateLayout is the calendar-date format used for birth and history dates.
const DateLayout = "2006-01-02"

// BloodGroup is one of the eight ABO/Rh groups, or empty when unknown.
type BloodGroup string

const (
	BloodGroupAPos  BloodGroup = "A+"
	BloodGroupANeg  BloodGroup = "A-"
	BloodGroupBPos  BloodGroup = "B+"
	BloodGroupBNeg  BloodGroup = "B-"
	BloodGroupABPos BloodGroup = "AB+"
	BloodGroupABNeg BloodGroup = "AB-"
	BloodGroupOPos  BloodGroup = "O+"
	BloodGroupONeg  BloodGroup = "O-"
)

var validBloodGroups = map[BloodGroup]bool{
	"": true, BloodGroupAPos: true, BloodGroupANeg: true, BloodGroupBPos: true, BloodGroupBNeg: true,
	BloodGroupABPos: true, BloodGroupABNeg: true, BloodGroupOPos: true, BloodGroupONeg: true,
}

// Valid reports whether b is a known group or empty.
func (b BloodGroup) Valid() bool { return validBloodGroups[b] }

// Allergy is embedded in a PatientRecord, insertion-ordered.
type Allergy struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// HistoryEntry is embedded in a PatientRecord, kept newest first.
type HistoryEntry struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	Description string `json:"description"`
}

// PatientRecord is the clinical record. An ID equal to an account ID links
// the record to that account.
type PatientRecord struct {
	ID             string         `json:"id"`
	FamilyName     string         `json:"familyName"`
	GivenName      string         `json:"givenName"`
	DateOfBirth    string         `json:"dateOfBirth"`
	BloodGroup     BloodGroup     `json:"bloodGroup"`
	Allergies      []Allergy      `json:"allergies"`
	HistoryEntries []HistoryEntry `json:"historyEntries"`
	Notes          string         `json:"notes,omitempty"`
}

// Clone returns a deep copy. Nil lists come back as empty lists.
func (p PatientRecord) Clone() PatientRecord {
	out := p
	out.Allergies = make([]Allergy, len(p.Allergies))
	copy(out.Allergies, p.Allergies)
	out.HistoryEntries = make([]HistoryEntry, len(p.HistoryEntries))
	copy(out.HistoryEntries, p.HistoryEntries)
	return out
}

// FullName is "Given Family".
func (p PatientRecord) FullName() string {
	return strings.TrimSpace(p.GivenName + " " + p.FamilyName)
}

func cloneAll(records []PatientRecord) []PatientRecord {
	out := make([]PatientRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// Fields are the core, clinician-editable fields used to create a record.
type Fields struct {
	FamilyName  string     `json:"familyName"`
	GivenName   string     `json:"givenName"`
	DateOfBirth string     `json:"dateOfBirth"`
	BloodGroup  BloodGroup `json:"bloodGroup"`
	Notes       string     `json:"notes,omitempty"`
}

// Normalize trims surrounding whitespace.
func (f *Fields) Normalize() {
	f.FamilyName = strings.TrimSpace(f.FamilyName)
	f.GivenName = strings.TrimSpace(f.GivenName)
	f.DateOfBirth = strings.TrimSpace(f.DateOfBirth)
	f.BloodGroup = BloodGroup(strings.ToUpper(strings.TrimSpace(string(f.BloodGroup))))
	f.Notes = strings.TrimSpace(f.Notes)
}

func (f Fields) Validate() error {
	var errs errsx.Map
	if err := validateName(f.FamilyName); err != nil {
		errs.Set("familyName", err)
	}
	if err := validateName(f.GivenName); err != nil {
		errs.Set("givenName", err)
	}
	if err := ValidateDate(f.DateOfBirth); err != nil {
		errs.Set("dateOfBirth", err)
	}
	if !f.BloodGroup.Valid() {
		errs.Set("bloodGroup", fmt.Errorf("unknown blood group %q", f.BloodGroup))
	}
	return apierr.Invalid(errs)
}

// Patch updates the core fields. Nil fields are left untouched.
type Patch struct {
	FamilyName  *string     `json:"familyName,omitempty"`
	GivenName   *string     `json:"givenName,omitempty"`
	DateOfBirth *string     `json:"dateOfBirth,omitempty"`
	BloodGroup  *BloodGroup `json:"bloodGroup,omitempty"`
	Notes       *string     `json:"notes,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.FamilyName == nil && p.GivenName == nil && p.DateOfBirth == nil &&
		p.BloodGroup == nil && p.Notes == nil
}

// Normalize trims the set fields.
func (p *Patch) Normalize() {
	trim := func(s *string) {
		if s != nil {
			*s = strings.TrimSpace(*s)
		}
	}
	trim(p.FamilyName)
	trim(p.GivenName)
	trim(p.DateOfBirth)
	trim(p.Notes)
	if p.BloodGroup != nil {
		bg := BloodGroup(strings.ToUpper(strings.TrimSpace(string(*p.BloodGroup))))
		p.BloodGroup = &bg
	}
}

func (p Patch) Validate() error {
	var errs errsx.Map
	if p.FamilyName != nil {
		if err := validateName(*p.FamilyName); err != nil {
			errs.Set("familyName", err)
		}
	}
	if p.GivenName != nil {
		if err := validateName(*p.GivenName); err != nil {
			errs.Set("givenName", err)
		}
	}
	if p.DateOfBirth != nil {
		if err := ValidateDate(*p.DateOfBirth); err != nil {
			errs.Set("dateOfBirth", err)
		}
	}
	if p.BloodGroup != nil && !p.BloodGroup.Valid() {
		errs.Set("bloodGroup", fmt.Errorf("unknown blood group %q", *p.BloodGroup))
	}
	return apierr.Invalid(errs)
}

func (p Patch) apply(r *PatientRecord) {
	if p.FamilyName != nil {
		r.FamilyName = *p.FamilyName
	}
	if p.GivenName != nil {
		r.GivenName = *p.GivenName
	}
	if p.DateOfBirth != nil {
		r.DateOfBirth = *p.DateOfBirth
	}
	if p.BloodGroup != nil {
		r.BloodGroup = *p.BloodGroup
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
}

// AllergyInput is the payload for adding an allergy.
type AllergyInput struct {
	Description string `json:"description"`
}

func (in AllergyInput) Validate() error {
	var errs errsx.Map
	if strings.TrimSpace(in.Description) == "" {
		errs.Set("description", errors.New("is required"))
	}
	return apierr.Invalid(errs)
}

// HistoryInput is the payload for adding a history entry.
type HistoryInput struct {
	Date        string `json:"date"`
	Description string `json:"description"`
}

func (in HistoryInput) Validate() error {
	var errs errsx.Map
	if err := ValidateDate(in.Date); err != nil {
		errs.Set("date", err)
	}
	if strings.TrimSpace(in.Description) == "" {
		errs.Set("description", errors.New("is required"))
	}
	return apierr.Invalid(errs)
}

func validateName(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("is required")
	}
	return nil
}

// ValidateDate checks s is a YYYY-MM-DD calendar date.
func ValidateDate(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("is required")
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return errors.New("must be a YYYY-MM-DD date")
	}
	return nil
}
