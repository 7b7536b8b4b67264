// Package bootstrap holds the dataset a fresh store is initialized with.
package bootstrap

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/healthbook/healthbook/internal/domain/account"
	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/internal/platform/access"
)

//go:embed seed.yaml
var seedYAML []byte

type seedFile struct {
	Accounts []seedAccount `yaml:"accounts"`
	Patients []seedPatient `yaml:"patients"`
}

type seedAccount struct {
	ID         string `yaml:"id"`
	Email      string `yaml:"email"`
	Role       string `yaml:"role"`
	GivenName  string `yaml:"givenName"`
	FamilyName string `yaml:"familyName"`
	Password   string `yaml:"password"`
}

type seedPatient struct {
	ID          string `yaml:"id"`
	FamilyName  string `yaml:"familyName"`
	GivenName   string `yaml:"givenName"`
	DateOfBirth string `yaml:"dateOfBirth"`
	BloodGroup  string `yaml:"bloodGroup"`
	Allergies   []struct {
		ID          string `yaml:"id"`
		Description string `yaml:"description"`
	} `yaml:"allergies"`
	HistoryEntries []struct {
		ID          string `yaml:"id"`
		Date        string `yaml:"date"`
		Description string `yaml:"description"`
	} `yaml:"historyEntries"`
	Notes string `yaml:"notes"`
}

// Dataset is the bootstrap content.
type Dataset struct {
	Accounts []account.SeedAccount
	Patients []record.PatientRecord
}

// Default returns the embedded dataset.
func Default() (Dataset, error) {
	return Parse(seedYAML)
}

// MustDefault is Default for callers that cannot recover from a broken
// embedded file.
func MustDefault() Dataset {
	ds, err := Default()
	if err != nil {
		panic(err)
	}
	return ds
}

// Parse decodes and validates a dataset.
func Parse(data []byte) (Dataset, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Dataset{}, fmt.Errorf("parse seed dataset: %w", err)
	}

	ds := Dataset{
		Accounts: make([]account.SeedAccount, 0, len(f.Accounts)),
		Patients: make([]record.PatientRecord, 0, len(f.Patients)),
	}
	for _, a := range f.Accounts {
		ds.Accounts = append(ds.Accounts, account.SeedAccount{
			Identity: account.Identity{
				ID:         a.ID,
				Email:      a.Email,
				Role:       access.Role(a.Role),
				GivenName:  a.GivenName,
				FamilyName: a.FamilyName,
			},
			Password: a.Password,
		})
	}
	for _, p := range f.Patients {
		rec := record.PatientRecord{
			ID:             p.ID,
			FamilyName:     p.FamilyName,
			GivenName:      p.GivenName,
			DateOfBirth:    p.DateOfBirth,
			BloodGroup:     record.BloodGroup(p.BloodGroup),
			Allergies:      []record.Allergy{},
			HistoryEntries: []record.HistoryEntry{},
			Notes:          p.Notes,
		}
		for _, a := range p.Allergies {
			rec.Allergies = append(rec.Allergies, record.Allergy{ID: a.ID, Description: a.Description})
		}
		for _, h := range p.HistoryEntries {
			rec.HistoryEntries = append(rec.HistoryEntries, record.HistoryEntry{ID: h.ID, Date: h.Date, Description: h.Description})
		}
		record.SortHistory(rec.HistoryEntries)
		ds.Patients = append(ds.Patients, rec)
	}
	if err := ds.Validate(); err != nil {
		return Dataset{}, err
	}
	return ds, nil
}

// Validate checks ids, roles and that every patient account owns a record.
func (ds Dataset) Validate() error {
	records := make(map[string]bool, len(ds.Patients))
	for _, p := range ds.Patients {
		if p.ID == "" {
			return fmt.Errorf("seed patient %s has no id", p.FullName())
		}
		if records[p.ID] {
			return fmt.Errorf("duplicate seed patient id %q", p.ID)
		}
		records[p.ID] = true
		if !p.BloodGroup.Valid() {
			return fmt.Errorf("seed patient %q: unknown blood group %q", p.ID, p.BloodGroup)
		}
		if err := record.ValidateDate(p.DateOfBirth); err != nil {
			return fmt.Errorf("seed patient %q: date of birth: %w", p.ID, err)
		}
		for _, h := range p.HistoryEntries {
			if err := record.ValidateDate(h.Date); err != nil {
				return fmt.Errorf("seed patient %q: history entry %q: %w", p.ID, h.ID, err)
			}
		}
	}

	emails := make(map[string]bool, len(ds.Accounts))
	for _, a := range ds.Accounts {
		if a.ID == "" || a.Email == "" {
			return fmt.Errorf("seed account %q is missing an id or email", a.Email)
		}
		if !a.Role.Valid() {
			return fmt.Errorf("seed account %q: unknown role %q", a.Email, a.Role)
		}
		if len(a.Password) < account.MinSecretLength {
			return fmt.Errorf("seed account %q: password too short", a.Email)
		}
		email := strings.ToLower(a.Email)
		if emails[email] {
			return fmt.Errorf("duplicate seed account email %q", a.Email)
		}
		emails[email] = true
		if a.Role == access.RolePatient && !records[a.ID] {
			return fmt.Errorf("seed patient account %q has no record with id %q", a.Email, a.ID)
		}
	}
	return nil
}
