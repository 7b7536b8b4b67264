package bootstrap

import (
	"strings"
	"testing"

	"github.com/healthbook/healthbook/internal/domain/record"
	"github.com/healthbook/healthbook/internal/platform/access"
)

func TestDefault(t *testing.T) {
	ds, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if len(ds.Accounts) != 3 {
		t.Errorf("expected 3 accounts, got %d", len(ds.Accounts))
	}
	if len(ds.Patients) != 10 {
		t.Errorf("expected 10 patient records, got %d", len(ds.Patients))
	}

	byID := map[string]record.PatientRecord{}
	for _, p := range ds.Patients {
		byID[p.ID] = p
	}
	alami, ok := byID["2"]
	if !ok {
		t.Fatal("record 2 missing")
	}
	if alami.FamilyName != "Alami" || alami.BloodGroup != record.BloodGroupONeg || alami.Allergies == nil {
		t.Errorf("unexpected record %+v", alami)
	}
	for _, p := range ds.Patients {
		for i := 1; i < len(p.HistoryEntries); i++ {
			if p.HistoryEntries[i-1].Date < p.HistoryEntries[i].Date {
				t.Errorf("history of %s not sorted newest first", p.ID)
			}
		}
	}
	if got := byID["1"].HistoryEntries[0].ID; got != "h2" {
		t.Errorf("expected h2 first for record 1, got %s", got)
	}

	clinicians := 0
	for _, a := range ds.Accounts {
		if a.Role == access.RoleClinician {
			clinicians++
			continue
		}
		if _, ok := byID[a.ID]; !ok {
			t.Errorf("patient account %s has no record", a.Email)
		}
	}
	if clinicians != 1 {
		t.Errorf("expected one clinician, got %d", clinicians)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "malformed",
			yaml: "accounts: [",
			want: "parse seed dataset",
		},
		{
			name: "unlinked patient account",
			yaml: `
accounts:
  - {id: p9, email: p9@example.com, role: patient, password: password123}
`,
			want: "has no record",
		},
		{
			name: "unknown role",
			yaml: `
accounts:
  - {id: x, email: x@example.com, role: nurse, password: password123}
`,
			want: "unknown role",
		},
		{
			name: "duplicate email",
			yaml: `
accounts:
  - {id: d1, email: a@example.com, role: clinician, password: password123}
  - {id: d2, email: A@example.com, role: clinician, password: password123}
`,
			want: "duplicate seed account email",
		},
		{
			name: "bad date",
			yaml: `
patients:
  - {id: "1", familyName: Doe, givenName: Jane, dateOfBirth: 15/05/1985}
`,
			want: "date of birth",
		},
		{
			name: "bad blood group",
			yaml: `
patients:
  - {id: "1", familyName: Doe, givenName: Jane, dateOfBirth: "1985-05-15", bloodGroup: C+}
`,
			want: "blood group",
		},
		{
			name: "duplicate record id",
			yaml: `
patients:
  - {id: "1", familyName: Doe, givenName: Jane, dateOfBirth: "1985-05-15"}
  - {id: "1", familyName: Roe, givenName: John, dateOfBirth: "1985-05-15"}
`,
			want: "duplicate seed patient id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
