package devauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/journal-tracker/internal/auth"
	"github.com/spec-kit/journal-tracker/internal/domain"
)

var seedDepartments = []domain.Department{
	{ID: "cardiology", Name: "Cardiology"},
	{ID: "oncology", Name: "Oncology"},
	{ID: "neurology", Name: "Neurology"},
}

func seedPublications() []domain.Publication {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	return []domain.Publication{
		{ID: "p-1", DepartmentID: "cardiology", Title: "Outcomes of early TAVI in low-risk patients", Journal: "Heart", PublishedAt: day(2025, 3, 14)},
		{ID: "p-2", DepartmentID: "cardiology", Title: "Remote monitoring after heart failure discharge", Journal: "ESC Heart Failure", PublishedAt: day(2025, 9, 2)},
		{ID: "p-3", DepartmentID: "oncology", Title: "Immunotherapy response in elderly NSCLC cohorts", Journal: "The Oncologist", PublishedAt: day(2025, 6, 21)},
		{ID: "p-4", DepartmentID: "neurology", Title: "Thrombectomy transfer times in a regional network", Journal: "Stroke", PublishedAt: day(2026, 1, 10)},
	}
}

// parseAccounts reads "username:password:role[:departmentId]" entries separated by commas.
func parseAccounts(spec string, bcryptCost int) (map[string]domain.Account, error) {
	accounts := make(map[string]domain.Account)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid user entry %q", entry)
		}
		role := domain.Role(parts[2])
		switch role {
		case domain.RoleAdmin, domain.RoleEditor, domain.RoleViewer:
		default:
			return nil, fmt.Errorf("user %q: unknown role %q", parts[0], parts[2])
		}

		hash, err := auth.HashPassword(parts[1], bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %q: %w", parts[0], err)
		}
		user := domain.User{ID: uuid.NewString(), Username: parts[0], Role: role}
		if len(parts) == 4 && parts[3] != "" {
			dept := parts[3]
			user.DepartmentID = &dept
		}
		accounts[user.Username] = domain.Account{User: user, PasswordHash: hash}
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no users configured")
	}
	return accounts, nil
}
