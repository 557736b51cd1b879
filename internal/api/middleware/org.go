package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

type contextKey string

// OrgKey is the context key for the resolved organization.
const OrgKey contextKey = "organization"

// DefaultOrgID is the organization used when no header is sent. It is created
// lazily so a fresh server works without any provisioning step.
const DefaultOrgID = "default"

// OrgExtractor resolves the tenant from the X-Organization-ID header, falling
// back to the organization_id query parameter and finally the default org.
// The full organization row, feature flags included, is placed on the request
// context.
func OrgExtractor(st store.OrganizationStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Organization-ID"))
			if id == "" {
				id = strings.TrimSpace(r.URL.Query().Get("organization_id"))
			}
			if id == "" {
				id = DefaultOrgID
			}

			org, err := st.GetOrganization(r.Context(), id)
			if err != nil {
				if id != DefaultOrgID {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusNotFound)
					w.Write([]byte(`{"error":"organization not found: ` + id + `"}`))
					return
				}
				org = &models.Organization{
					ID:        DefaultOrgID,
					Name:      "Default Organization",
					CreatedAt: time.Now().UTC(),
				}
				if err := st.CreateOrganization(r.Context(), org); err != nil {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"organization setup failed"}`))
					return
				}
			}

			ctx := context.WithValue(r.Context(), OrgKey, org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOrg retrieves the organization from the request context.
func GetOrg(ctx context.Context) *models.Organization {
	if v, ok := ctx.Value(OrgKey).(*models.Organization); ok {
		return v
	}
	return nil
}
