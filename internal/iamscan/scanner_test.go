package iamscan_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/dwdcheck/dwdcheck/internal/iamscan"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"google.golang.org/api/cloudresourcemanager/v3"
	"google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
)

const (
	operatorEmail = "operator@domain.com"
	projectID     = "proj"
)

func newScanner(t *testing.T, srv *httptest.Server, operator *credentials.Operator) *iamscan.Scanner {
	t.Helper()
	ctx := context.Background()
	log, _ := logrustest.NewNullLogger()

	opts := []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithEndpoint(srv.URL),
	}

	resourceManagerService, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	iamService, err := iam.NewService(ctx, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scanner, err := iamscan.New(ctx, operator, log, iamscan.WithServices(&iamscan.Services{
		Projects:          resourceManagerService.Projects,
		ServiceAccounts:   iamService.Projects.ServiceAccounts,
		Roles:             iamService.Roles,
		ProjectRoles:      iamService.Projects.Roles,
		OrganizationRoles: iamService.Organizations.Roles,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return scanner
}

func write(t *testing.T, w http.ResponseWriter, payload interface{ MarshalJSON() ([]byte, error) }) {
	t.Helper()
	body, err := payload.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	_, _ = w.Write(body)
}

// fixtureHandler serves one project with two service accounts: svc1 has an
// OAuth2 client id, svc2 does not. The operator holds a key admin role at
// project level. Stateless, so repeated scans see identical IAM state.
func fixtureHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/projects/" + projectID + ":getIamPolicy":
			write(t, w, &cloudresourcemanager.Policy{
				Bindings: []*cloudresourcemanager.Binding{
					{Role: "roles/iam.serviceAccountKeyAdmin", Members: []string{"user:" + operatorEmail}},
					{Role: "roles/viewer", Members: []string{"user:alice@other-domain.com", "serviceAccount:ci@proj.iam.gserviceaccount.com"}},
				},
			})
		case "/v1/projects/" + projectID + "/serviceAccounts":
			write(t, w, &iam.ListServiceAccountsResponse{
				Accounts: []*iam.ServiceAccount{
					{
						Name:           "projects/proj/serviceAccounts/svc1@proj.iam.gserviceaccount.com",
						Email:          "svc1@proj.iam.gserviceaccount.com",
						ProjectId:      projectID,
						UniqueId:       "111111111111111111111",
						Oauth2ClientId: "111111111111111111111",
					},
					{
						Name:      "projects/proj/serviceAccounts/svc2@proj.iam.gserviceaccount.com",
						Email:     "svc2@proj.iam.gserviceaccount.com",
						ProjectId: projectID,
						UniqueId:  "222222222222222222222",
					},
				},
			})
		case "/v1/projects/proj/serviceAccounts/svc1@proj.iam.gserviceaccount.com:getIamPolicy",
			"/v1/projects/proj/serviceAccounts/svc2@proj.iam.gserviceaccount.com:getIamPolicy":
			write(t, w, &iam.Policy{})
		case "/v1/roles/iam.serviceAccountKeyAdmin":
			write(t, w, &iam.Role{
				Name:                "roles/iam.serviceAccountKeyAdmin",
				IncludedPermissions: []string{"iam.serviceAccountKeys.create", "iam.serviceAccountKeys.delete"},
			})
		case "/v1/roles/viewer":
			write(t, w, &iam.Role{
				Name:                "roles/viewer",
				IncludedPermissions: []string{"resourcemanager.projects.get"},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestScan(t *testing.T) {
	ctx := context.Background()

	t.Run("classifies both authorization planes separately", func(t *testing.T) {
		srv := httptest.NewServer(fixtureHandler(t))
		defer srv.Close()

		operator, _ := credentials.NewOperator("ya29.token", operatorEmail)
		scanner := newScanner(t, srv, operator)

		result, err := scanner.Scan(ctx, projectID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if expected := 2; len(result.Accounts) != expected {
			t.Fatalf("expected %d accounts, got %d", expected, len(result.Accounts))
		}

		svc1, svc2 := result.Accounts[0], result.Accounts[1]

		if !svc1.KeyCreateGranted {
			t.Errorf("expected key creation to be granted on %s", svc1.Email)
		}
		if !svc1.DelegationEnabled {
			t.Errorf("expected delegation signal on %s", svc1.Email)
		}
		if !svc1.DWDEligible() {
			t.Errorf("expected %s to be eligible", svc1.Email)
		}

		if !svc2.KeyCreateGranted {
			t.Errorf("expected key creation to be granted on %s via the project binding", svc2.Email)
		}
		if svc2.DelegationEnabled {
			t.Errorf("expected no delegation signal on %s", svc2.Email)
		}
		if svc2.DWDEligible() {
			t.Errorf("expected %s to be ineligible", svc2.Email)
		}

		if eligible := result.Eligible(); len(eligible) != 1 || eligible[0].Email != svc1.Email {
			t.Errorf("expected exactly %s to be eligible, got %v", svc1.Email, eligible)
		}

		if expected := []string{"roles/iam.serviceAccountKeyAdmin"}; !reflect.DeepEqual(svc1.Roles, expected) {
			t.Errorf("expected roles %v, got %v", expected, svc1.Roles)
		}
	})

	t.Run("rescanning unchanged bindings yields identical classifications", func(t *testing.T) {
		srv := httptest.NewServer(fixtureHandler(t))
		defer srv.Close()

		operator, _ := credentials.NewOperator("ya29.token", operatorEmail)
		scanner := newScanner(t, srv, operator)

		first, err := scanner.Scan(ctx, projectID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		second, err := scanner.Scan(ctx, projectID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !reflect.DeepEqual(first.Accounts, second.Accounts) {
			t.Errorf("expected identical classifications across scans")
		}
	})

	t.Run("collects one domain user per distinct domain", func(t *testing.T) {
		srv := httptest.NewServer(fixtureHandler(t))
		defer srv.Close()

		operator, _ := credentials.NewOperator("ya29.token", operatorEmail)
		scanner := newScanner(t, srv, operator)

		result, err := scanner.Scan(ctx, projectID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if expected := "alice@other-domain.com"; result.DomainUsers["other-domain.com"] != expected {
			t.Errorf("expected domain user %q, got %q", expected, result.DomainUsers["other-domain.com"])
		}

		for domain := range result.DomainUsers {
			if domain == "proj.iam.gserviceaccount.com" {
				t.Errorf("service account members must not be collected as domain users")
			}
		}

		users := result.TargetUsers()
		if len(users) == 0 || users[len(users)-1] != "alice@other-domain.com" {
			t.Errorf("expected target users in deterministic domain order, got %v", users)
		}
	})

	t.Run("denied project is skipped without aborting the scan", func(t *testing.T) {
		fallthroughHandler := fixtureHandler(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v3/projects:search":
				write(t, w, &cloudresourcemanager.SearchProjectsResponse{
					Projects: []*cloudresourcemanager.Project{
						{ProjectId: "locked"},
						{ProjectId: projectID},
					},
				})
			case "/v3/projects/locked:getIamPolicy":
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":{"code":403,"message":"The caller does not have permission","status":"PERMISSION_DENIED"}}`))
			default:
				fallthroughHandler(w, r)
			}
		}))
		defer srv.Close()

		operator, _ := credentials.NewOperator("ya29.token", operatorEmail)
		scanner := newScanner(t, srv, operator)

		result, err := scanner.Scan(ctx, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if expected := 1; len(result.Skipped) != expected {
			t.Fatalf("expected %d skipped project, got %d", expected, len(result.Skipped))
		}

		if expected := "locked"; result.Skipped[0].ProjectID != expected {
			t.Errorf("expected skipped project %q, got %q", expected, result.Skipped[0].ProjectID)
		}

		if expected := 2; len(result.Accounts) != expected {
			t.Errorf("expected the remaining project to contribute %d accounts, got %d", expected, len(result.Accounts))
		}
	})

	t.Run("denied account policy annotates the account instead of dropping it", func(t *testing.T) {
		fallthroughHandler := fixtureHandler(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/projects/proj/serviceAccounts/svc1@proj.iam.gserviceaccount.com:getIamPolicy" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":{"code":403,"message":"The caller does not have permission","status":"PERMISSION_DENIED"}}`))
				return
			}
			fallthroughHandler(w, r)
		}))
		defer srv.Close()

		operator, _ := credentials.NewOperator("ya29.token", operatorEmail)
		scanner := newScanner(t, srv, operator)

		result, err := scanner.Scan(ctx, projectID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		svc1 := result.Accounts[0]
		if svc1.Error == "" {
			t.Errorf("expected an error annotation on %s", svc1.Email)
		}

		// the project-level binding still counts
		if !svc1.KeyCreateGranted {
			t.Errorf("expected key creation to be granted via the project binding")
		}
	})

	t.Run("resolves a raw service account operator by client id", func(t *testing.T) {
		srv := httptest.NewServer(fixtureHandler(t))
		defer srv.Close()

		operator, _ := credentials.NewOperator("ya29.token", "")
		operator.SetClientID("111111111111111111111")
		scanner := newScanner(t, srv, operator)

		if _, err := scanner.Scan(ctx, projectID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if expected := "svc1@proj.iam.gserviceaccount.com"; operator.Email() != expected {
			t.Errorf("expected operator email %q, got %q", expected, operator.Email())
		}
	})
}
