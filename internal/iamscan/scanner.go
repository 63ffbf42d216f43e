package iamscan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/dwdcheck/dwdcheck/internal/faults"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/cloudresourcemanager/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iam/v1"
	"google.golang.org/api/option"
)

// keyCreatePermission is the IAM permission that lets the operator mint a
// key on a service account.
const keyCreatePermission = "iam.serviceAccountKeys.create"

// Account is one discovered service account. KeyCreateGranted reflects the
// IAM plane (the operator can mint a key), DelegationEnabled the Workspace
// plane signal (the account has an OAuth2 client id and can be entered in the
// admin console). The two are distinct authorization planes; only the token
// exchange proves delegation end to end.
type Account struct {
	Email             string
	Name              string
	ProjectID         string
	UniqueID          string
	DisplayName       string
	OAuth2ClientID    string
	Roles             []string
	KeyCreateGranted  bool
	DelegationEnabled bool

	// Error annotates accounts whose classification is incomplete, e.g. a
	// denied policy read. The account stays in the report.
	Error string
}

// DWDEligible requires both authorization planes.
func (a *Account) DWDEligible() bool {
	return a.KeyCreateGranted && a.DelegationEnabled
}

// Skip records a project the scan could not cover.
type Skip struct {
	ProjectID string
	Err       error
}

// Result is the outcome of one scan run. A fresh scan produces a fresh
// result; nothing is reused across invocations.
type Result struct {
	Accounts    []*Account
	Skipped     []Skip
	DomainUsers map[string]string
}

// Eligible returns the accounts worth minting a key for.
func (r *Result) Eligible() []*Account {
	eligible := make([]*Account, 0)
	for _, account := range r.Accounts {
		if account.DWDEligible() {
			eligible = append(eligible, account)
		}
	}

	return eligible
}

// ProjectAccess describes the operator's standing in one project.
type ProjectAccess struct {
	ProjectID     string
	DisplayName   string
	Name          string
	Roles         []string
	KeyCreateRole bool
}

// Services bundles the Google API surfaces the scanner queries.
type Services struct {
	Projects          *cloudresourcemanager.ProjectsService
	ServiceAccounts   *iam.ProjectsServiceAccountsService
	Roles             *iam.RolesService
	ProjectRoles      *iam.ProjectsRolesService
	OrganizationRoles *iam.OrganizationsRolesService
}

// Scanner discovers service accounts and classifies their DWD eligibility
// from the IAM bindings observed at scan time.
type Scanner struct {
	services *Services
	operator *credentials.Operator
	log      logrus.FieldLogger

	// per-scan cache of role name -> grants keyCreatePermission
	roleGrants map[string]bool
}

type OptFunc func(*Scanner)

func WithServices(services *Services) OptFunc {
	return func(s *Scanner) {
		s.services = services
	}
}

func New(ctx context.Context, operator *credentials.Operator, log logrus.FieldLogger, opts ...OptFunc) (*Scanner, error) {
	s := &Scanner{
		operator: operator,
		log:      log,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.services == nil {
		services, err := createServices(ctx, operator)
		if err != nil {
			return nil, err
		}

		s.services = services
	}

	return s, nil
}

func createServices(ctx context.Context, operator *credentials.Operator) (*Services, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(operator.HTTPClient(ctx)),
	}

	resourceManagerService, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("retrieve cloud resource manager service: %w", err)
	}

	iamService, err := iam.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("retrieve IAM service: %w", err)
	}

	return &Services{
		Projects:          resourceManagerService.Projects,
		ServiceAccounts:   iamService.Projects.ServiceAccounts,
		Roles:             iamService.Roles,
		ProjectRoles:      iamService.Projects.Roles,
		OrganizationRoles: iamService.Organizations.Roles,
	}, nil
}

// Scan walks the visible projects (or the one given), lists their service
// accounts, and classifies each against the operator's IAM bindings. A
// project the operator cannot read is skipped and reported, never fatal;
// only a rejected operator credential aborts the scan.
func (s *Scanner) Scan(ctx context.Context, projectID string) (*Result, error) {
	s.roleGrants = make(map[string]bool)

	projects, err := s.projectIDs(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Accounts:    make([]*Account, 0),
		Skipped:     make([]Skip, 0),
		DomainUsers: make(map[string]string),
	}

	type scanned struct {
		account       *iam.ServiceAccount
		projectPolicy *cloudresourcemanager.Policy
	}
	discovered := make([]scanned, 0)

	for _, id := range projects {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log := s.log.WithField("project", id)

		policy, err := s.services.Projects.GetIamPolicy("projects/"+id, &cloudresourcemanager.GetIamPolicyRequest{}).Context(ctx).Do()
		if err != nil {
			if kind := classify(err); kind == faults.Unauthenticated {
				return nil, &faults.Error{Kind: kind, Err: fmt.Errorf("read IAM policy for project %q: %w", id, err)}
			}

			log.WithError(err).Warnf("unable to read project IAM policy, skipping project")
			result.Skipped = append(result.Skipped, Skip{ProjectID: id, Err: err})
			continue
		}

		collectDomainUsers(policy, result.DomainUsers)

		listErr := s.services.ServiceAccounts.List("projects/"+id).Context(ctx).Pages(ctx, func(response *iam.ListServiceAccountsResponse) error {
			for _, account := range response.Accounts {
				discovered = append(discovered, scanned{account: account, projectPolicy: policy})
			}
			return nil
		})
		if listErr != nil {
			log.WithError(listErr).Warnf("unable to list service accounts, skipping project")
			result.Skipped = append(result.Skipped, Skip{ProjectID: id, Err: listErr})
		}
	}

	// raw service account tokens carry no email in tokeninfo; match the
	// token's client id against the discovered accounts instead
	if s.operator.Email() == "" && s.operator.ClientID() != "" {
		for _, d := range discovered {
			if d.account.Oauth2ClientId == s.operator.ClientID() {
				s.operator.SetEmail(d.account.Email)
				s.log.WithField("service_account", d.account.Email).Infof("resolved operator identity from token client id")
				break
			}
		}
	}

	for _, d := range discovered {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		account := &Account{
			Email:             d.account.Email,
			Name:              d.account.Name,
			ProjectID:         d.account.ProjectId,
			UniqueID:          d.account.UniqueId,
			DisplayName:       d.account.DisplayName,
			OAuth2ClientID:    d.account.Oauth2ClientId,
			DelegationEnabled: d.account.Oauth2ClientId != "",
		}

		roles := memberRoles(projectBindings(d.projectPolicy), s.operator.Email())

		accountPolicy, err := s.services.ServiceAccounts.GetIamPolicy(d.account.Name).Context(ctx).Do()
		if err != nil {
			account.Error = fmt.Sprintf("read service account IAM policy: %v", err)
			s.log.WithField("service_account", account.Email).WithError(err).Warnf("unable to read service account IAM policy")
		} else {
			roles = append(roles, memberRoles(accountBindings(accountPolicy), s.operator.Email())...)
		}

		account.Roles = dedupe(roles)
		for _, role := range account.Roles {
			if s.roleGrantsKeyCreate(ctx, role) {
				account.KeyCreateGranted = true
				break
			}
		}

		result.Accounts = append(result.Accounts, account)
	}

	return result, nil
}

// ListProjects reports the operator's access per visible project.
func (s *Scanner) ListProjects(ctx context.Context) ([]ProjectAccess, error) {
	s.roleGrants = make(map[string]bool)

	projects := make([]ProjectAccess, 0)
	err := s.services.Projects.Search().Pages(ctx, func(response *cloudresourcemanager.SearchProjectsResponse) error {
		for _, project := range response.Projects {
			access := ProjectAccess{
				ProjectID:   project.ProjectId,
				DisplayName: project.DisplayName,
				Name:        project.Name,
			}

			policy, err := s.services.Projects.GetIamPolicy("projects/"+project.ProjectId, &cloudresourcemanager.GetIamPolicyRequest{}).Context(ctx).Do()
			if err == nil {
				access.Roles = dedupe(memberRoles(projectBindings(policy), s.operator.Email()))
				for _, role := range access.Roles {
					if s.roleGrantsKeyCreate(ctx, role) {
						access.KeyCreateRole = true
						break
					}
				}
			}

			projects = append(projects, access)
		}
		return nil
	})
	if err != nil {
		return nil, s.fatalOrWrapped(err, "list projects")
	}

	return projects, nil
}

func (s *Scanner) projectIDs(ctx context.Context, projectID string) ([]string, error) {
	if projectID != "" {
		return []string{projectID}, nil
	}

	ids := make([]string, 0)
	err := s.services.Projects.Search().Pages(ctx, func(response *cloudresourcemanager.SearchProjectsResponse) error {
		for _, project := range response.Projects {
			ids = append(ids, project.ProjectId)
		}
		return nil
	})
	if err != nil {
		return nil, s.fatalOrWrapped(err, "list projects")
	}

	return ids, nil
}

// roleGrantsKeyCreate resolves whether a role's definition includes the key
// creation permission, caching per scan. Custom project and organization
// roles are fetched from their own surfaces.
func (s *Scanner) roleGrantsKeyCreate(ctx context.Context, role string) bool {
	if granted, ok := s.roleGrants[role]; ok {
		return granted
	}

	var definition *iam.Role
	var err error

	switch {
	case strings.HasPrefix(role, "projects/"):
		definition, err = s.services.ProjectRoles.Get(role).Context(ctx).Do()
	case strings.HasPrefix(role, "organizations/"):
		definition, err = s.services.OrganizationRoles.Get(role).Context(ctx).Do()
	default:
		definition, err = s.services.Roles.Get(role).Context(ctx).Do()
	}

	granted := false
	if err != nil {
		s.log.WithField("role", role).WithError(err).Debugf("unable to resolve role definition")
	} else {
		for _, permission := range definition.IncludedPermissions {
			if permission == keyCreatePermission {
				granted = true
				break
			}
		}
	}

	s.roleGrants[role] = granted
	return granted
}

func (s *Scanner) fatalOrWrapped(err error, action string) error {
	if kind := classify(err); kind == faults.Unauthenticated {
		return &faults.Error{Kind: kind, Err: fmt.Errorf("%s: %w", action, err)}
	}

	return fmt.Errorf("%s: %w", action, err)
}

type binding struct {
	role    string
	members []string
}

func projectBindings(policy *cloudresourcemanager.Policy) []binding {
	bindings := make([]binding, 0, len(policy.Bindings))
	for _, b := range policy.Bindings {
		bindings = append(bindings, binding{role: b.Role, members: b.Members})
	}
	return bindings
}

func accountBindings(policy *iam.Policy) []binding {
	bindings := make([]binding, 0, len(policy.Bindings))
	for _, b := range policy.Bindings {
		bindings = append(bindings, binding{role: b.Role, members: b.Members})
	}
	return bindings
}

// memberRoles picks the roles bound to the operator identity. Members carry
// a type prefix ("user:", "serviceAccount:"); the identifier after the colon
// is what must match.
func memberRoles(bindings []binding, email string) []string {
	if email == "" {
		return nil
	}

	roles := make([]string, 0)
	for _, b := range bindings {
		for _, member := range b.members {
			identifier := member
			if _, after, found := strings.Cut(member, ":"); found {
				identifier = after
			}

			if identifier == email {
				roles = append(roles, b.role)
				break
			}
		}
	}

	return roles
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	return out
}

// classify maps a Google API error onto the taxonomy, empty when unmapped.
func classify(err error) faults.Kind {
	var googleErr *googleapi.Error
	if errors.As(err, &googleErr) {
		return faults.FromStatus(googleErr.Code)
	}

	return ""
}
