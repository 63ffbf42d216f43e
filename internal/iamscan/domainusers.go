package iamscan

import (
	"sort"
	"strings"

	"google.golang.org/api/cloudresourcemanager/v3"
)

// collectDomainUsers picks one human user per distinct domain from a project
// policy. These are the default impersonation targets when the operator names
// none. Service account identities are excluded.
func collectDomainUsers(policy *cloudresourcemanager.Policy, users map[string]string) {
	for _, b := range policy.Bindings {
		for _, member := range b.Members {
			email, found := strings.CutPrefix(member, "user:")
			if !found {
				continue
			}

			_, domain, found := strings.Cut(email, "@")
			if !found || strings.HasSuffix(domain, ".gserviceaccount.com") {
				continue
			}

			if _, exists := users[domain]; !exists {
				users[domain] = email
			}
		}
	}
}

// TargetUsers returns the discovered domain users in deterministic order.
func (r *Result) TargetUsers() []string {
	domains := make([]string, 0, len(r.DomainUsers))
	for domain := range r.DomainUsers {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	users := make([]string, 0, len(domains))
	for _, domain := range domains {
		users = append(users, r.DomainUsers[domain])
	}

	return users
}
