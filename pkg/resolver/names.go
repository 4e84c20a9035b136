package resolver

import "regexp"

// Subdomains become DNS labels under the platform domain, so they follow
// RFC 1123: lowercase alphanumerics and hyphens, no leading or trailing
// hyphen, at most 54 characters.
var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,52}[a-z0-9])?$`)

// Namespaces share the label charset but get the full 63-character budget.
var namespaceRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateSubdomain reports whether s is usable as an ingress subdomain.
// Availability against other apps is a separate, store-level check.
func ValidateSubdomain(s string) error {
	if s == "" {
		return validationErrorf("a subdomain is required when ingress is enabled")
	}
	if !subdomainRe.MatchString(s) {
		return validationErrorf("invalid subdomain %q: must be lowercase alphanumerics and hyphens, at most 54 characters", s)
	}
	return nil
}

// ValidateNamespace reports whether s is a valid Kubernetes namespace name.
func ValidateNamespace(s string) error {
	if s == "" {
		return validationErrorf("a namespace is required")
	}
	if len(s) > 63 || !namespaceRe.MatchString(s) {
		return validationErrorf("invalid namespace %q: must be lowercase alphanumerics and hyphens, at most 63 characters", s)
	}
	return nil
}
