package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/outpost-sec/outpost/pkg/types"
)

// TargetValidationResult contains the result of target validation
type TargetValidationResult struct {
	Valid      bool
	TargetType string // "domain", "ip", "cidr", "url"
	Normalized string
	Warnings   []string
	Error      error
}

var domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// ValidateTarget classifies a raw target string and rejects anything the
// engine must not scan (localhost, private ranges, internal suffixes).
func ValidateTarget(target string) *TargetValidationResult {
	result := &TargetValidationResult{
		Valid:    false,
		Warnings: []string{},
	}

	if strings.TrimSpace(target) == "" {
		result.Error = fmt.Errorf("target cannot be empty")
		return result
	}

	target = strings.TrimSpace(target)

	if isPrivateTarget(target) {
		result.Error = fmt.Errorf("scanning private/local targets is not allowed without explicit authorization")
		result.Warnings = append(result.Warnings, "Target appears to be localhost, private IP, or internal domain")
		return result
	}

	if isCIDR(target) {
		result.TargetType = "cidr"
		result.Normalized = target
		result.Valid = true
		result.Warnings = append(result.Warnings, "Range scanning can be intrusive - ensure you have authorization")
		return result
	}

	if isIP(target) {
		result.TargetType = "ip"
		result.Normalized = target
		result.Valid = true
		return result
	}

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		parsedURL, err := url.Parse(target)
		if err != nil {
			result.Error = fmt.Errorf("invalid URL format: %w", err)
			return result
		}
		if parsedURL.Hostname() == "" {
			result.Error = fmt.Errorf("URL has no hostname")
			return result
		}
		if isPrivateHost(parsedURL.Hostname()) {
			result.Error = fmt.Errorf("URL points to private/local network")
			return result
		}

		result.TargetType = "url"
		result.Normalized = target
		result.Valid = true
		return result
	}

	if isDomain(target) {
		result.TargetType = "domain"
		result.Normalized = strings.ToLower(target)
		result.Valid = true
		return result
	}

	result.Error = fmt.Errorf("unable to determine target type - expected URL, domain, IP, or CIDR")
	return result
}

// acceptedTargets maps each job type to the target classes it can act on.
var acceptedTargets = map[types.JobType][]string{
	types.JobTypeDNSEnum:  {"domain"},
	types.JobTypePortScan: {"domain", "ip", "cidr"},
	types.JobTypeWebCrawl: {"domain", "url"},
	types.JobTypeCertScan: {"domain"},
	types.JobTypeVulnScan: {"domain", "ip", "url"},
}

// ValidateForJobType validates the target and checks that its class is
// usable by the given job type.
func ValidateForJobType(jobType types.JobType, target string) (*TargetValidationResult, error) {
	if !types.ValidJobType(jobType) {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}

	result := ValidateTarget(target)
	if !result.Valid {
		return result, result.Error
	}

	for _, accepted := range acceptedTargets[jobType] {
		if result.TargetType == accepted {
			return result, nil
		}
	}
	return result, fmt.Errorf("job type %s does not accept %s targets", jobType, result.TargetType)
}

// isPrivateTarget checks if target is localhost or private network
func isPrivateTarget(target string) bool {
	// Extract hostname from URL if present
	hostname := target
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if parsed, err := url.Parse(target); err == nil && parsed.Hostname() != "" {
			hostname = parsed.Hostname()
		}
	}

	if ip, _, err := net.ParseCIDR(hostname); err == nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}

	return isPrivateHost(hostname)
}

// isPrivateHost checks if a hostname or IP literal is private. Hostnames are
// compared by exact label, never by substring, so a public name that happens
// to contain "localhost" or "::1" is not swept up.
func isPrivateHost(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}

	privateSuffixes := []string{
		".local",
		".internal",
		".lan",
		".test",
	}
	for _, suffix := range privateSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}

// isCIDR checks if string is an IP range (CIDR notation)
func isCIDR(s string) bool {
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

// isIP checks if string is a valid IP address
func isIP(s string) bool {
	return net.ParseIP(s) != nil
}

// isDomain checks if string looks like a valid domain name
func isDomain(s string) bool {
	return domainRegex.MatchString(s)
}
