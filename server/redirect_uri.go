package server

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// RedirectURISecurityError is a redirect URI validation failure carrying
// a detailed internal reason for operators and a generic message for
// clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (logged, never returned to clients)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryPrivateIP       = "private_ip"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryLoopback        = "loopback_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryDNSPrivateIP    = "dns_resolves_to_private_ip"
	RedirectURIErrorCategoryDNSLinkLocal    = "dns_resolves_to_link_local"
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

// ValidateRedirectURIForRegistration performs full security validation on
// a redirect URI during client registration: blocked schemes, fragments,
// private and link-local hosts, and optionally DNS-resolved targets.
func (s *Server) ValidateRedirectURIForRegistration(ctx context.Context, redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        fmt.Sprintf("URL parse error: %v", err),
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	if parsed.Fragment != "" {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains fragment which is prohibited by OAuth 2.0 Security BCP",
			ClientMessage: "redirect_uri: fragments are not allowed (OAuth 2.0 Security BCP)",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)

	if err := s.validateSchemeNotBlocked(scheme); err != nil {
		return err
	}

	if scheme == SchemeHTTP || scheme == SchemeHTTPS {
		return s.validateHTTPRedirectURI(ctx, parsed)
	}

	// Custom scheme (native apps)
	if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        err.Error(),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme),
		}
	}

	return nil
}

// validateSchemeNotBlocked checks the scheme against the blocked list.
// Blocked schemes are never allowed regardless of configuration.
func (s *Server) validateSchemeNotBlocked(scheme string) error {
	schemeLower := strings.ToLower(scheme)
	for _, blocked := range s.Config.BlockedRedirectSchemes {
		if schemeLower == strings.ToLower(blocked) {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryBlockedScheme,
				URI:           "",
				Reason:        fmt.Sprintf("scheme '%s' is in blocked list", scheme),
				ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is blocked for security reasons", scheme),
			}
		}
	}
	return nil
}

// validateHTTPRedirectURI validates HTTP/HTTPS redirect URIs with host
// checks per the configured deployment mode.
func (s *Server) validateHTTPRedirectURI(ctx context.Context, parsed *url.URL) error {
	scheme := strings.ToLower(parsed.Scheme)
	hostname := parsed.Hostname()

	if isLoopbackAddress(hostname) {
		if !s.Config.AllowLocalhostRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryLoopback,
				URI:           sanitizeURIForLogging(parsed.String()),
				Reason:        "loopback addresses disabled via AllowLocalhostRedirectURIs=false",
				ClientMessage: "redirect_uri: loopback addresses are not allowed",
			}
		}
		// RFC 8252 Section 7.3 allows HTTP for loopback
		return nil
	}

	if s.Config.ProductionMode && scheme == SchemeHTTP {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           sanitizeURIForLogging(parsed.String()),
			Reason:        "ProductionMode=true requires HTTPS for non-loopback URIs",
			ClientMessage: "redirect_uri: HTTPS is required in production (HTTP only allowed for localhost)",
		}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return s.validateIPAddress(ip, hostname)
	}

	if s.Config.DNSValidation {
		return s.validateHostnameWithDNS(ctx, hostname, parsed.String())
	}

	return nil
}

// validateIPAddress rejects IP hosts that could reach internal networks
// or cloud metadata services.
func (s *Server) validateIPAddress(ip net.IP, hostname string) error {
	if ip.IsUnspecified() {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryUnspecifiedAddr,
			URI:           "",
			Reason:        fmt.Sprintf("IP %s is unspecified (0.0.0.0 or ::)", hostname),
			ClientMessage: "redirect_uri: unspecified addresses (0.0.0.0, ::) are not allowed",
		}
	}

	if ip.IsPrivate() && !s.Config.AllowPrivateIPRedirectURIs {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryPrivateIP,
			URI:           "",
			Reason:        fmt.Sprintf("IP %s is in private range (RFC 1918)", hostname),
			ClientMessage: "redirect_uri: private IP addresses are not allowed (SSRF protection)",
		}
	}

	if (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) && !s.Config.AllowLinkLocalRedirectURIs {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryLinkLocal,
			URI:           "",
			Reason:        fmt.Sprintf("IP %s is link-local (could target cloud metadata services)", hostname),
			ClientMessage: "redirect_uri: link-local addresses are not allowed (cloud SSRF protection)",
		}
	}

	return nil
}

// validateHostnameWithDNS resolves a hostname and validates the resolved
// addresses. Defends against DNS tricks that pass validation with a
// public name resolving to an internal address.
func (s *Server) validateHostnameWithDNS(ctx context.Context, hostname, fullURI string) error {
	resolveCtx, cancel := context.WithTimeout(ctx, s.Config.DNSValidationTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(resolveCtx, "ip", hostname)
	if err != nil {
		// Don't block on transient DNS failures; log for monitoring.
		s.Logger.Warn("DNS resolution failed during redirect URI validation",
			"hostname", hostname,
			"error", err,
			"action", "allowing_registration")
		return nil
	}

	for _, ip := range ips {
		if ip.IsPrivate() && !s.Config.AllowPrivateIPRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryDNSPrivateIP,
				URI:           sanitizeURIForLogging(fullURI),
				Reason:        fmt.Sprintf("hostname '%s' resolves to private IP %s", hostname, ip.String()),
				ClientMessage: "redirect_uri: hostname resolves to private IP address (DNS rebinding protection)",
			}
		}
		if ip.IsLinkLocalUnicast() && !s.Config.AllowLinkLocalRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryDNSLinkLocal,
				URI:           sanitizeURIForLogging(fullURI),
				Reason:        fmt.Sprintf("hostname '%s' resolves to link-local IP %s", hostname, ip.String()),
				ClientMessage: "redirect_uri: hostname resolves to link-local address (cloud SSRF protection)",
			}
		}
	}

	return nil
}

// ValidateRedirectURIsForRegistration validates every redirect URI in a
// registration request, failing on the first invalid one.
func (s *Server) ValidateRedirectURIsForRegistration(ctx context.Context, redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("redirect_uri: at least one redirect URI is required")
	}

	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(ctx, uri); err != nil {
			return err
		}
	}

	return nil
}

// sanitizeURIForLogging strips query, fragment, and userinfo from a URI
// so credentials never reach the logs.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil

	return parsed.String()
}

// GetRedirectURIErrorCategory returns the category of a
// RedirectURISecurityError, or empty for other errors.
func GetRedirectURIErrorCategory(err error) string {
	if secErr, ok := err.(*RedirectURISecurityError); ok {
		return secErr.Category
	}
	return ""
}
