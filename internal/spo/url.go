package spo

import (
	"fmt"
	"net/url"
	"strings"
)

// AdminURL derives the tenant admin site from any site URL of the tenant:
// https://contoso.sharepoint.com/sites/apps -> https://contoso-admin.sharepoint.com.
// OneDrive (-my) hosts and sovereign cloud suffixes (sharepoint.us, .de, .cn)
// are handled. Custom hosts cannot be mapped and return an error.
func AdminURL(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("cannot derive admin URL from %q", siteURL)
	}
	host := strings.ToLower(u.Hostname())

	idx := strings.Index(host, ".sharepoint.")
	if idx <= 0 {
		return "", fmt.Errorf("cannot derive admin URL from host %q; set spo.admin_url", host)
	}
	tenant, suffix := host[:idx], host[idx:]
	if strings.Contains(tenant, ".") {
		return "", fmt.Errorf("cannot derive admin URL from host %q; set spo.admin_url", host)
	}
	tenant = strings.TrimSuffix(tenant, "-my")
	tenant = strings.TrimSuffix(tenant, "-admin")

	return "https://" + tenant + "-admin" + suffix, nil
}

// resourceOf returns the OAuth resource (scheme and host) of a site URL.
func resourceOf(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid site URL %q", siteURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// odataString quotes s as an OData string literal for use as a query string
// parameter alias value. Keys travel in the query so that an escaped slash
// never appears in the path.
func odataString(s string) string {
	escaped := url.QueryEscape(strings.ReplaceAll(s, "'", "''"))
	return "'" + strings.ReplaceAll(escaped, "+", "%20") + "'"
}
