package classifier

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// DefaultBlocklist is used when no blocklist is configured.
var DefaultBlocklist = []string{
	"facebook.com",
	"instagram.com",
	"netflix.com",
	"reddit.com",
	"tiktok.com",
	"twitch.tv",
	"twitter.com",
	"x.com",
}

// Rules classifies by host lists and task keywords. Allowlisted hosts are
// never distractions; blocklisted hosts are, unless the page title shares a
// keyword with the task.
type Rules struct {
	allow []string
	block []string
}

// NewRules builds a rule set. A nil blocklist means DefaultBlocklist.
func NewRules(allow, block []string) *Rules {
	if block == nil {
		block = DefaultBlocklist
	}
	return &Rules{allow: normalize(allow), block: normalize(block)}
}

// Check implements Classifier.
func (r *Rules) Check(_ context.Context, req Request) (Verdict, error) {
	if err := req.Validate(); err != nil {
		return Verdict{}, err
	}
	host := hostOf(req.URL)

	if d := matchHost(host, r.allow); d != "" {
		return Verdict{Confidence: 0.9, Reason: fmt.Sprintf("%s is allowlisted", d)}, nil
	}
	d := matchHost(host, r.block)
	if d == "" {
		return Verdict{Confidence: 0.6}, nil
	}
	if kw := sharedKeyword(req.Task, req.Title); kw != "" {
		return Verdict{
			Confidence: 0.5,
			Reason:     fmt.Sprintf("%q looks related to the task", kw),
		}, nil
	}
	return Verdict{
		IsDistraction: true,
		Confidence:    0.8,
		Reason:        fmt.Sprintf("%s is unrelated to %q", d, req.Task),
	}, nil
}

func normalize(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		h = strings.TrimPrefix(h, "www.")
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// matchHost returns the list entry host equals or is a subdomain of.
func matchHost(host string, list []string) string {
	if host == "" {
		return ""
	}
	for _, d := range list {
		if host == d || strings.HasSuffix(host, "."+d) {
			return d
		}
	}
	return ""
}

func sharedKeyword(task, title string) string {
	words := strings.FieldsFunc(strings.ToLower(title), isSeparator)
	inTitle := make(map[string]bool, len(words))
	for _, w := range words {
		inTitle[w] = true
	}
	for _, w := range strings.FieldsFunc(strings.ToLower(task), isSeparator) {
		if len(w) >= 4 && inTitle[w] {
			return w
		}
	}
	return ""
}

func isSeparator(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
}
