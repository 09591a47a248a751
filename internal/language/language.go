// Package language picks the language a batch should be rendered in.
package language

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
	"golang.org/x/text/language"
)

// Resolver negotiates a supported language from the language cookie and
// the Accept-Language header. The first supported language is the fallback.
type Resolver struct {
	tags    []language.Tag
	matcher language.Matcher
}

// NewResolver builds a resolver for the given BCP 47 tags
func NewResolver(supported []string) (*Resolver, error) {
	if len(supported) == 0 {
		supported = []string{constants.DefaultLanguage}
	}
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		t, err := language.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", s, err)
		}
		tags = append(tags, t)
	}
	return &Resolver{tags: tags, matcher: language.NewMatcher(tags)}, nil
}

// Resolve returns the best supported tag. The cookie value outranks the
// header; both may be empty.
func (r *Resolver) Resolve(cookie, acceptLanguage string) string {
	_, idx := language.MatchStrings(r.matcher, cookieLanguage(cookie), acceptLanguage)
	return r.tags[idx].String()
}

// FromRequest resolves the language of an inbound request
func (r *Resolver) FromRequest(req *http.Request) string {
	var cookie string
	if c, err := req.Cookie(constants.CookieLanguage); err == nil {
		cookie = c.Value
	}
	return r.Resolve(cookie, req.Header.Get(constants.HeaderAcceptLang))
}

// cookieLanguage accepts either a bare tag ("fr-FR") or the encoded form
// "language=fr&country=FR".
func cookieLanguage(v string) string {
	v = strings.TrimSpace(v)
	if !strings.Contains(v, "=") {
		return v
	}
	vals, err := url.ParseQuery(v)
	if err != nil {
		return ""
	}
	lang := vals.Get("language")
	if lang == "" {
		return ""
	}
	if country := vals.Get("country"); country != "" && !strings.Contains(lang, "-") {
		return lang + "-" + country
	}
	return lang
}
