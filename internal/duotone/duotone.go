// Package duotone signs gradient-tinted photo URLs and attaches them to
// group entries in batch responses.
//
// A duotone is a (light, dark) color pair. Its ref is "dt<light>x<dark>"
// with colors lowercased and any leading '#' removed. The ref is order
// sensitive: Ref(a, b) != Ref(b, a) unless a == b.
package duotone

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
	"github.com/mr-tron/base58"
)

const signatureBytes = 16

// Pair is a light/dark color pair
type Pair struct {
	Light string
	Dark  string
}

// URLMap maps a duotone ref to its signed URL
type URLMap map[string]string

// Ref derives the cache key for a color pair
func Ref(light, dark string) string {
	return "dt" + normalize(light) + "x" + normalize(dark)
}

func (p Pair) Ref() string {
	return Ref(p.Light, p.Dark)
}

func normalize(c string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c), "#"))
}

// Signer produces signed duotone URLs. Output depends only on the base URL,
// the salt and the pair, so URLs are stable across requests.
type Signer struct {
	baseURL string
	salt    []byte
}

// NewSigner creates a signer; an empty base URL uses the default photo scaler
func NewSigner(baseURL, salt string) *Signer {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = constants.DefaultPhotoScalerURL
	}
	return &Signer{baseURL: baseURL, salt: []byte(salt)}
}

// SignedURL returns a single-entry map {ref: url} for the pair
func (s *Signer) SignedURL(p Pair) URLMap {
	ref := p.Ref()
	return URLMap{ref: s.baseURL + "/" + s.sign(ref) + "/" + ref}
}

// URLs signs every distinct pair once
func (s *Signer) URLs(pairs []Pair) URLMap {
	out := make(URLMap, len(pairs))
	for _, p := range pairs {
		ref := p.Ref()
		if _, done := out[ref]; done {
			continue
		}
		for k, v := range s.SignedURL(p) {
			out[k] = v
		}
	}
	return out
}

func (s *Signer) sign(ref string) string {
	mac := hmac.New(sha256.New, s.salt)
	mac.Write([]byte(ref))
	return base58.Encode(mac.Sum(nil)[:signatureBytes])
}
