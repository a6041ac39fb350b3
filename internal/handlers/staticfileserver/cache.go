package staticfileserver

import (
	"net/http"

	"example.com/happyserver/internal/config"
)

// CachePolicy is the header configuration applied by NegotiateCache.
type CachePolicy struct {
	CacheControl string
	Validators   config.ValidatorPolicy
}

// NegotiateCache sets Cache-Control, ETag and Last-Modified on w and decides
// whether the client's copy is current. When it is, a 304 with no body is
// written and true is returned.
//
// Validators are compared as raw strings against the freshly computed values.
// Under the "both" policy a 304 needs If-Modified-Since and If-None-Match
// present and matching; one matching validator alone is not enough. Under
// "either" at least one must be present and every present one must match.
func NegotiateCache(w http.ResponseWriter, rc *RequestContext, v CacheValidators, policy CachePolicy) bool {
	h := w.Header()
	h.Set("Cache-Control", policy.CacheControl)
	h.Set("ETag", v.ContentHash)
	h.Set("Last-Modified", v.LastModifiedGMT)

	ifModifiedSince := rc.Get("If-Modified-Since")
	ifNoneMatch := rc.Get("If-None-Match")

	if ifModifiedSince != "" && ifModifiedSince != v.LastModifiedGMT {
		return false
	}
	if ifNoneMatch != "" && ifNoneMatch != v.ContentHash {
		return false
	}

	var fresh bool
	switch policy.Validators {
	case config.ValidatorPolicyEither:
		fresh = ifModifiedSince != "" || ifNoneMatch != ""
	default:
		fresh = ifModifiedSince != "" && ifNoneMatch != ""
	}
	if !fresh {
		return false
	}
	w.WriteHeader(http.StatusNotModified)
	return true
}
