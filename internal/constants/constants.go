package constants

import "time"

// Cookies read from and written to the browser
const (
	CookieOAuthToken    = "oauth_token"
	CookieRefreshToken  = "refresh_token"
	CookieMemberSession = "MEETUP_MEMBER"
	CookieLanguage      = "MEETUP_LANGUAGE"
)

// Request parameters and headers
const (
	ParamQueries        = "queries"
	HeaderAuthorization = "Authorization"
	HeaderAcceptLang    = "Accept-Language"
	BearerPrefix        = "Bearer "
)

// Proxy error codes returned in the error variant of a ProxyResponse
const (
	ErrCodeAuth            = "auth_error"
	ErrCodeTransport       = "transport_error"
	ErrCodeMalformed       = "malformed_response"
	ErrCodeInvalidQueries  = "invalid_queries"
	ErrCodeMissingResponse = "missing_response"
)

// Limits
const (
	MaxQueriesPerBatch = 50
	MaxQueriesParamLen = 64 << 10
)

// Defaults
const (
	DefaultBatchPath       = "/batch"
	DefaultRefreshTokenTTL = 14 * 24 * time.Hour
	DefaultLanguage        = "en-US"
	DefaultPhotoScalerURL  = "https://secure.meetupstatic.com/photo_api/duotone"
)

// Response types that carry duotone-eligible groups
const (
	TypeGroup = "group"
	TypeHome  = "home"
)
