package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/happyserver/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusForbidden: {
		Title:   "403 Forbidden",
		Heading: "Forbidden",
		Message: "You do not have permission to access this resource.",
	},
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusServiceUnavailable: {
		Title:   "503 Service Unavailable",
		Heading: "Service Unavailable",
		Message: "The server is shutting down and cannot handle the request.",
	},
}

// PrefersJSON reports whether the most preferred media type in an Accept
// header is application/json. Offers are ranked by q-value, then specificity,
// then order of appearance; q=0 offers are ignored.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, partStr := range strings.Split(acceptHeaderValue, ",") {
		partStr = strings.TrimSpace(partStr)
		mediaType := partStr
		qValue := 1.0

		if idx := strings.Index(partStr, ";"); idx != -1 {
			mediaType = strings.TrimSpace(partStr[:idx])
			for _, param := range strings.Split(partStr[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				q, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || q < 0 || q > 1 {
					q = 0
				}
				qValue = q
				break
			}
		}

		if qValue > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         qValue,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}

	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})

	return offers[0].mediaType == "application/json"
}

// WriteErrorResponse writes a default error page for statusCode, negotiated
// to JSON or HTML from the request's Accept header. req may be nil, in which
// case HTML is used.
func WriteErrorResponse(w http.ResponseWriter, req *http.Request, statusCode int, detailMessage string, log *logger.Logger) error {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	acceptHeaderValue := ""
	if req != nil {
		acceptHeaderValue = req.Header.Get("Accept")
	}

	var body []byte
	var contentType string
	shouldSendJSON := PrefersJSON(acceptHeaderValue)

	if shouldSendJSON {
		contentType = "application/json; charset=utf-8"
		var marshalErr error
		body, marshalErr = jsonMarshalFunc(ErrorResponseJSON{
			Error: ErrorDetail{
				StatusCode: statusCode,
				Message:    statusText,
				Detail:     detailMessage,
			},
		})
		if marshalErr != nil {
			if log != nil {
				log.Error("Failed to marshal JSON error response, falling back to HTML.", logger.LogFields{"error": marshalErr.Error(), "status_code": statusCode})
			}
			shouldSendJSON = false
		}
	}

	if !shouldSendJSON {
		contentType = "text/html; charset=utf-8"
		var title, heading, message string
		if msg, ok := defaultHTMLMessages[statusCode]; ok {
			title, heading, message = msg.Title, msg.Heading, msg.Message
			if detailMessage != "" {
				message += " " + html.EscapeString(detailMessage)
			}
		} else {
			title = fmt.Sprintf("%d %s", statusCode, statusText)
			heading = statusText
			message = "The server encountered an error processing your request."
			if detailMessage != "" {
				message = html.EscapeString(detailMessage)
			}
		}
		body = GenerateHTMLResponseBody(title, heading, message)
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(statusCode)

	if req != nil && req.Method == http.MethodHead {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		if log != nil {
			log.Error("Failed to send error response body.", logger.LogFields{"error": err.Error(), "status_code": statusCode})
		}
		return fmt.Errorf("failed to send error response body (status %d): %w", statusCode, err)
	}
	return nil
}

// GenerateHTMLResponseBody creates a simple HTML error page. message is
// inserted verbatim and must already be escaped.
func GenerateHTMLResponseBody(title, heading, message string) []byte {
	body := fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message)
	return []byte(body)
}

// TestingOnlySetJSONMarshal is used by tests to mock json.Marshal behavior.
func TestingOnlySetJSONMarshal(fn func(v interface{}) ([]byte, error)) func(v interface{}) ([]byte, error) {
	original := jsonMarshalFunc
	jsonMarshalFunc = fn
	return original
}
