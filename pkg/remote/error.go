package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is a non-success response from the remote API.
type Error struct {
	URL    string
	status int
	text   string
}

// fromResponse builds an Error from a response status and body. The remote
// API reports failures as {"text": "..."}; any other body is kept verbatim.
func fromResponse(url string, status int, body []byte) *Error {
	text := strings.TrimSpace(string(body))
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Text != "" {
		text = payload.Text
	}
	return &Error{URL: url, status: status, text: text}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%d %s", e.status, http.StatusText(e.status))
	if e.text != "" {
		msg += ": " + e.text
	}
	return fmt.Sprintf("remote %s: %s", e.URL, msg)
}

// Status returns the HTTP status code.
func (e *Error) Status() int {
	return e.status
}

// IsNotFound reports whether err is a 404 from the remote API.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.status == http.StatusNotFound
}
