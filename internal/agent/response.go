package agent

import (
	"encoding/json"
	"strconv"
)

const (
	StatusPass    = "pass"
	StatusFailing = "failing"
)

// Response is the verdict the remote task returns as its structured output.
type Response struct {
	Status string         `json:"status"`
	Steps  []ResponseStep `json:"steps"`
	Error  *string        `json:"error"`
}

type ResponseStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// ParseResponse interprets the free-form task output. A missing,
// unparseable or schema-invalid output yields a failing verdict with a
// descriptive error; it never propagates a parse failure to the caller.
func ParseResponse(output *string) Response {
	if output == nil || *output == "" {
		return failing("No output was provided!")
	}

	var r Response

	if err := json.Unmarshal([]byte(*output), &r); err != nil {
		return failing("Failed to parse task response")
	}

	if r.Status != StatusPass && r.Status != StatusFailing {
		return failing("Failed to parse task response: unknown status " + strconv.Quote(r.Status))
	}

	return r
}

func failing(msg string) Response {
	return Response{
		Status: StatusFailing,
		Steps:  []ResponseStep{},
		Error:  &msg,
	}
}
