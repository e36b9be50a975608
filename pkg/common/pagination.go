package common

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// PageParams are the offset pagination parameters of a list request. A
// zero Limit leaves the default to the service.
type PageParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ExtractPageParams reads limit and offset from the query string
func ExtractPageParams(r *http.Request) (PageParams, error) {
	var params PageParams
	var err error
	if params.Limit, err = intParam(r, "limit"); err != nil {
		return params, err
	}
	if params.Offset, err = intParam(r, "offset"); err != nil {
		return params, err
	}
	return params, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

// TimeParam reads an RFC 3339 timestamp or a plain date from the query
// string. A missing parameter yields nil.
func TimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be an RFC 3339 timestamp or a date", name)
}

// BoolParam reads a boolean flag from the query string
func BoolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}
