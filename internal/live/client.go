package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"classbeacon/internal/api"
	"classbeacon/pkg/types"
)

const defaultHTTPTimeout = 10 * time.Second

// knownErrors are matched against the user message in an error body so the
// caller gets the same sentinel the server raised
var knownErrors = []error{
	types.ErrSessionNotFound,
	types.ErrSessionEnded,
	types.ErrNotEnrolled,
	types.ErrForbidden,
	types.ErrChannelAuth,
}

// APIClient talks to the attendance REST surface with one bearer token
type APIClient struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// NewAPIClient creates a client for baseURL; httpClient may be nil
func NewAPIClient(baseURL, token string, httpClient *http.Client) (*APIClient, error) {
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &APIClient{baseURL: u, token: token, http: httpClient}, nil
}

// ChannelURL returns the live channel endpoint carrying the client's token
func (c *APIClient) ChannelURL() string {
	u := *c.baseURL
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

// StartAttendance opens (or resumes) the live session for classID
func (c *APIClient) StartAttendance(ctx context.Context, classID int64) (*api.StartAttendanceResponse, error) {
	var resp api.StartAttendanceResponse
	if err := c.do(ctx, http.MethodPost, "/api/start-attendance", api.StartAttendanceRequest{ClassID: classID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndAttendance closes the session with attendanceID
func (c *APIClient) EndAttendance(ctx context.Context, attendanceID int64) error {
	var resp api.EndAttendanceResponse
	return c.do(ctx, http.MethodPost, "/api/end-attendance", api.EndAttendanceRequest{AttendanceID: attendanceID}, &resp)
}

// LiveAttendance returns the caller's live session; types.ErrSessionNotFound when none is running
func (c *APIClient) LiveAttendance(ctx context.Context) (*types.LiveAttendance, error) {
	var resp types.LiveAttendance
	if err := c.do(ctx, http.MethodGet, "/api/live-attendance", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ManualMark marks studentID present on the teacher's behalf
func (c *APIClient) ManualMark(ctx context.Context, attendanceID int64, studentID string) (*api.ManualMarkResponse, error) {
	present := true
	var resp api.ManualMarkResponse
	path := "/api/attendance/" + strconv.FormatInt(attendanceID, 10) + "/manual-mark"
	if err := c.do(ctx, http.MethodPost, path, api.ManualMarkRequest{StudentID: studentID, Present: &present}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Records lists the ledger for attendanceID
func (c *APIClient) Records(ctx context.Context, attendanceID int64) ([]*types.AttendanceRecord, error) {
	var resp api.RecordsResponse
	path := "/api/attendance/" + strconv.FormatInt(attendanceID, 10) + "/records"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	for _, known := range knownErrors {
		if body.Message != "" && body.Message == types.UserMessage(known) {
			return known
		}
	}

	srvErr := &ServerError{Status: resp.StatusCode, Message: body.Message}
	if srvErr.Message == "" {
		srvErr.Message = body.Error
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", types.ErrChannelAuth, srvErr.Message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", types.ErrForbidden, srvErr.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", types.ErrSessionEnded, srvErr.Message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", types.ErrValidation, srvErr.Message)
	}
	return srvErr
}

// IsServerError reports whether err carries a raw server failure
func IsServerError(err error) bool {
	var srvErr *ServerError
	return errors.As(err, &srvErr)
}
