package httpclient

import (
	"bytes"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

// Client wraps http.Client with helpers for JSON requests. UserID is sent as
// the gateway-resolved X-User-Id header when set.
type Client struct {
	BaseURL string
	Bearer  string
	UserID  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer, userID string) *Client {
	return &Client{BaseURL: baseURL, Bearer: bearer, UserID: userID, HTTP: &http.Client{}}
}

func (c *Client) do(method, path string, body, out any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	if c.UserID != "" {
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return resp, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, err
	}
	if out != nil && len(data) > 0 {
		if err := sonic.Unmarshal(data, out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// GetJSON issues a GET request and decodes the JSON response.
func (c *Client) GetJSON(path string, out any) (*http.Response, error) {
	return c.do(http.MethodGet, path, nil, out)
}

// PostJSON issues a POST request with a JSON body and decodes the response.
func (c *Client) PostJSON(path string, body, out any) (*http.Response, error) {
	return c.do(http.MethodPost, path, body, out)
}

// PutJSON issues a PUT request with a JSON body and decodes the response.
func (c *Client) PutJSON(path string, body, out any) (*http.Response, error) {
	return c.do(http.MethodPut, path, body, out)
}

func (c *Client) Delete(path string) (*http.Response, error) {
	return c.do(http.MethodDelete, path, nil, nil)
}
