package httpcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// CloneResponse reads the body of resp once and returns two independent
// responses carrying the same status, headers and body. resp.Body is closed.
func CloneResponse(resp *http.Response) (*http.Response, *http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if closeErr != nil {
		return nil, nil, fmt.Errorf("failed to close response body: %w", closeErr)
	}

	return withBody(resp, body), withBody(resp, body), nil
}

func withBody(resp *http.Response, body []byte) *http.Response {
	out := new(http.Response)
	*out = *resp
	out.Header = resp.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Trailer = resp.Trailer.Clone()
	// The body is fully buffered now
	out.TransferEncoding = nil
	out.ContentLength = int64(len(body))
	out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	out.Body = io.NopCloser(bytes.NewReader(body))
	return out
}
