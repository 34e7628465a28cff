package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/http/httputil"
)

const PREFIX = "---HTTP-RESPONSE---\n"

// Serialize dumps the http.Response in HTTP/1.x wire format, body included.
// The response body is consumed and replaced with an equivalent reader.
func Serialize(resp *http.Response) ([]byte, error) {
	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

func Deserialize(b []byte) (*http.Response, error) {
	if !bytes.HasPrefix(b, []byte(PREFIX)) {
		n := min(len(b), len(PREFIX))
		return nil, fmt.Errorf("invalid prefix: expected '%s', got '%s'", PREFIX, string(b[:n]))
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	return resp, nil
}
