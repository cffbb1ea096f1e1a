package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"

	apperrors "github.com/spec-kit/journal-tracker/pkg/util"
)

// Transport is an http.RoundTripper that authenticates requests through an Executor.
// Request bodies are buffered so the request can be replayed after a refresh.
type Transport struct {
	Base http.RoundTripper
	exec *Executor
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(exec *Executor, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, exec: exec}
}

// RoundTrip implements http.RoundTripper. Upstream 401 and 403 responses are
// returned as responses; only transport and refresh failures become errors.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	var last *http.Response
	resp, err := Execute(req.Context(), t.exec, func(ctx context.Context, bearer string) (*http.Response, int, error) {
		discard(last)
		last = nil

		out := req.Clone(ctx)
		if body != nil {
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.ContentLength = int64(len(body))
			out.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}
		if bearer != "" {
			out.Header.Set("Authorization", "Bearer "+bearer)
		} else {
			out.Header.Del("Authorization")
		}

		res, err := t.Base.RoundTrip(out)
		if err != nil {
			return nil, 0, err
		}
		last = res
		return res, res.StatusCode, nil
	})
	if err != nil {
		if resp != nil && (apperrors.IsKind(err, apperrors.KindCredentialInvalid) || apperrors.IsKind(err, apperrors.KindPermissionDenied)) {
			return resp, nil
		}
		discard(resp)
		return nil, err
	}
	return resp, nil
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
