package audio

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// maxClipBytes bounds downloads and decoded inline clips.
const maxClipBytes = 64 << 20

// Materialized is a clip resolved to a local file. Release removes any
// temporary file and is safe to call more than once.
type Materialized struct {
	Path string
	temp bool
}

func (m *Materialized) Release() {
	if m == nil || !m.temp || m.Path == "" {
		return
	}
	_ = os.Remove(m.Path)
	m.temp = false
}

// Fetcher resolves audio references into local files.
type Fetcher struct {
	Client  *http.Client
	TempDir string
}

// Materialize accepts an http(s) URL, a data: URI, a file path or file://
// URL, or a bare base64 payload.
func (f *Fetcher) Materialize(ctx context.Context, ref string) (*Materialized, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnsupportedSource)
	}
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.download(ctx, ref)
	case strings.HasPrefix(ref, "data:"):
		payload, err := decodeDataURI(ref)
		if err != nil {
			return nil, err
		}
		return f.writeTemp(payload)
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
		}
		return localFile(u.Path)
	case strings.HasPrefix(ref, "/"):
		return localFile(ref)
	default:
		payload, err := base64.StdEncoding.DecodeString(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: not a url or base64 payload", ErrUnsupportedSource)
		}
		return f.writeTemp(payload)
	}
}

func localFile(path string) (*Materialized, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnsupportedSource, path)
	}
	return &Materialized{Path: path}, nil
}

func decodeDataURI(ref string) ([]byte, error) {
	meta, data, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data uri", ErrUnsupportedSource)
	}
	if strings.HasSuffix(meta, ";base64") {
		out, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return out, nil
	}
	out, err := url.PathUnescape(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return []byte(out), nil
}

func (f *Fetcher) download(ctx context.Context, ref string) (*Materialized, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	res, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrNetwork, res.StatusCode)
	}

	tmp, err := os.CreateTemp(f.TempDir, "novel2anime-clip-*")
	if err != nil {
		return nil, err
	}
	m := &Materialized{Path: tmp.Name(), temp: true}
	n, copyErr := io.Copy(tmp, io.LimitReader(res.Body, maxClipBytes+1))
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		m.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, copyErr)
	case closeErr != nil:
		m.Release()
		return nil, closeErr
	case n > maxClipBytes:
		m.Release()
		return nil, fmt.Errorf("%w: clip exceeds %d bytes", ErrUnsupportedSource, maxClipBytes)
	}
	return m, nil
}

func (f *Fetcher) writeTemp(payload []byte) (*Materialized, error) {
	if len(payload) > maxClipBytes {
		return nil, fmt.Errorf("%w: clip exceeds %d bytes", ErrUnsupportedSource, maxClipBytes)
	}
	tmp, err := os.CreateTemp(f.TempDir, "novel2anime-clip-*")
	if err != nil {
		return nil, err
	}
	m := &Materialized{Path: tmp.Name(), temp: true}
	_, werr := tmp.Write(payload)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		m.Release()
		return nil, werr
	}
	return m, nil
}
