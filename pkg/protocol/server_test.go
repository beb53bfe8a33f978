package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/chronosphereio/thumbcache/pkg/dispatch"
	"github.com/chronosphereio/thumbcache/pkg/thumbnail"
)

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, path string) (string, error) {
	if strings.HasSuffix(path, ".bad") {
		return "", thumbnail.ErrThumbnailFailed
	}
	return "/cache/" + strings.TrimPrefix(path, "/src/") + ".png", nil
}

func (r stubResolver) Refresh(ctx context.Context, path string) (string, error) {
	return r.Resolve(ctx, path)
}

func runServer(t *testing.T, input string) []Response {
	t.Helper()
	d := dispatch.New(stubResolver{}, dispatch.Config{Workers: 3, Fallback: "icon:error"})
	defer d.Close()

	var out bytes.Buffer
	srv := NewServer(d, strings.NewReader(input), &out, nil)
	if err := srv.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var resps []Response
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r Response
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("Bad response line %q: %v", sc.Text(), err)
		}
		resps = append(resps, r)
	}
	return resps
}

func TestServerAnswersEveryGet(t *testing.T) {
	var in strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&in, `{"ID":%d,"Path":"/src/%d.jpg","Position":%d}`+"\n\n", i+1, i, i)
	}
	in.WriteString(`{"ID":99,"Path":"/src/broken.bad","Position":20}` + "\n")

	resps := runServer(t, in.String())
	if len(resps) != 22 {
		t.Fatalf("Expected 22 responses, got %d", len(resps))
	}
	if len(resps[0].KnownCommands) != 3 {
		t.Errorf("Expected capabilities first, got %+v", resps[0])
	}

	byID := make(map[int64]Response)
	for _, r := range resps[1:] {
		byID[r.ID] = r
	}
	for i := 0; i < 20; i++ {
		r := byID[int64(i+1)]
		want := fmt.Sprintf("/cache/%d.jpg.png", i)
		if r.Path != want || r.Position != i || r.Fallback {
			t.Errorf("Request %d: unexpected response %+v", i+1, r)
		}
	}
	if bad := byID[99]; !bad.Fallback || bad.Path != "icon:error" || bad.Position != 20 {
		t.Errorf("Expected fallback response, got %+v", bad)
	}
}

func TestServerCloseAfterDeliveries(t *testing.T) {
	input := strings.Join([]string{
		`{"ID":1,"Path":"/src/a.jpg","Position":0}`,
		`{"ID":2,"Command":"invalidate"}`,
		`{"ID":3,"Path":"/src/b.jpg","Position":1}`,
		`{"ID":4,"Command":"close"}`,
		`{"ID":5,"Path":"/src/ignored.jpg","Position":2}`,
	}, "\n")

	resps := runServer(t, input)
	if len(resps) != 5 {
		t.Fatalf("Expected 5 responses, got %d: %+v", len(resps), resps)
	}
	if last := resps[len(resps)-1]; last.ID != 4 {
		t.Errorf("Expected close acknowledgement last, got %+v", last)
	}

	byID := make(map[int64]Response)
	for _, r := range resps {
		byID[r.ID] = r
	}
	if byID[2].Generation != 1 {
		t.Errorf("Expected invalidate to report generation 1, got %d", byID[2].Generation)
	}
	if byID[3].Generation != 1 {
		t.Errorf("Expected request after invalidate in generation 1, got %d", byID[3].Generation)
	}
	if _, ok := byID[5]; ok {
		t.Error("Expected requests after close to be ignored")
	}
}

func TestServerRejectsBadRequests(t *testing.T) {
	input := strings.Join([]string{
		`{"ID":1,"Command":"put"}`,
		`{"ID":2,"Position":4}`,
		`{"ID":3,"Path":"/src/a.jpg","Size":64,"Refresh":true}`,
		`{"ID":4,"Path":"/src/a.jpg","Size":1099511627776}`,
	}, "\n")

	resps := runServer(t, input)
	if len(resps) != 5 {
		t.Fatalf("Expected 5 responses, got %d", len(resps))
	}
	for _, r := range resps[1:] {
		if r.Err == "" {
			t.Errorf("Expected an error response, got %+v", r)
		}
	}
}

func TestServerMalformedLine(t *testing.T) {
	d := dispatch.New(stubResolver{}, dispatch.Config{Workers: 1})
	defer d.Close()

	var out bytes.Buffer
	srv := NewServer(d, strings.NewReader("{not json}\n"), &out, nil)
	if err := srv.Run(); err == nil {
		t.Error("Expected error for malformed request")
	}
}
