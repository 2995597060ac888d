package httpmw

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/keithlinneman/cardshare/internal/log"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.Write(p)
}

// jsonLogger returns a real logger plus a func decoding every record written so far
func jsonLogger(t *testing.T) (log.Logger, func() []map[string]any) {
	t.Helper()
	out := &lockedBuffer{}
	L, err := log.New(log.Options{App: "cardshare", Component: "httpmw-test", JsonFormat: true, Writer: out})
	if err != nil {
		t.Fatal(err)
	}
	return L, func() []map[string]any {
		out.mu.Lock()
		defer out.mu.Unlock()
		var recs []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(out.b.String()), "\n") {
			if line == "" {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal([]byte(line), &m); err != nil {
				t.Fatalf("bad log line %q: %v", line, err)
			}
			recs = append(recs, m)
		}
		return recs
	}
}
