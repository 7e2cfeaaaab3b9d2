package cloud

import (
	"fmt"
	"log"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	t.Cleanup(func() { SetLogger(log.Printf) })

	var lines []string
	SetLogger(func(format string, v ...any) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	d := NewDistribution([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	if res := PercentileDescent(d, 50, 100, 2); res.Found {
		t.Fatalf("expected no threshold, got %+v", res)
	}
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "[SEARCH] iteration 2:") {
		t.Fatalf("captured %q", lines)
	}

	SetLogger(nil)
	Logf("dropped %d", 1)
	if len(lines) != 1 {
		t.Errorf("silenced logger still captured %q", lines)
	}
}
