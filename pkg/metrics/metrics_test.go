package metrics

import (
    "strings"
    "testing"
)

func TestCountersAndDump(t *testing.T) {
    Reset()
    Inc("test_msgs_total", map[string]string{"type": "qcontrib"})
    Inc("test_msgs_total", map[string]string{"type": "qcontrib"})
    Inc("test_msgs_total", map[string]string{"type": "qcomplaint"})
    SetGauge("test_depth", map[string]string{"type": "qcontrib"}, 7)
    ObserveSummary("test_ms", map[string]string{"phase": "contribute"}, 12.5)

    dump := DumpProm()
    if !strings.Contains(dump, `test_msgs_total{type="qcontrib"} 2`) {
        t.Fatalf("counter missing from dump:\n%s", dump)
    }
    if !strings.Contains(dump, `test_depth{type="qcontrib"} 7`) {
        t.Fatalf("gauge missing from dump:\n%s", dump)
    }
    if !strings.Contains(dump, "test_ms") {
        t.Fatalf("summary missing from dump:\n%s", dump)
    }

    Reset()
    if got := DumpProm(); strings.Contains(got, "test_msgs_total") {
        t.Fatalf("reset kept families:\n%s", got)
    }
}
