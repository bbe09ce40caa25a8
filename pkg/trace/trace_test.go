package trace

import (
	"errors"
	"sync"
	"testing"
)

type captureExporter struct {
	mu   sync.Mutex
	recs []Record
}

func (c *captureExporter) Export(rec Record) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
}

func TestScopeExportsOnce(t *testing.T) {
	exp := &captureExporter{}
	tr := NewTracer(exp)

	sc := tr.StartScope("invoke_agent", "me", "conv-1")
	sc.RecordInput("hello")
	sc.RecordOutput("hi there")
	sc.End()
	sc.End()

	if len(exp.recs) != 1 {
		t.Fatalf("expected exactly one export, got %d", len(exp.recs))
	}
	rec := exp.recs[0]
	if rec.Operation != "invoke_agent" || rec.AuthHandler != "me" || rec.ConversationID != "conv-1" {
		t.Errorf("unexpected record identity: %+v", rec)
	}
	if rec.Input != "hello" || rec.Output != "hi there" {
		t.Errorf("unexpected record payload: %+v", rec)
	}
}

func TestScopeKeepsFirstError(t *testing.T) {
	exp := &captureExporter{}
	tr := NewTracer(exp)

	first := errors.New("boom")
	sc := tr.StartScope("handle_notification", "agentic", "conv-2")
	sc.RecordError(nil)
	sc.RecordError(first)
	sc.RecordError(errors.New("later"))
	sc.End()

	if got := exp.recs[0].Err; got != first {
		t.Fatalf("expected first error kept, got %v", got)
	}
}

func TestNilExporterDefaultsToLog(t *testing.T) {
	tr := NewTracer(nil)
	sc := tr.StartScope("installation_update", "me", "conv-3")
	sc.End()
}
