package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestGovernorGlobalLimit(t *testing.T) {
	g := NewGovernor(2, 10)

	if err := g.Admit("r1", "/proj/a"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := g.Admit("r2", "/proj/b"); err != nil {
		t.Fatalf("second admit: %v", err)
	}

	err := g.Admit("r3", "/proj/c")
	var aerr *AdmissionError
	if !errors.As(err, &aerr) {
		t.Fatalf("got %v, want *AdmissionError", err)
	}
	if aerr.Scope != ScopeGlobal || aerr.Max != 2 {
		t.Errorf("error fields: %+v", aerr)
	}

	// A rejected admission holds no slot.
	if g.Active() != 2 {
		t.Errorf("active = %d after rejection, want 2", g.Active())
	}

	g.Release("r1")
	if err := g.Admit("r3", "/proj/c"); err != nil {
		t.Fatalf("admit after release: %v", err)
	}
}

func TestGovernorPerProjectLimit(t *testing.T) {
	g := NewGovernor(10, 1)

	if err := g.Admit("r1", "/proj/a"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	err := g.Admit("r2", "/proj/a")
	var aerr *AdmissionError
	if !errors.As(err, &aerr) {
		t.Fatalf("got %v, want *AdmissionError", err)
	}
	if aerr.Scope != ScopeProject || aerr.ProjectPath != "/proj/a" {
		t.Errorf("error fields: %+v", aerr)
	}

	// Other projects are unaffected.
	if err := g.Admit("r3", "/proj/b"); err != nil {
		t.Fatalf("admit other project: %v", err)
	}
}

func TestGovernorReleaseIdempotent(t *testing.T) {
	g := NewGovernor(5, 5)
	if err := g.Admit("r1", "/proj/a"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	g.Release("r1")
	g.Release("r1")
	g.Release("never-admitted")
	if g.Active() != 0 {
		t.Errorf("active = %d, want 0", g.Active())
	}
}

func TestGovernorUtilization(t *testing.T) {
	g := NewGovernor(5, 3)
	for i := 0; i < 2; i++ {
		if err := g.Admit(fmt.Sprintf("a%d", i), "/proj/a"); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}
	if err := g.Admit("b0", "/proj/b"); err != nil {
		t.Fatalf("admit: %v", err)
	}

	u := g.Utilization()
	if u.Active != 3 || u.GlobalMax != 5 || u.ProjectMax != 3 {
		t.Errorf("utilization: %+v", u)
	}
	if u.ByProject["/proj/a"] != 2 || u.ByProject["/proj/b"] != 1 {
		t.Errorf("byProject: %v", u.ByProject)
	}
}

func TestGovernorDefaults(t *testing.T) {
	g := NewGovernor(0, 0)
	u := g.Utilization()
	if u.GlobalMax != 5 || u.ProjectMax != 10 {
		t.Errorf("defaults: globalMax=%d projectMax=%d", u.GlobalMax, u.ProjectMax)
	}
}
