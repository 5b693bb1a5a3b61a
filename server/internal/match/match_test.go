package match

import (
	"sync"
	"testing"
)

func TestCompile_Star(t *testing.T) {
	c := NewCache()
	m := c.Compile("*")
	for _, s := range []string{"a", "room/temp", " ", "x y"} {
		if !m.Test(s) {
			t.Errorf("Test(%q): got false, want true", s)
		}
	}
	if m.Test("") {
		t.Error(`Test(""): got true, want false`)
	}
}

func TestCompile_EmptyMatchesNothing(t *testing.T) {
	c := NewCache()
	for _, mask := range []string{"", "   "} {
		m := c.Compile(mask)
		for _, s := range []string{"", "a", "room/temp"} {
			if m.Test(s) {
				t.Errorf("mask %q Test(%q): got true, want false", mask, s)
			}
		}
	}
}

func TestCompile_Globs(t *testing.T) {
	cases := []struct {
		mask string
		key  string
		want bool
	}{
		{"room/*", "room/temp", true},
		{"room/*", "room/", true},
		{"room/*", "hall/temp", false},
		{"room/*", "xroom/temp", false},
		{"room/* hall/temp", "hall/temp", true},
		{"room/* hall/temp", "hall/temperature", false},
		{"sensor?", "sensor", true},
		{"sensor?", "sensor1", true},
		{"sensor?", "sensor12", false},
		{"a.b", "a.b", true},
		{"a.b", "axb", false},
		{"(x)+", "(x)+", true},
		{"(x)+", "xx", false},
		{"temp_1", "temp_1", true},
	}
	c := NewCache()
	for _, tc := range cases {
		if got := c.Compile(tc.mask).Test(tc.key); got != tc.want {
			t.Errorf("Compile(%q).Test(%q): got %v, want %v", tc.mask, tc.key, got, tc.want)
		}
	}
}

func TestCompile_SameTextSameMatcher(t *testing.T) {
	c := NewCache()
	a := c.Compile("room/* hall/*")
	b := c.Compile("room/* hall/*")
	if a != b {
		t.Fatal("Compile: expected cached matcher to be reused for identical text")
	}
	if c.Compile("room/*") == a {
		t.Fatal("Compile: different text must not share a matcher")
	}
}

func TestCompile_CachesAreIndependent(t *testing.T) {
	c1 := NewCache()
	c2 := NewCache()
	c1.Compile("a* b*")
	if c2.Len() != 2 {
		t.Errorf("Len: got %d, want 2 (predefined only)", c2.Len())
	}
}

func TestCompile_Concurrent(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	results := make([]*Matcher, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Compile("x/* y/?")
		}(i)
	}
	wg.Wait()
	for i, m := range results {
		if m != results[0] {
			t.Fatalf("result %d: got a different matcher instance", i)
		}
	}
}

func TestCompileRegexp(t *testing.T) {
	c := NewCache()
	m, err := c.CompileRegexp(`^room/\d+$`)
	if err != nil {
		t.Fatalf("CompileRegexp: %v", err)
	}
	if !m.Test("room/12") || m.Test("room/a") {
		t.Error("regexp matcher: unexpected result")
	}
	again, _ := c.CompileRegexp(`^room/\d+$`)
	if again != m {
		t.Error("CompileRegexp: expected cached matcher")
	}
	if _, err := c.CompileRegexp(`(`); err == nil {
		t.Error("CompileRegexp: expected error for invalid expression")
	}
}

func TestNilMatcher(t *testing.T) {
	var m *Matcher
	if m.Test("anything") {
		t.Error("nil matcher must match nothing")
	}
	if m.String() != "" {
		t.Errorf("String: got %q, want empty", m.String())
	}
}

func TestReset(t *testing.T) {
	c := NewCache()
	c.Compile("a b c")
	c.Reset()
	if c.Len() != 2 {
		t.Errorf("Len after Reset: got %d, want 2", c.Len())
	}
	if !c.Compile("*").Test("x") {
		t.Error("predefined * must survive Reset")
	}
}
