package settings

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/machosign/types"
)

func TestScopeParseRoundTrip(t *testing.T) {
	cases := []Scope{
		ScopeMain(),
		ScopePath("Contents/Frameworks/Helper.app"),
		ScopeIndex(1),
		ScopeCPU(types.CPUArm64),
		ScopePathIndex("Contents/Frameworks/Helper.app", 0),
		ScopePathCPU("Contents/Frameworks/Helper.app", types.CPUAmd64),
	}
	for _, want := range cases {
		s := want.key()
		got, err := ParseScope(s)
		if err != nil {
			t.Fatalf("ParseScope(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseScope(%q) = %+v, want %+v", s, got, want)
		}
	}
}

func TestScopeParseUnknownCPUName(t *testing.T) {
	if _, err := ParseScope("@[cpu_type=nonsense]"); err == nil {
		t.Fatal("ParseScope accepted an unrecognized cpu_type name")
	}
}

func TestScopePathContainingAt(t *testing.T) {
	// A bundle path may itself contain '@'; only the final '@' is a
	// selector delimiter.
	got, err := ParseScope("Contents/foo@bar.app@2")
	if err != nil {
		t.Fatalf("ParseScope: %v", err)
	}
	want := ScopePathIndex("Contents/foo@bar.app", 2)
	if got != want {
		t.Fatalf("ParseScope = %+v, want %+v", got, want)
	}
}

func TestMergeScopedMonotonicity(t *testing.T) {
	s := New()
	s.Set(ScopeMain(), Scoped{Identifier: "com.example.app", Flags: 1, HasFlags: true})
	s.Set(ScopeIndex(0), Scoped{Entitlements: "<plist/>"})
	s.Set(ScopeCPU(types.CPUArm64), Scoped{Identifier: "com.example.app.arm64"})

	out := s.AsNestedMachoSettings(0, types.CPUArm64)
	merged, ok := out.Get(ScopeMain())
	if !ok {
		t.Fatal("AsNestedMachoSettings did not populate Main scope")
	}

	want := Scoped{
		Identifier:   "com.example.app.arm64", // CPU-scoped override wins
		Entitlements: "<plist/>",               // survives from the index scope
		Flags:        1,                        // survives untouched from the Main scope
		HasFlags:     true,
	}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Fatalf("merged scope mismatch (-want +got):\n%s", diff)
	}
}

func TestAsBundleMachoSettingsPromotesPath(t *testing.T) {
	s := New()
	s.Set(ScopePath("Contents/Frameworks/Helper.app"), Scoped{Identifier: "com.example.helper"})
	s.Set(ScopePathIndex("Contents/Frameworks/Helper.app", 1), Scoped{Identifier: "com.example.helper.slice1"})
	s.Set(ScopeMain(), Scoped{Identifier: "com.example.app"})

	out := s.AsBundleMachoSettings("Contents/Frameworks/Helper.app")
	if _, ok := out.Get(ScopeMain()); ok {
		t.Fatal("AsBundleMachoSettings leaked the parent's Main scope")
	}
	promoted, ok := out.Get(ScopePath(""))
	if !ok {
		t.Fatal("AsBundleMachoSettings did not promote the bundle's own path scope")
	}
	if promoted.Identifier != "com.example.helper" {
		t.Fatalf("Identifier = %q, want com.example.helper", promoted.Identifier)
	}
	if _, ok := out.Get(ScopePathIndex("", 1)); !ok {
		t.Fatal("AsBundleMachoSettings did not promote the slice-qualified path scope")
	}
}
