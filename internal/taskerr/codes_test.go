package taskerr_test

import (
	"testing"

	"papermill/internal/taskerr"
)

func TestClassifyExitTimeoutWinsOverEverything(t *testing.T) {
	if got := taskerr.ClassifyExit(0, false, true); got != taskerr.ConvertTimeout {
		t.Fatalf("expected timeout, got %v", got)
	}
	if got := taskerr.ClassifyExit(84, true, true); got != taskerr.ConvertTimeout {
		t.Fatalf("expected timeout, got %v", got)
	}
}

func TestClassifyExitTable(t *testing.T) {
	cases := []struct {
		name     string
		exitCode int
		signaled bool
		want     taskerr.Code
	}{
		{"success", 0, false, taskerr.NoError},
		{"params", 84, false, taskerr.ConvertParams},
		{"need params", 85, false, taskerr.ConvertNeedParams},
		{"corrupted", 86, false, taskerr.ConvertCorrupted},
		{"password", 87, false, taskerr.ConvertPassword},
		{"drm", 88, false, taskerr.ConvertDrm},
		{"limits", 89, false, taskerr.ConvertLimits},
		{"unmapped exit", 1, false, taskerr.Convert},
		{"unmapped negative range", 82, false, taskerr.Convert},
		{"signal death", 0, true, taskerr.Convert},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := taskerr.ClassifyExit(tc.exitCode, tc.signaled, false)
			if got != tc.want {
				t.Fatalf("ClassifyExit(%d, %v) = %v, want %v", tc.exitCode, tc.signaled, got, tc.want)
			}
		})
	}
}

func TestClassifyExitIsDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		if got := taskerr.ClassifyExit(86, false, false); got != taskerr.ConvertCorrupted {
			t.Fatalf("run %d: got %v", i, got)
		}
	}
}

func TestMinorAndUploadSubsets(t *testing.T) {
	for _, code := range []taskerr.Code{taskerr.ConvertNeedParams, taskerr.ConvertDrm, taskerr.ConvertPassword} {
		if !taskerr.IsMinor(code) {
			t.Fatalf("expected %v to be minor", code)
		}
	}
	if taskerr.IsMinor(taskerr.ConvertCorrupted) {
		t.Fatal("corrupted must not be minor")
	}

	for _, code := range []taskerr.Code{taskerr.NoError, taskerr.ConvertCorrupted, taskerr.ConvertNeedParams, taskerr.ConvertDrm} {
		if !taskerr.UploadEligible(code) {
			t.Fatalf("expected %v to be upload eligible", code)
		}
	}
	if taskerr.UploadEligible(taskerr.ConvertTimeout) {
		t.Fatal("timeout must not be upload eligible")
	}
}
