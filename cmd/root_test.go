package cmd

import "testing"

func TestSetAndGetVersion(t *testing.T) {
	SetVersion("1.2.3")
	if got := GetVersion(); got != "1.2.3" {
		t.Errorf("GetVersion() = %q, want %q", got, "1.2.3")
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "version"} {
		if !names[want] {
			t.Errorf("expected %q command to be registered", want)
		}
	}
}
