package systemd

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func fakeSystemctl(t *testing.T) *[][]string {
	t.Helper()
	var calls [][]string
	orig, origDir := systemctl, unitDir
	systemctl = func(args ...string) error {
		calls = append(calls, args)
		return nil
	}
	unitDir = t.TempDir()
	t.Cleanup(func() { systemctl, unitDir = orig, origDir })
	return &calls
}

func TestUnit(t *testing.T) {
	u := Unit("/usr/local/bin/lockbox", "/etc/lockbox.json", "/run/lockbox.sock")
	want := "ExecStart=/usr/local/bin/lockbox daemon --config /etc/lockbox.json --daemon-socket /run/lockbox.sock"
	if !strings.Contains(u, want) {
		t.Errorf("unit missing %q:\n%s", want, u)
	}
}

func TestInstallUninstall(t *testing.T) {
	calls := fakeSystemctl(t)

	if err := Install("/etc/lockbox.json", "/run/lockbox.sock"); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(unitDir, unitName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "--config /etc/lockbox.json") {
		t.Errorf("unexpected unit:\n%s", b)
	}

	if err := Uninstall(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(unitDir, unitName)); !os.IsNotExist(err) {
		t.Errorf("unit file still present: %v", err)
	}

	want := [][]string{
		{"daemon-reload"},
		{"enable", "--now", unitName},
		{"disable", "--now", unitName},
		{"daemon-reload"},
	}
	if !reflect.DeepEqual(*calls, want) {
		t.Errorf("systemctl calls = %v, want %v", *calls, want)
	}
}
