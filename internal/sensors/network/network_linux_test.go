//go:build linux

package network

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseHexAddrIPv4(t *testing.T) {
	// 0100007F:0050 is 127.0.0.1:80 in /proc/net/tcp's kernel-native
	// byte order encoding.
	ip, port, ok := parseHexAddr("0100007F:0050")
	if !ok {
		t.Fatal("parseHexAddr returned ok=false")
	}
	if ip != "127.0.0.1" {
		t.Errorf("got ip %q, want 127.0.0.1", ip)
	}
	if port != 80 {
		t.Errorf("got port %d, want 80", port)
	}
}

func TestParseHexAddrRejectsMalformed(t *testing.T) {
	if _, _, ok := parseHexAddr("not-a-valid-field"); ok {
		t.Fatal("expected ok=false for malformed field")
	}
}

func TestReadProcNetTCPParsesFixture(t *testing.T) {
	const fixture = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0
`
	path := filepath.Join(t.TempDir(), "tcp")
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	conns, err := readProcNetTCP(path)
	if err != nil {
		t.Fatalf("readProcNetTCP: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("got %d conns, want 1", len(conns))
	}
	c := conns[0]
	if c.srcIP != "127.0.0.1" || c.srcPort != 8080 {
		t.Errorf("got src %s:%d, want 127.0.0.1:8080", c.srcIP, c.srcPort)
	}
	if c.inode != "12345" {
		t.Errorf("got inode %q, want 12345", c.inode)
	}
}

func TestReadProcNetTCPMissingFileReturnsError(t *testing.T) {
	if _, err := readProcNetTCP(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
