package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"UDX/pkg/udxconfig"
	"UDX/pkg/udxconn"
	"UDX/pkg/udxstack"
)

func executeCommand(args ...string) (string, error) {
	cfgFile, logLevel, bindAddr = "", "", ""
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "udxhost version") || !strings.Contains(out, "wire protocol version 1") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestInvalidFlagsRejected(t *testing.T) {
	if _, err := executeCommand("version", "--log-level", "loud"); err == nil {
		t.Error("expected an invalid log level to fail")
	}
	if _, err := executeCommand("version", "--bind", "not-an-address"); err == nil {
		t.Error("expected an invalid bind address to fail")
	}
}

func testHost(t *testing.T) *host {
	t.Helper()
	cfg = udxconfig.Default()
	cfg.Bind = "127.0.0.1:0"
	log = zap.NewNop()
	h, err := startHost(context.Background())
	if err != nil {
		t.Fatalf("startHost: %v", err)
	}
	return h
}

func TestDashboardHostEchoes(t *testing.T) {
	server := testHost(t)
	defer server.shutdown(time.Second)
	if err := server.loop.Do(server.acceptEcho); err != nil {
		t.Fatal(err)
	}
	client := testHost(t)
	defer client.shutdown(time.Second)

	var (
		conn *udxconn.Conn
		cerr error
	)
	err := client.loop.Do(func() {
		s := udxstack.NewStream(client.loop, 5, client.opts)
		conn, cerr = udxconn.Wrap(client.loop, s, 0)
		if cerr == nil {
			cerr = s.Connect(client.sock, 5, server.sock.LocalAddr(), nil)
		}
	})
	if err != nil || cerr != nil {
		t.Fatalf("connect: %v %v", err, cerr)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	done := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(conn)
		done <- b
	}()
	select {
	case b := <-done:
		if string(b) != "ping" {
			t.Errorf("echo = %q, want %q", b, "ping")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
}
