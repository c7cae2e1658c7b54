//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"jobexec/internal/admission"
	"jobexec/internal/api"
	"jobexec/internal/dispatcher"
	"jobexec/internal/engine"
	"jobexec/internal/health"
	"jobexec/internal/job"
	"jobexec/internal/notify"
	"jobexec/internal/result"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a test server is created.
func getTestURL(tb testing.TB) (string, func()) {
	tb.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		return url, func() {}
	}

	server, cleanup := createTestServer(tb, 4)
	return server.URL, cleanup
}

// createTestServer wires the full service stack against the engines found
// on PATH. Kinds whose binary is missing are left unconfigured.
func createTestServer(tb testing.TB, capacity int) (*httptest.Server, func()) {
	tb.Helper()
	root := tb.TempDir()
	workDir := filepath.Join(root, "work")
	outputDir := filepath.Join(root, "output")

	var adapters []engine.Adapter
	if bin, err := exec.LookPath("ffmpeg"); err == nil {
		adapters = append(adapters, engine.NewTranscode(engine.TranscodeConfig{
			Binary:    bin,
			WorkDir:   workDir,
			OutputDir: outputDir,
			Threads:   1,
		}))
	}
	if bin, err := exec.LookPath("deno"); err == nil {
		adapters = append(adapters, engine.NewScript(engine.ScriptConfig{
			Binary:  bin,
			WorkDir: workDir,
		}))
	}
	if len(adapters) == 0 {
		tb.Skip("neither ffmpeg nor deno is installed")
	}

	notifier := notify.NewMemory(notify.Config{BufferSize: 1000, Workers: 4}, nil)
	engines := engine.NewSet(adapters...)
	versions, _ := engines.Versions(context.Background())

	d, err := dispatcher.New(dispatcher.Config{
		Engines: engines,
		Gates: map[job.Kind]admission.GateConfig{
			job.KindTranscode: {Capacity: capacity},
			job.KindScript:    {Capacity: capacity},
		},
		Store:            result.NewStore(time.Hour),
		Notifier:         notifier,
		TerminationGrace: time.Second,
	})
	if err != nil {
		tb.Fatalf("Failed to create dispatcher: %v", err)
	}

	router := api.NewRouter(api.RouterConfig{
		JobService:    job.NewService(d, job.Limits{}),
		HealthChecker: health.NewChecker(d, health.WithCapacity(d), health.WithNotifier(notifier)),
		Capacity:      d,
		Notifier:      notifier,
		Versions:      versions,
	})
	server := httptest.NewServer(router)

	cleanup := func() {
		_ = d.Close()
		// Drain notifier before closing server so pending callbacks can be delivered
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = notifier.Close(ctx)
		server.Close()
	}
	return server, cleanup
}

func requireEngine(tb testing.TB, name string) {
	tb.Helper()
	if os.Getenv("E2E_API_URL") != "" {
		return
	}
	if _, err := exec.LookPath(name); err != nil {
		tb.Skipf("%s not installed", name)
	}
}

// silentWAVBase64 returns a mono 16-bit PCM WAV of the given length in
// samples, base64 encoded for an inlineBase64 input.
func silentWAVBase64(samples int) string {
	const rate = 8000
	var buf bytes.Buffer
	dataLen := uint32(samples * 2)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	for _, v := range []any{uint32(16), uint16(1), uint16(1), uint32(rate), uint32(rate * 2), uint16(2), uint16(16)} {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(make([]byte, dataLen))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
