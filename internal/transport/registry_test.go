package transport

import (
	"testing"

	"github.com/whisper-darkly/mcpbroker/internal/config"
)

func TestDetectKind_ExplicitHintWins(t *testing.T) {
	got := DetectKind(DetectHint{TransportHint: "ws", PackageName: "foo-http"})
	if got != KindWS {
		t.Fatalf("want ws, got %s", got)
	}
}

func TestDetectKind_EnvFallback(t *testing.T) {
	t.Setenv("MCP_MODE", "stdio")
	got := DetectKind(DetectHint{})
	if got != KindStdio {
		t.Fatalf("want stdio, got %s", got)
	}
}

func TestDetectKind_PackageNameHeuristic(t *testing.T) {
	got := DetectKind(DetectHint{PackageName: "acme-tools-ws"})
	if got != KindWS {
		t.Fatalf("want ws, got %s", got)
	}
}

func TestDetectKind_ServerIDHeuristic(t *testing.T) {
	got := DetectKind(DetectHint{ServerID: "stdio_42"})
	if got != KindStdio {
		t.Fatalf("want stdio, got %s", got)
	}
}

func TestDetectKind_DefaultsToHTTP(t *testing.T) {
	got := DetectKind(DetectHint{})
	if got != KindHTTP {
		t.Fatalf("want http, got %s", got)
	}
}

func TestRegistry_SharesAdapterPerKind(t *testing.T) {
	r := NewRegistry(config.Defaults())
	a1 := r.Get(KindStdio)
	a2 := r.Get(KindStdio)
	if a1 != a2 {
		t.Fatalf("expected same adapter instance for repeated Get(KindStdio)")
	}
}
