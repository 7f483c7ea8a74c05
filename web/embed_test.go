package web

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderAuth(t *testing.T) {
	p := MustPages()
	var buf bytes.Buffer
	err := p.RenderAuth(&buf, AuthPage{
		SessionID:        `abc"</script>`,
		Purpose:          "sensitive_operation",
		ChallengePayload: "https://provider.example/qr/1",
		ExpiresIn:        42,
		Status:           "pending",
	})
	if err != nil {
		t.Fatalf("RenderAuth failed: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, `abc"</script>`) {
		t.Error("session id must be escaped inside the script block")
	}
	if !strings.Contains(out, "approve the requested operation") {
		t.Error("expected sensitive-operation wording")
	}
	if !strings.Contains(out, `"/mfa-auth/ws/"`) {
		t.Error("page must subscribe to the status stream")
	}
	if !strings.Contains(out, `post("/mfa-auth/verify")`) {
		t.Error("page must keep polling verify")
	}
}

func TestRenderNotFound(t *testing.T) {
	var buf bytes.Buffer
	if err := MustPages().RenderNotFound(&buf); err != nil {
		t.Fatalf("RenderNotFound failed: %v", err)
	}
	if !strings.Contains(buf.String(), "no longer valid") {
		t.Error("unexpected not-found page")
	}
}
