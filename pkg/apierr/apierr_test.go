package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestIs_MatchesCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("pool create: %w", Invalid("token_timeout", 0.5))
	if !Is(err, InvalidValue) {
		t.Fatalf("expected INVALID_VALUE, got %v", err)
	}
	if Is(err, InternalError) {
		t.Fatalf("unexpected match on INTERNAL_ERROR")
	}
	e, ok := As(err)
	if !ok || e.Params[0] != "token_timeout" || e.Params[1] != "0.5" {
		t.Fatalf("unexpected params: %#v", e)
	}
}

func TestInternal_KeepsAPIErrors(t *testing.T) {
	if Internal(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	orig := NotOneNode(3)
	if got := Internal(orig); got != orig {
		t.Fatalf("api error rewrapped: %v", got)
	}
	got := Internal(errors.New("boom"))
	if !Is(got, InternalError) {
		t.Fatalf("want INTERNAL_ERROR, got %v", got)
	}
}

func TestError_JSONShape(t *testing.T) {
	b, err := json.Marshal(NotOneNode(2))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"code":"CLUSTER_DOES_NOT_HAVE_ONE_NODE","params":["2"]}` {
		t.Fatalf("unexpected json: %s", b)
	}
	if s := New(InternalError).Error(); s != "INTERNAL_ERROR" {
		t.Fatalf("unexpected string: %q", s)
	}
}
