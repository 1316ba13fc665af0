package auth

import (
	"context"
	"testing"

	"github.com/nulpointcorp/aicentral-gateway/internal/core"
)

func TestStep_RejectsMissingKey(t *testing.T) {
	s := NewStep([]Client{{Name: "team-a", Keys: []string{"sk-a"}}})
	r, err := s.Pre(context.Background(), &core.CallDetails{})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Reject || r.StatusCode != 401 {
		t.Fatalf("expected 401 rejection, got %+v", r)
	}
}

func TestStep_AcceptsValidKeyAndTagsConsumer(t *testing.T) {
	s := NewStep([]Client{{Name: "team-a", Keys: []string{"sk-a"}}})
	d := &core.CallDetails{APIKey: "sk-a"}
	r, err := s.Pre(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if r.Reject {
		t.Fatal("expected valid key to be admitted")
	}
	if d.ConsumerID != "team-a" {
		t.Errorf("expected ConsumerID to be tagged team-a, got %q", d.ConsumerID)
	}
}

func TestStep_RejectsUnknownKey(t *testing.T) {
	s := NewStep([]Client{{Name: "team-a", Keys: []string{"sk-a"}}})
	d := &core.CallDetails{APIKey: "sk-wrong"}
	r, _ := s.Pre(context.Background(), d)
	if !r.Reject {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestDisabledStep_AdmitsAnything(t *testing.T) {
	s := NewDisabledStep()
	d := &core.CallDetails{}
	r, err := s.Pre(context.Background(), d)
	if err != nil || r.Reject {
		t.Fatalf("expected disabled auth to admit unconditionally, got %+v err=%v", r, err)
	}
}
