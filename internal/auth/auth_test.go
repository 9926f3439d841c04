package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestAuthorized(t *testing.T) {
	tests := []struct {
		name    string
		actor   Actor
		ownerID string
		want    bool
	}{
		{name: "owner", actor: Actor{ID: "u1"}, ownerID: "u1", want: true},
		{name: "other user", actor: Actor{ID: "u1"}, ownerID: "u2", want: false},
		{name: "admin on foreign resource", actor: Actor{ID: "root", Admin: true}, ownerID: "u2", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.actor.Authorized(tt.ownerID); got != tt.want {
				t.Errorf("Authorized(%q) = %v, want %v", tt.ownerID, got, tt.want)
			}
		})
	}
}

func TestHeaderIdentifier(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/tasks", nil)
	r.Header.Set("X-Actor-Id", "u1")

	a, err := HeaderIdentifier{}.Identify(r)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if a.ID != "u1" || a.Admin {
		t.Errorf("actor = %+v, want plain u1", a)
	}

	r.Header.Set("X-Actor-Admin", "true")
	a, err = HeaderIdentifier{}.Identify(r)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if !a.Admin {
		t.Error("Admin = false, want true")
	}
}

func TestHeaderIdentifierMissingID(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/tasks", nil)
	_, err := HeaderIdentifier{}.Identify(r)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Identify error = %v, want ErrUnauthenticated", err)
	}
}

func TestActorContextRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{ID: "u1", Admin: true})
	a, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext: actor missing")
	}
	if a.ID != "u1" || !a.Admin {
		t.Errorf("actor = %+v", a)
	}

	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext on bare context reported an actor")
	}
}
